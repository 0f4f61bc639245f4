package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

func event(tenant string, kind domain.EntityKind, id string) domain.EventEnvelope {
	return domain.EventEnvelope{
		ID:         "evt-" + id,
		Topic:      domain.Topic(tenant, kind),
		TenantID:   tenant,
		EntityKind: kind,
		EntityID:   id,
		Type:       domain.EventTypeFor(kind, domain.ActionCreate),
		Version:    1,
	}
}

func TestHubDeliversOnlyMatchingTopic(t *testing.T) {
	hub := NewHub(nil, 4)
	ctx := context.Background()
	sub, err := hub.Subscribe(ctx, domain.SubscribeRequest{AuthorizedTenant: "t1", Tenant: "t1", Kind: domain.KindClaim})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, hub.Publish(ctx, event("t2", domain.KindClaim, "other-tenant")))
	require.NoError(t, hub.Publish(ctx, event("t1", domain.KindVehicle, "other-kind")))
	require.NoError(t, hub.Publish(ctx, event("t1", domain.KindClaim, "c-1")))

	select {
	case got := <-sub.Events():
		assert.Equal(t, "c-1", got.EntityID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case got := <-sub.Events():
		t.Fatalf("unexpected event %s", got.EntityID)
	default:
	}
}

func TestHubRejectsForeignTenant(t *testing.T) {
	hub := NewHub(nil, 0)
	_, err := hub.Subscribe(context.Background(), domain.SubscribeRequest{AuthorizedTenant: "t1", Tenant: "t2", Kind: domain.KindClaim})
	assert.True(t, errors.Is(err, domain.ErrTenantScopeMismatch))
	_, err = hub.Subscribe(context.Background(), domain.SubscribeRequest{Tenant: "t2", Kind: domain.KindClaim})
	assert.True(t, errors.Is(err, domain.ErrTenantScopeMissing))
	assert.Zero(t, hub.Subscribers(domain.Topic("t2", domain.KindClaim)))
}

func TestHubKeepsTenantsWithDotsApart(t *testing.T) {
	hub := NewHub(nil, 4)
	ctx := context.Background()
	_, err := hub.Subscribe(ctx, domain.SubscribeRequest{AuthorizedTenant: "acme", Tenant: "acme", Kind: "east.vehicle"})
	require.True(t, errors.Is(err, domain.ErrInvalidInput), "got %v", err)

	sub, err := hub.Subscribe(ctx, domain.SubscribeRequest{AuthorizedTenant: "acme", Tenant: "acme", Kind: domain.KindVehicle})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, hub.Publish(ctx, event("acme.east", domain.KindVehicle, "foreign")))
	forged := event("acme.east", domain.KindVehicle, "forged")
	forged.Topic = domain.Topic("acme", domain.KindVehicle)
	require.NoError(t, hub.Publish(ctx, forged))

	select {
	case got := <-sub.Events():
		t.Fatalf("received event %s of tenant %q", got.EntityID, got.TenantID)
	default:
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub(nil, 1)
	ctx := context.Background()
	sub, err := hub.Subscribe(ctx, domain.SubscribeRequest{AuthorizedTenant: "t1", Tenant: "t1", Kind: domain.KindClaim})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, hub.Publish(ctx, event("t1", domain.KindClaim, "first")))
	require.NoError(t, hub.Publish(ctx, event("t1", domain.KindClaim, "second")))

	got := <-sub.Events()
	assert.Equal(t, "first", got.EntityID)
	select {
	case extra := <-sub.Events():
		t.Fatalf("expected drop, got %s", extra.EntityID)
	default:
	}
}

func TestHubClosesSubscriptionWithContext(t *testing.T) {
	hub := NewHub(nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := hub.Subscribe(ctx, domain.SubscribeRequest{AuthorizedTenant: "t1", Tenant: "t1", Kind: domain.KindClaim})
	require.NoError(t, err)
	topic := domain.Topic("t1", domain.KindClaim)
	assert.Equal(t, 1, hub.Subscribers(topic))

	cancel()
	select {
	case _, open := <-sub.Events():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.Zero(t, hub.Subscribers(topic))
	assert.NoError(t, sub.Close())
}

func TestHubPublishHonoursCancelledContext(t *testing.T) {
	hub := NewHub(nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, hub.Publish(ctx, event("t1", domain.KindClaim, "x")), context.Canceled)
}
