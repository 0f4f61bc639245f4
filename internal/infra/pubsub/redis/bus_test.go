package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

func unreachable() *Bus {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	return NewWithClient(client, 2, nil)
}

func TestPublishReportsUnreachableBroker(t *testing.T) {
	bus := unreachable()
	defer bus.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := bus.Publish(ctx, domain.EventEnvelope{Topic: domain.Topic("t1", domain.KindClaim)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant.t1.claim")
	assert.Error(t, bus.Ping(ctx))
}

func TestSubscribeValidatesTenantBeforeDialing(t *testing.T) {
	bus := unreachable()
	defer bus.Close()
	_, err := bus.Subscribe(context.Background(), domain.SubscribeRequest{AuthorizedTenant: "t1", Tenant: "t2", Kind: domain.KindClaim})
	assert.True(t, errors.Is(err, domain.ErrTenantScopeMismatch))
}

func TestDeliverDecodesAndDrops(t *testing.T) {
	bus := unreachable()
	defer bus.Close()
	sub := &subscription{bus: bus, topic: "tenant.t1.claim", tenant: "t1", out: make(chan domain.EventEnvelope, 1), done: make(chan struct{})}

	raw, err := json.Marshal(domain.EventEnvelope{ID: "e1", Topic: sub.topic, TenantID: "t1", EntityID: "c-1", Version: 3})
	require.NoError(t, err)

	sub.deliver("{not json")
	sub.deliver(string(raw))
	sub.deliver(string(raw))

	got := <-sub.out
	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, int64(3), got.Version)
	select {
	case <-sub.out:
		t.Fatal("expected second copy to be dropped")
	default:
	}
}

func TestSubscribeRejectsDottedKind(t *testing.T) {
	bus := unreachable()
	defer bus.Close()
	_, err := bus.Subscribe(context.Background(), domain.SubscribeRequest{AuthorizedTenant: "acme", Tenant: "acme", Kind: "east.vehicle"})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestDeliverDiscardsOtherTenants(t *testing.T) {
	bus := unreachable()
	defer bus.Close()
	sub := &subscription{bus: bus, topic: domain.Topic("acme", domain.KindVehicle), tenant: "acme", out: make(chan domain.EventEnvelope, 1), done: make(chan struct{})}

	raw, err := json.Marshal(domain.EventEnvelope{ID: "e2", Topic: sub.topic, TenantID: "acme.east", EntityID: "v-1"})
	require.NoError(t, err)
	sub.deliver(string(raw))

	select {
	case got := <-sub.out:
		t.Fatalf("delivered event of tenant %q", got.TenantID)
	default:
	}
}
