package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

func TestIncidentRepositoryLifecycle(t *testing.T) {
	h := newHarness(t)
	repo := NewRepository(h.svc, IncidentModel)
	ctx := context.Background()
	meta := Meta{TenantID: tenantA, Actor: "medic-3"}

	created, err := repo.Create(ctx, meta, map[string]any{
		"incident_number": "2024-0001",
		"unit_id":         "M7",
		"patient_name":    "John Doe",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.KindIncident, repo.Kind())
	assert.Equal(t, domain.StatusDraft, created.Status)
	assert.Equal(t, int64(1), created.Version)
	assert.Nil(t, created.DispatchTime)

	dispatched := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	updated, err := repo.Update(ctx, meta, created.ID, 1, map[string]any{"dispatch_time": dispatched})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, updated.Status)
	require.NotNil(t, updated.DispatchTime)
	assert.True(t, dispatched.Equal(*updated.DispatchTime))

	steps := []Status{domain.StatusReadyForReview, domain.StatusCompleted, domain.StatusLocked}
	current := updated
	for _, target := range steps {
		current, err = repo.Transition(ctx, meta, current.ID, current.Version, target, "")
		require.NoError(t, err)
		assert.Equal(t, target, current.Status)
	}
	assert.Equal(t, int64(5), current.Version)

	list, err := repo.List(ctx, tenantA, Page{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "John Doe", list[0].PatientName)

	require.NoError(t, repo.Delete(ctx, meta, current.ID))
	_, err = repo.Get(ctx, tenantA, current.ID)
	expectErr(t, err, domain.ErrNotFound)

	entries := h.audit(t, tenantA)
	require.Len(t, entries, 6)
	for i, e := range entries {
		assert.Equal(t, "medic-3", *e.Actor, "entry %d", i)
	}
}

func TestClaimRepositoryDecodesAmounts(t *testing.T) {
	h := newHarness(t)
	repo := NewRepository(h.svc, ClaimModel)
	claim, err := repo.Create(context.Background(), Meta{TenantID: tenantA}, map[string]any{
		"payer_id":     "medicare",
		"amount_cents": 125075,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(125075), claim.AmountCents)

	got, err := repo.Get(context.Background(), tenantA, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.ID, got.ID)
	assert.Equal(t, "medicare", got.PayerID)
}

func TestRecordRepositoryDecodesPayload(t *testing.T) {
	h := newHarness(t)
	repo := NewRepository(h.svc, NewRecordModel("schedule"))
	rec, err := repo.Create(context.Background(), Meta{TenantID: tenantA}, map[string]any{"shift": "A"})
	require.NoError(t, err)
	assert.Equal(t, EntityKind("schedule"), rec.Kind)
	assert.Equal(t, "A", rec.Payload["shift"])
}
