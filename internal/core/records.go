package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

// RecordStore is the versioned, tenant-scoped row primitive shared by every
// entity kind. It runs inside a caller-provided transaction.
type RecordStore struct {
	clock Clock
	newID func() string
}

// NewRecordStore constructs a record store. A nil clock uses UTC wall time.
func NewRecordStore(clock Clock) RecordStore {
	if clock == nil {
		clock = systemClock{}
	}
	return RecordStore{clock: clock, newID: uuid.NewString}
}

// Create inserts a new row at version 1 with a fresh id.
func (s RecordStore) Create(tx Transaction, table domain.TableSpec, tenantID string, values map[string]any) (Row, error) {
	if tenantID == "" {
		return Row{}, domain.ErrTenantScopeMissing
	}
	now := s.clock.Now().UTC()
	row := Row{
		TenantID:  tenantID,
		ID:        s.newID(),
		Version:   1,
		Values:    domain.CloneValues(values),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertRow(table, row); err != nil {
		return Row{}, err
	}
	return row, nil
}

// Get returns the live row owned by tenantID. Rows of other tenants and
// soft-deleted rows are reported as not found.
func (s RecordStore) Get(view TransactionView, table domain.TableSpec, tenantID, id string) (Row, error) {
	if tenantID == "" {
		return Row{}, domain.ErrTenantScopeMissing
	}
	row, ok, err := view.GetRow(table, tenantID, id)
	if err != nil {
		return Row{}, err
	}
	if !ok {
		return Row{}, domain.NotFound(table.Kind, id)
	}
	return row, nil
}

// List returns live rows for tenantID, newest first.
func (s RecordStore) List(view TransactionView, table domain.TableSpec, tenantID string, page Page) ([]Row, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantScopeMissing
	}
	return view.ListRows(table, tenantID, page.Normalize())
}

// Update writes values when the stored version equals expectedVersion. A miss
// is reported as domain.ErrStale without saying whether the row is missing or
// the version moved on.
func (s RecordStore) Update(tx Transaction, table domain.TableSpec, tenantID, id string, expectedVersion int64, values map[string]any) (Row, error) {
	if tenantID == "" {
		return Row{}, domain.ErrTenantScopeMissing
	}
	row := Row{
		TenantID:  tenantID,
		ID:        id,
		Version:   expectedVersion + 1,
		Values:    domain.CloneValues(values),
		UpdatedAt: s.clock.Now().UTC(),
	}
	ok, err := tx.CompareAndSwapRow(table, row, expectedVersion)
	if err != nil {
		return Row{}, err
	}
	if !ok {
		return Row{}, fmt.Errorf("%w: %s %s at version %d", domain.ErrStale, table.Kind, id, expectedVersion)
	}
	return row, nil
}

// SoftDelete stamps deleted_at; a second call reports false.
func (s RecordStore) SoftDelete(tx Transaction, table domain.TableSpec, tenantID, id string) (bool, error) {
	return s.SoftDeleteAt(tx, table, tenantID, id, s.clock.Now().UTC())
}

// SoftDeleteAt is SoftDelete with an explicit timestamp.
func (s RecordStore) SoftDeleteAt(tx Transaction, table domain.TableSpec, tenantID, id string, at time.Time) (bool, error) {
	if tenantID == "" {
		return false, domain.ErrTenantScopeMissing
	}
	return tx.SoftDeleteRow(table, tenantID, id, at)
}

// Resolve turns a stale write into NotFound or a VersionConflict by re-reading
// the row under the caller's tenant. Other errors pass through.
func (s RecordStore) Resolve(view TransactionView, table domain.TableSpec, tenantID, id string, expectedVersion int64, err error) error {
	if !errors.Is(err, domain.ErrStale) {
		return err
	}
	current, getErr := s.Get(view, table, tenantID, id)
	if getErr != nil {
		return getErr
	}
	return &domain.VersionConflictError{
		Kind:            table.Kind,
		ID:              id,
		ExpectedVersion: expectedVersion,
		CurrentVersion:  current.Version,
		UpdatedAt:       current.UpdatedAt,
	}
}
