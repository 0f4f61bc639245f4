// Package memory provides an in-memory implementation of the persistence
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Row aliases domain.Row for in-memory persistence operations.
	Row = domain.Row
	// TableSpec aliases domain.TableSpec.
	TableSpec = domain.TableSpec
	// Result aliases domain.Result summarising committed changes.
	Result = domain.Result
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type rowKey struct {
	tenant string
	id     string
}

type receiptKey struct {
	tenant string
	key    string
	route  string
}

type memoryState struct {
	tables   map[string]map[rowKey]Row
	audit    []domain.AuditLogEntry
	receipts map[receiptKey]domain.IdempotencyReceipt
}

func newMemoryState() memoryState {
	return memoryState{
		tables:   make(map[string]map[rowKey]Row),
		receipts: make(map[receiptKey]domain.IdempotencyReceipt),
	}
}

// clone copies the outer table map only. Committed maps are never written in
// place: tables and receipts are copied lazily on first write inside a
// transaction.
func (s memoryState) clone() memoryState {
	tables := make(map[string]map[rowKey]Row, len(s.tables))
	for name, rows := range s.tables {
		tables[name] = rows
	}
	return memoryState{
		tables:   tables,
		audit:    s.audit[:len(s.audit):len(s.audit)],
		receipts: s.receipts,
	}
}

// Store serialises writers behind a single lock and lets readers proceed
// concurrently against the last committed state.
type Store struct {
	mu    sync.RWMutex
	state memoryState
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{state: newMemoryState()}
}

type transactionView struct {
	state *memoryState
}

type transaction struct {
	transactionView
	owned         map[string]bool
	ownedReceipts bool
	changes       []domain.Change
}

// RunInTransaction executes fn against a private copy of the state and
// publishes it atomically when fn succeeds.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state.clone()
	tx := &transaction{transactionView: transactionView{state: &state}, owned: make(map[string]bool)}
	if err := fn(tx); err != nil {
		return Result{}, err
	}
	s.state = state
	return Result{Changes: tx.changes}, nil
}

// View executes fn against the committed state as of the call. The snapshot
// shares maps with the store, which is safe because commits replace maps
// instead of writing into them.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state
	s.mu.RUnlock()
	return fn(transactionView{state: &snapshot})
}

// EnsureTables registers empty tables; the memory backend has no schema.
func (s *Store) EnsureTables(_ context.Context, tables ...TableSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	for _, t := range tables {
		if t.Name == "" {
			return fmt.Errorf("table name required")
		}
		if _, ok := next.tables[t.Name]; !ok {
			next.tables[t.Name] = make(map[rowKey]Row)
		}
	}
	s.state = next
	return nil
}

// PurgeReceipts removes receipts created before the cutoff.
func (s *Store) PurgeReceipts(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make(map[receiptKey]domain.IdempotencyReceipt, len(s.state.receipts))
	var removed int64
	for k, r := range s.state.receipts {
		if r.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept[k] = r
	}
	if removed > 0 {
		s.state.receipts = kept
	}
	return removed, nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

func (v transactionView) GetRow(table TableSpec, tenantID, id string) (Row, bool, error) {
	row, ok := v.state.tables[table.Name][rowKey{tenant: tenantID, id: id}]
	if !ok || row.DeletedAt != nil {
		return Row{}, false, nil
	}
	return row.Clone(), true, nil
}

func (v transactionView) ListRows(table TableSpec, tenantID string, page domain.Page) ([]Row, error) {
	page = page.Normalize()
	var rows []Row
	for key, row := range v.state.tables[table.Name] {
		if key.tenant != tenantID || row.DeletedAt != nil {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	if page.Offset >= len(rows) {
		return []Row{}, nil
	}
	end := page.Offset + page.Limit
	if end > len(rows) {
		end = len(rows)
	}
	out := make([]Row, 0, end-page.Offset)
	for _, row := range rows[page.Offset:end] {
		out = append(out, row.Clone())
	}
	return out, nil
}

func (v transactionView) FindReceipt(tenantID, key, route string) (domain.IdempotencyReceipt, bool, error) {
	r, ok := v.state.receipts[receiptKey{tenant: tenantID, key: key, route: route}]
	if !ok {
		return domain.IdempotencyReceipt{}, false, nil
	}
	r.Response = append([]byte(nil), r.Response...)
	return r, true, nil
}

func (v transactionView) ListAudit(tenantID string, filter domain.AuditFilter) ([]domain.AuditLogEntry, error) {
	page := filter.Page.Normalize()
	var matched []domain.AuditLogEntry
	for _, e := range v.state.audit {
		if e.TenantID != tenantID {
			continue
		}
		if filter.EntityKind != "" && e.EntityKind != filter.EntityKind {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if !filter.Since.IsZero() && e.OccurredAt.Before(filter.Since) {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].OccurredAt.Equal(matched[j].OccurredAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].OccurredAt.Before(matched[j].OccurredAt)
	})
	if page.Offset >= len(matched) {
		return []domain.AuditLogEntry{}, nil
	}
	end := page.Offset + page.Limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]domain.AuditLogEntry, 0, end-page.Offset)
	for _, e := range matched[page.Offset:end] {
		e.ChangedFields = append([]string(nil), e.ChangedFields...)
		out = append(out, e)
	}
	return out, nil
}

// writable returns the table map owned by this transaction, copying the
// committed map on first write.
func (tx *transaction) writable(table string) map[rowKey]Row {
	if tx.owned[table] {
		return tx.state.tables[table]
	}
	src := tx.state.tables[table]
	dst := make(map[rowKey]Row, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	tx.state.tables[table] = dst
	tx.owned[table] = true
	return dst
}

func (tx *transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) InsertRow(table TableSpec, row Row) error {
	rows := tx.writable(table.Name)
	key := rowKey{tenant: row.TenantID, id: row.ID}
	if _, exists := rows[key]; exists {
		return fmt.Errorf("%s %s already exists", table.Kind, row.ID)
	}
	rows[key] = row.Clone()
	tx.recordChange(domain.Change{Kind: table.Kind, Action: domain.ActionCreate, ID: row.ID, Version: row.Version})
	return nil
}

func (tx *transaction) CompareAndSwapRow(table TableSpec, row Row, expectedVersion int64) (bool, error) {
	key := rowKey{tenant: row.TenantID, id: row.ID}
	current, ok := tx.state.tables[table.Name][key]
	if !ok || current.DeletedAt != nil || current.Version != expectedVersion {
		return false, nil
	}
	next := row.Clone()
	next.CreatedAt = current.CreatedAt
	next.DeletedAt = nil
	tx.writable(table.Name)[key] = next
	tx.recordChange(domain.Change{Kind: table.Kind, Action: domain.ActionUpdate, ID: row.ID, Version: row.Version})
	return true, nil
}

func (tx *transaction) SoftDeleteRow(table TableSpec, tenantID, id string, at time.Time) (bool, error) {
	key := rowKey{tenant: tenantID, id: id}
	current, ok := tx.state.tables[table.Name][key]
	if !ok || current.DeletedAt != nil {
		return false, nil
	}
	next := current.Clone()
	deleted := at
	next.DeletedAt = &deleted
	tx.writable(table.Name)[key] = next
	tx.recordChange(domain.Change{Kind: table.Kind, Action: domain.ActionDelete, ID: id, Version: current.Version})
	return true, nil
}

func (tx *transaction) AppendAudit(entry domain.AuditLogEntry) error {
	entry.ChangedFields = append([]string(nil), entry.ChangedFields...)
	tx.state.audit = append(tx.state.audit, entry)
	return nil
}

func (tx *transaction) PutReceipt(receipt domain.IdempotencyReceipt, replaceBefore time.Time) (bool, error) {
	key := receiptKey{tenant: receipt.TenantID, key: receipt.Key, route: receipt.Route}
	if existing, ok := tx.state.receipts[key]; ok && !existing.CreatedAt.Before(replaceBefore) {
		return false, nil
	}
	receipt.Response = append([]byte(nil), receipt.Response...)
	if !tx.ownedReceipts {
		dst := make(map[receiptKey]domain.IdempotencyReceipt, len(tx.state.receipts)+1)
		for k, v := range tx.state.receipts {
			dst[k] = v
		}
		tx.state.receipts = dst
		tx.ownedReceipts = true
	}
	tx.state.receipts[key] = receipt
	return true, nil
}
