package domain

import (
	"context"
	"time"
)

// ColumnType enumerates the native column encodings supported by the stores.
type ColumnType string

const (
	// ColumnText stores a string (or null).
	ColumnText ColumnType = "text"
	// ColumnInt stores a 64-bit integer (or null).
	ColumnInt ColumnType = "int"
	// ColumnTime stores a UTC timestamp (or null).
	ColumnTime ColumnType = "time"
	// ColumnJSON stores a JSON object.
	ColumnJSON ColumnType = "json"
)

// Column describes one native value column of a table.
type Column struct {
	Name string
	Type ColumnType
}

// TableSpec describes the table backing one entity kind. Bookkeeping columns
// (tenant_id, id, version, created_at, updated_at, deleted_at) are implicit.
type TableSpec struct {
	Kind    EntityKind
	Name    string
	Columns []Column
}

// Column returns the named column definition.
func (t TableSpec) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the value column names in declaration order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Row is the storage representation of one versioned record. Values hold
// string, int64, time.Time, map[string]any or nil according to column type.
type Row struct {
	TenantID  string
	ID        string
	Version   int64
	Values    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Clone returns a copy that shares no mutable state with r.
func (r Row) Clone() Row {
	out := r
	out.Values = CloneValues(r.Values)
	if r.DeletedAt != nil {
		at := *r.DeletedAt
		out.DeletedAt = &at
	}
	return out
}

// Header extracts the bookkeeping columns.
func (r Row) Header() Header {
	h := Header{TenantID: r.TenantID, ID: r.ID, Version: r.Version, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
	if r.DeletedAt != nil {
		at := *r.DeletedAt
		h.DeletedAt = &at
	}
	return h
}

// CloneValues deep-copies a value map, including nested JSON objects and arrays.
func CloneValues(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneValues(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

// Default and maximum page sizes for list queries.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize clamps the page to supported bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// TransactionView provides read-only, tenant-scoped access to stored data.
// Rows with a non-null deleted_at are never returned.
type TransactionView interface {
	GetRow(table TableSpec, tenantID, id string) (Row, bool, error)
	// ListRows orders by created_at descending, id descending.
	ListRows(table TableSpec, tenantID string, page Page) ([]Row, error)
	FindReceipt(tenantID, key, route string) (IdempotencyReceipt, bool, error)
	// ListAudit orders by occurred_at ascending, id ascending.
	ListAudit(tenantID string, filter AuditFilter) ([]AuditLogEntry, error)
}

// Transaction exposes the write primitives a persistence implementation must
// support within an atomic scope.
type Transaction interface {
	TransactionView
	InsertRow(table TableSpec, row Row) error
	// CompareAndSwapRow replaces the values of the live row matching tenant, id
	// and expectedVersion in one conditional write. It reports false when no
	// row matched, without distinguishing a missing row from a stale version.
	CompareAndSwapRow(table TableSpec, row Row, expectedVersion int64) (bool, error)
	// SoftDeleteRow stamps deleted_at on the live row and reports whether a row
	// was affected.
	SoftDeleteRow(table TableSpec, tenantID, id string, at time.Time) (bool, error)
	AppendAudit(entry AuditLogEntry) error
	// PutReceipt inserts the receipt unless one exists for the same tenant, key
	// and route. An existing receipt created before replaceBefore is replaced.
	PutReceipt(receipt IdempotencyReceipt, replaceBefore time.Time) (bool, error)
}

// PersistentStore is the abstraction over durable backends used by the core.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	// EnsureTables creates the tables backing the supplied specs when missing.
	EnsureTables(ctx context.Context, tables ...TableSpec) error
	// PurgeReceipts deletes idempotency receipts created before the cutoff.
	PurgeReceipts(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
