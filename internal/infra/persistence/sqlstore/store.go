package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	auditTable   = "audit_log"
	receiptTable = "idempotency_receipts"
)

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists versioned rows to a relational database. Every write runs in
// a database transaction; version checks are enforced by the UPDATE predicate.
type Store struct {
	db      *sql.DB
	dialect Dialect

	mu      sync.Mutex
	ensured map[string]bool
}

// New wraps an open database handle.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, ensured: make(map[string]bool)}
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RunInTransaction applies fn within a database transaction, committing when
// fn returns nil and rolling back otherwise.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Result{}, fmt.Errorf("begin %s transaction: %w", s.dialect.Name, err)
	}
	tx := &transaction{view: view{ctx: ctx, q: sqlTx, d: s.dialect}, tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return domain.Result{}, err
	}
	if err := sqlTx.Commit(); err != nil {
		return domain.Result{}, fmt.Errorf("commit %s transaction: %w", s.dialect.Name, err)
	}
	return domain.Result{Changes: tx.changes}, nil
}

// View runs fn against committed data. It must not be called from inside a
// RunInTransaction callback.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	return fn(view{ctx: ctx, q: s.db, d: s.dialect})
}

// EnsureTables creates the audit, receipt and entity tables when missing.
func (s *Store) EnsureTables(ctx context.Context, tables ...domain.TableSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stmts []string
	if !s.ensured[auditTable] {
		stmts = append(stmts, s.systemDDL()...)
	}
	for _, t := range tables {
		if s.ensured[t.Name] {
			continue
		}
		ddl, err := s.tableDDL(t)
		if err != nil {
			return err
		}
		stmts = append(stmts, ddl...)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	s.ensured[auditTable] = true
	for _, t := range tables {
		s.ensured[t.Name] = true
	}
	return nil
}

// PurgeReceipts deletes receipts created before the cutoff.
func (s *Store) PurgeReceipts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE created_at < %s`, receiptTable, s.dialect.Bind(1)),
		s.dialect.TimeArg(before))
	if err != nil {
		return 0, fmt.Errorf("purge receipts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge receipts: %w", err)
	}
	return n, nil
}

func (s *Store) systemDDL() []string {
	d := s.dialect
	timeType := d.Types[domain.ColumnTime]
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		actor TEXT,
		action TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		changed_fields %s NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		version %s NOT NULL,
		occurred_at %s NOT NULL
	)`, auditTable, d.Types[domain.ColumnJSON], d.Types[domain.ColumnInt], timeType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tenant_time_idx ON %s (tenant_id, occurred_at)`, auditTable, auditTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		tenant_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		route_key TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		response %s NOT NULL,
		created_at %s NOT NULL,
		UNIQUE (tenant_id, idempotency_key, route_key)
	)`, receiptTable, d.BytesType, timeType),
	}
}

func (s *Store) tableDDL(t domain.TableSpec) ([]string, error) {
	if !identifier.MatchString(t.Name) {
		return nil, fmt.Errorf("invalid table name %q", t.Name)
	}
	timeType := s.dialect.Types[domain.ColumnTime]
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n\t\ttenant_id TEXT NOT NULL,\n\t\tid TEXT NOT NULL,\n\t\tversion %s NOT NULL,\n", t.Name, s.dialect.Types[domain.ColumnInt])
	for _, c := range t.Columns {
		if !identifier.MatchString(c.Name) {
			return nil, fmt.Errorf("invalid column name %q on %s", c.Name, t.Name)
		}
		sqlType, ok := s.dialect.Types[c.Type]
		if !ok {
			return nil, fmt.Errorf("unsupported column type %s on %s.%s", c.Type, t.Name, c.Name)
		}
		fmt.Fprintf(&b, "\t\t%s %s,\n", c.Name, sqlType)
	}
	fmt.Fprintf(&b, "\t\tcreated_at %s NOT NULL,\n\t\tupdated_at %s NOT NULL,\n\t\tdeleted_at %s,\n\t\tPRIMARY KEY (tenant_id, id)\n\t)", timeType, timeType, timeType)
	return []string{
		b.String(),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tenant_created_idx ON %s (tenant_id, created_at)`, t.Name, t.Name),
	}, nil
}

type view struct {
	ctx context.Context
	q   queryer
	d   Dialect
}

type transaction struct {
	view
	tx      *sql.Tx
	changes []domain.Change
}

func (v view) selectColumns(t domain.TableSpec) string {
	cols := append([]string{"tenant_id", "id", "version"}, t.ColumnNames()...)
	cols = append(cols, "created_at", "updated_at", "deleted_at")
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (v view) scanRow(t domain.TableSpec, sc rowScanner) (domain.Row, error) {
	var row domain.Row
	dests := []any{&row.TenantID, &row.ID, &row.Version}
	valueDests := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		switch c.Type {
		case domain.ColumnText:
			valueDests[i] = &sql.NullString{}
		case domain.ColumnInt:
			valueDests[i] = &sql.NullInt64{}
		case domain.ColumnTime:
			valueDests[i] = v.d.NewTimeDest()
		case domain.ColumnJSON:
			valueDests[i] = &[]byte{}
		default:
			return row, fmt.Errorf("unsupported column type %s", c.Type)
		}
	}
	dests = append(dests, valueDests...)
	created, updated, deleted := v.d.NewTimeDest(), v.d.NewTimeDest(), v.d.NewTimeDest()
	dests = append(dests, created, updated, deleted)
	if err := sc.Scan(dests...); err != nil {
		return row, err
	}
	row.Values = make(map[string]any, len(t.Columns))
	for i, c := range t.Columns {
		val, err := decodeValue(c, valueDests[i])
		if err != nil {
			return row, err
		}
		row.Values[c.Name] = val
	}
	row.CreatedAt, _ = created.Time()
	row.UpdatedAt, _ = updated.Time()
	if at, ok := deleted.Time(); ok {
		row.DeletedAt = &at
	}
	return row, nil
}

// decodeValue converts a scanned column. JSON numbers stay json.Number so
// integers beyond float64 precision survive a round trip.
func decodeValue(c domain.Column, dest any) (any, error) {
	switch d := dest.(type) {
	case *sql.NullString:
		if !d.Valid {
			return nil, nil
		}
		return d.String, nil
	case *sql.NullInt64:
		if !d.Valid {
			return nil, nil
		}
		return d.Int64, nil
	case TimeDest:
		if t, ok := d.Time(); ok {
			return t, nil
		}
		return nil, nil
	case *[]byte:
		if len(*d) == 0 {
			return nil, nil
		}
		dec := json.NewDecoder(bytes.NewReader(*d))
		dec.UseNumber()
		var out any
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", c.Name, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported scan destination %T", dest)
	}
}

func (v view) encodeValue(c domain.Column, val any) (any, error) {
	if val == nil {
		return nil, nil
	}
	switch c.Type {
	case domain.ColumnText:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("column %s expects string, got %T", c.Name, val)
		}
		return s, nil
	case domain.ColumnInt:
		n, ok := val.(int64)
		if !ok {
			return nil, fmt.Errorf("column %s expects int64, got %T", c.Name, val)
		}
		return n, nil
	case domain.ColumnTime:
		t, ok := val.(time.Time)
		if !ok {
			return nil, fmt.Errorf("column %s expects time.Time, got %T", c.Name, val)
		}
		return v.d.TimeArg(t), nil
	case domain.ColumnJSON:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", c.Name, err)
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("unsupported column type %s", c.Type)
	}
}

func (v view) GetRow(t domain.TableSpec, tenantID, id string) (domain.Row, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = %s AND id = %s AND deleted_at IS NULL`,
		v.selectColumns(t), t.Name, v.d.Bind(1), v.d.Bind(2))
	row, err := v.scanRow(t, v.q.QueryRowContext(v.ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Row{}, false, nil
	}
	if err != nil {
		return domain.Row{}, false, fmt.Errorf("get %s: %w", t.Name, err)
	}
	return row, true, nil
}

func (v view) ListRows(t domain.TableSpec, tenantID string, page domain.Page) ([]domain.Row, error) {
	page = page.Normalize()
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = %s AND deleted_at IS NULL ORDER BY created_at DESC, id DESC LIMIT %s OFFSET %s`,
		v.selectColumns(t), t.Name, v.d.Bind(1), v.d.Bind(2), v.d.Bind(3))
	rows, err := v.q.QueryContext(v.ctx, query, tenantID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t.Name, err)
	}
	defer func() { _ = rows.Close() }()
	out := []domain.Row{}
	for rows.Next() {
		row, err := v.scanRow(t, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.Name, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", t.Name, err)
	}
	return out, nil
}

func (v view) FindReceipt(tenantID, key, route string) (domain.IdempotencyReceipt, bool, error) {
	query := fmt.Sprintf(`SELECT request_hash, response, created_at FROM %s WHERE tenant_id = %s AND idempotency_key = %s AND route_key = %s`,
		receiptTable, v.d.Bind(1), v.d.Bind(2), v.d.Bind(3))
	r := domain.IdempotencyReceipt{TenantID: tenantID, Key: key, Route: route}
	created := v.d.NewTimeDest()
	err := v.q.QueryRowContext(v.ctx, query, tenantID, key, route).Scan(&r.RequestHash, &r.Response, created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyReceipt{}, false, nil
	}
	if err != nil {
		return domain.IdempotencyReceipt{}, false, fmt.Errorf("find receipt: %w", err)
	}
	r.CreatedAt, _ = created.Time()
	return r, true, nil
}

func (v view) ListAudit(tenantID string, filter domain.AuditFilter) ([]domain.AuditLogEntry, error) {
	page := filter.Page.Normalize()
	args := []any{tenantID}
	where := []string{"tenant_id = " + v.d.Bind(1)}
	if filter.EntityKind != "" {
		args = append(args, string(filter.EntityKind))
		where = append(where, "entity_kind = "+v.d.Bind(len(args)))
	}
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		where = append(where, "entity_id = "+v.d.Bind(len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, v.d.TimeArg(filter.Since))
		where = append(where, "occurred_at >= "+v.d.Bind(len(args)))
	}
	args = append(args, page.Limit, page.Offset)
	query := fmt.Sprintf(`SELECT id, tenant_id, actor, action, entity_kind, entity_id, changed_fields, correlation_id, version, occurred_at FROM %s WHERE %s ORDER BY occurred_at ASC, id ASC LIMIT %s OFFSET %s`,
		auditTable, strings.Join(where, " AND "), v.d.Bind(len(args)-1), v.d.Bind(len(args)))
	rows, err := v.q.QueryContext(v.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []domain.AuditLogEntry{}
	for rows.Next() {
		var (
			e       domain.AuditLogEntry
			actor   sql.NullString
			action  string
			kind    string
			changed []byte
		)
		occurred := v.d.NewTimeDest()
		if err := rows.Scan(&e.ID, &e.TenantID, &actor, &action, &kind, &e.EntityID, &changed, &e.CorrelationID, &e.Version, occurred); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if actor.Valid {
			a := actor.String
			e.Actor = &a
		}
		e.Action = domain.Action(action)
		e.EntityKind = domain.EntityKind(kind)
		if err := json.Unmarshal(changed, &e.ChangedFields); err != nil {
			return nil, fmt.Errorf("decode changed fields: %w", err)
		}
		e.OccurredAt, _ = occurred.Time()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return out, nil
}

func (tx *transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) valueArgs(t domain.TableSpec, row domain.Row) ([]any, error) {
	args := make([]any, 0, len(t.Columns))
	for _, c := range t.Columns {
		arg, err := tx.encodeValue(c, row.Values[c.Name])
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func (tx *transaction) InsertRow(t domain.TableSpec, row domain.Row) error {
	values, err := tx.valueArgs(t, row)
	if err != nil {
		return err
	}
	args := []any{row.TenantID, row.ID, row.Version}
	args = append(args, values...)
	args = append(args, tx.d.TimeArg(row.CreatedAt), tx.d.TimeArg(row.UpdatedAt))
	binds := make([]string, len(args))
	for i := range args {
		binds[i] = tx.d.Bind(i + 1)
	}
	cols := append([]string{"tenant_id", "id", "version"}, t.ColumnNames()...)
	cols = append(cols, "created_at", "updated_at")
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, t.Name, strings.Join(cols, ", "), strings.Join(binds, ", "))
	if _, err := tx.tx.ExecContext(tx.ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s: %w", t.Name, err)
	}
	tx.recordChange(domain.Change{Kind: t.Kind, Action: domain.ActionCreate, ID: row.ID, Version: row.Version})
	return nil
}

func (tx *transaction) CompareAndSwapRow(t domain.TableSpec, row domain.Row, expectedVersion int64) (bool, error) {
	values, err := tx.valueArgs(t, row)
	if err != nil {
		return false, err
	}
	args := []any{row.Version}
	sets := []string{"version = " + tx.d.Bind(1)}
	for i, c := range t.Columns {
		args = append(args, values[i])
		sets = append(sets, fmt.Sprintf("%s = %s", c.Name, tx.d.Bind(len(args))))
	}
	args = append(args, tx.d.TimeArg(row.UpdatedAt))
	sets = append(sets, "updated_at = "+tx.d.Bind(len(args)))
	args = append(args, row.TenantID, row.ID, expectedVersion)
	n := len(args)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE tenant_id = %s AND id = %s AND version = %s AND deleted_at IS NULL`,
		t.Name, strings.Join(sets, ", "), tx.d.Bind(n-2), tx.d.Bind(n-1), tx.d.Bind(n))
	res, err := tx.tx.ExecContext(tx.ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", t.Name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update %s: %w", t.Name, err)
	}
	if affected == 0 {
		return false, nil
	}
	tx.recordChange(domain.Change{Kind: t.Kind, Action: domain.ActionUpdate, ID: row.ID, Version: row.Version})
	return true, nil
}

func (tx *transaction) SoftDeleteRow(t domain.TableSpec, tenantID, id string, at time.Time) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET deleted_at = %s WHERE tenant_id = %s AND id = %s AND deleted_at IS NULL`,
		t.Name, tx.d.Bind(1), tx.d.Bind(2), tx.d.Bind(3))
	res, err := tx.tx.ExecContext(tx.ctx, query, tx.d.TimeArg(at), tenantID, id)
	if err != nil {
		return false, fmt.Errorf("soft delete %s: %w", t.Name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete %s: %w", t.Name, err)
	}
	if affected == 0 {
		return false, nil
	}
	tx.recordChange(domain.Change{Kind: t.Kind, Action: domain.ActionDelete, ID: id})
	return true, nil
}

func (tx *transaction) AppendAudit(e domain.AuditLogEntry) error {
	changed := e.ChangedFields
	if changed == nil {
		changed = []string{}
	}
	fields, err := json.Marshal(changed)
	if err != nil {
		return fmt.Errorf("encode changed fields: %w", err)
	}
	var actor any
	if e.Actor != nil {
		actor = *e.Actor
	}
	binds := make([]string, 10)
	for i := range binds {
		binds[i] = tx.d.Bind(i + 1)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, tenant_id, actor, action, entity_kind, entity_id, changed_fields, correlation_id, version, occurred_at) VALUES (%s)`,
		auditTable, strings.Join(binds, ", "))
	_, err = tx.tx.ExecContext(tx.ctx, query,
		e.ID, e.TenantID, actor, string(e.Action), string(e.EntityKind), e.EntityID, string(fields), e.CorrelationID, e.Version, tx.d.TimeArg(e.OccurredAt))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (tx *transaction) PutReceipt(r domain.IdempotencyReceipt, replaceBefore time.Time) (bool, error) {
	b := tx.d.Bind
	query := fmt.Sprintf(`INSERT INTO %[1]s (tenant_id, idempotency_key, route_key, request_hash, response, created_at)
		VALUES (%[2]s, %[3]s, %[4]s, %[5]s, %[6]s, %[7]s)
		ON CONFLICT (tenant_id, idempotency_key, route_key) DO UPDATE
		SET request_hash = excluded.request_hash, response = excluded.response, created_at = excluded.created_at
		WHERE %[1]s.created_at < %[8]s`,
		receiptTable, b(1), b(2), b(3), b(4), b(5), b(6), b(7))
	res, err := tx.tx.ExecContext(tx.ctx, query,
		r.TenantID, r.Key, r.Route, r.RequestHash, r.Response, tx.d.TimeArg(r.CreatedAt), tx.d.TimeArg(replaceBefore))
	if err != nil {
		return false, fmt.Errorf("put receipt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put receipt: %w", err)
	}
	return affected > 0, nil
}
