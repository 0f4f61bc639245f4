// Package storetest holds the behavioural contract every persistence backend
// must satisfy. Backend packages run it from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

// Table is the typed table exercised by the contract.
var Table = domain.TableSpec{
	Kind: "widget",
	Name: "widgets",
	Columns: []domain.Column{
		{Name: "status", Type: domain.ColumnText},
		{Name: "count", Type: domain.ColumnInt},
		{Name: "seen_at", Type: domain.ColumnTime},
		{Name: "payload", Type: domain.ColumnJSON},
	},
}

// Opener returns a fresh, empty store for one subtest.
type Opener func(t *testing.T) domain.PersistentStore

// Run executes the persistence contract against stores produced by open.
func Run(t *testing.T, open Opener) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, store domain.PersistentStore)
	}{
		{"insert and get round trip", testRoundTrip},
		{"json payload precision and nulls", testJSONPayload},
		{"tenant isolation", testTenantIsolation},
		{"list ordering and paging", testListPaging},
		{"compare and swap", testCompareAndSwap},
		{"concurrent compare and swap", testConcurrentCAS},
		{"soft delete", testSoftDelete},
		{"rollback on error", testRollback},
		{"audit append and filter", testAudit},
		{"receipts", testReceipts},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := open(t)
			t.Cleanup(func() { _ = store.Close() })
			if err := store.EnsureTables(context.Background(), Table); err != nil {
				t.Fatalf("ensure tables: %v", err)
			}
			tc.fn(t, store)
		})
	}
}

var base = time.Date(2025, 3, 4, 5, 6, 7, 123456000, time.UTC)

func newRow(tenant, id string, created time.Time) domain.Row {
	return domain.Row{
		TenantID: tenant,
		ID:       id,
		Version:  1,
		Values: map[string]any{
			"status":  "draft",
			"count":   int64(3),
			"seen_at": created,
			"payload": map[string]any{"note": "hello", "nested": map[string]any{"n": float64(1)}},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func insert(t *testing.T, store domain.PersistentStore, rows ...domain.Row) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		for _, r := range rows {
			if err := tx.InsertRow(Table, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func get(t *testing.T, store domain.PersistentStore, tenant, id string) (domain.Row, bool) {
	t.Helper()
	var (
		row domain.Row
		ok  bool
	)
	err := store.View(context.Background(), func(v domain.TransactionView) error {
		var err error
		row, ok, err = v.GetRow(Table, tenant, id)
		return err
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return row, ok
}

func testRoundTrip(t *testing.T, store domain.PersistentStore) {
	insert(t, store, newRow("t1", "a", base))
	row, ok := get(t, store, "t1", "a")
	if !ok {
		t.Fatalf("expected row")
	}
	if row.Version != 1 || row.TenantID != "t1" || row.ID != "a" {
		t.Fatalf("unexpected header: %+v", row)
	}
	if !row.CreatedAt.Equal(base) || !row.UpdatedAt.Equal(base) {
		t.Fatalf("timestamps not preserved: %v %v", row.CreatedAt, row.UpdatedAt)
	}
	if row.Values["status"] != "draft" || row.Values["count"] != int64(3) {
		t.Fatalf("unexpected scalar values: %#v", row.Values)
	}
	seen, ok := row.Values["seen_at"].(time.Time)
	if !ok || !seen.Equal(base) {
		t.Fatalf("unexpected time value: %#v", row.Values["seen_at"])
	}
	payload, ok := row.Values["payload"].(map[string]any)
	if !ok || payload["note"] != "hello" {
		t.Fatalf("unexpected json value: %#v", row.Values["payload"])
	}
	if row.DeletedAt != nil {
		t.Fatalf("new row must not be deleted")
	}
}

func testJSONPayload(t *testing.T, store domain.PersistentStore) {
	const big = "9007199254740993"
	row := newRow("t1", "j", base)
	row.Values["payload"] = map[string]any{"mrn": json.Number(big), "cleared": nil}
	insert(t, store, row)

	check := func(stage string) map[string]any {
		t.Helper()
		got, ok := get(t, store, "t1", "j")
		if !ok {
			t.Fatalf("%s: expected row", stage)
		}
		payload, ok := got.Values["payload"].(map[string]any)
		if !ok {
			t.Fatalf("%s: unexpected payload %#v", stage, got.Values["payload"])
		}
		if fmt.Sprint(payload["mrn"]) != big {
			t.Fatalf("%s: integer lost precision: %v", stage, payload["mrn"])
		}
		if v, present := payload["cleared"]; !present || v != nil {
			t.Fatalf("%s: null key not preserved: %#v", stage, payload)
		}
		return payload
	}
	payload := check("insert")

	next := newRow("t1", "j", base)
	next.Version = 2
	next.Values["payload"] = payload
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		ok, err := tx.CompareAndSwapRow(Table, next, 1)
		if err == nil && !ok {
			err = errors.New("swap rejected")
		}
		return err
	})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	check("rewrite")
}

func testTenantIsolation(t *testing.T, store domain.PersistentStore) {
	insert(t, store, newRow("t1", "shared", base))
	if _, ok := get(t, store, "t2", "shared"); ok {
		t.Fatalf("row leaked across tenants")
	}
	var swapped, deleted bool
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		r := newRow("t2", "shared", base)
		r.Version = 2
		var err error
		if swapped, err = tx.CompareAndSwapRow(Table, r, 1); err != nil {
			return err
		}
		deleted, err = tx.SoftDeleteRow(Table, "t2", "shared", base)
		return err
	})
	if err != nil {
		t.Fatalf("cross-tenant writes: %v", err)
	}
	if swapped || deleted {
		t.Fatalf("cross-tenant writes must not match (swapped=%v deleted=%v)", swapped, deleted)
	}
	var rows []domain.Row
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		rows, err = v.ListRows(Table, "t2", domain.Page{})
		return err
	})
	if len(rows) != 0 {
		t.Fatalf("expected empty list for other tenant, got %d", len(rows))
	}
}

func testListPaging(t *testing.T, store domain.PersistentStore) {
	var rows []domain.Row
	for i := 0; i < 5; i++ {
		rows = append(rows, newRow("t1", fmt.Sprintf("r%d", i), base.Add(time.Duration(i)*time.Minute)))
	}
	rows = append(rows, newRow("t2", "other", base.Add(time.Hour)))
	insert(t, store, rows...)

	var page1, page2 []domain.Row
	err := store.View(context.Background(), func(v domain.TransactionView) error {
		var err error
		if page1, err = v.ListRows(Table, "t1", domain.Page{Limit: 2}); err != nil {
			return err
		}
		page2, err = v.ListRows(Table, "t1", domain.Page{Limit: 2, Offset: 2})
		return err
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page1) != 2 || page1[0].ID != "r4" || page1[1].ID != "r3" {
		t.Fatalf("unexpected first page: %v", ids(page1))
	}
	if len(page2) != 2 || page2[0].ID != "r2" || page2[1].ID != "r1" {
		t.Fatalf("unexpected second page: %v", ids(page2))
	}
}

func ids(rows []domain.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

func testCompareAndSwap(t *testing.T, store domain.PersistentStore) {
	insert(t, store, newRow("t1", "a", base))
	next := newRow("t1", "a", base)
	next.Version = 2
	next.Values["status"] = "active"
	next.Values["count"] = nil
	next.UpdatedAt = base.Add(time.Second)

	var stale, fresh bool
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		if stale, err = tx.CompareAndSwapRow(Table, next, 5); err != nil {
			return err
		}
		fresh, err = tx.CompareAndSwapRow(Table, next, 1)
		return err
	})
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if stale {
		t.Fatalf("stale expected version must not match")
	}
	if !fresh {
		t.Fatalf("current expected version must match")
	}
	row, _ := get(t, store, "t1", "a")
	if row.Version != 2 || row.Values["status"] != "active" || row.Values["count"] != nil {
		t.Fatalf("unexpected row after cas: %+v", row)
	}
	if !row.CreatedAt.Equal(base) || !row.UpdatedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected timestamps after cas: %v %v", row.CreatedAt, row.UpdatedAt)
	}
}

func testConcurrentCAS(t *testing.T, store domain.PersistentStore) {
	insert(t, store, newRow("t1", "a", base))
	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := newRow("t1", "a", base)
			next.Version = 2
			next.Values["count"] = int64(i)
			_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
				ok, err := tx.CompareAndSwapRow(Table, next, 1)
				if err != nil {
					return err
				}
				if !ok {
					return domain.ErrStale
				}
				return nil
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrStale) {
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	row, _ := get(t, store, "t1", "a")
	if row.Version != 2 {
		t.Fatalf("expected final version 2, got %d", row.Version)
	}
}

func testSoftDelete(t *testing.T, store domain.PersistentStore) {
	insert(t, store, newRow("t1", "a", base))
	del := func() bool {
		var ok bool
		_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
			var err error
			ok, err = tx.SoftDeleteRow(Table, "t1", "a", base.Add(time.Minute))
			return err
		})
		if err != nil {
			t.Fatalf("soft delete: %v", err)
		}
		return ok
	}
	if !del() {
		t.Fatalf("first delete should report true")
	}
	if del() {
		t.Fatalf("second delete should report false")
	}
	if _, ok := get(t, store, "t1", "a"); ok {
		t.Fatalf("deleted row must be hidden")
	}
	next := newRow("t1", "a", base)
	next.Version = 2
	var swapped bool
	_, _ = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		swapped, err = tx.CompareAndSwapRow(Table, next, 1)
		return err
	})
	if swapped {
		t.Fatalf("deleted row must not accept updates")
	}
}

func testRollback(t *testing.T, store domain.PersistentStore) {
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if err := tx.InsertRow(Table, newRow("t1", "a", base)); err != nil {
			return err
		}
		if err := tx.AppendAudit(domain.AuditLogEntry{ID: "e1", TenantID: "t1", Action: domain.ActionCreate, EntityKind: Table.Kind, EntityID: "a", Version: 1, OccurredAt: base}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok := get(t, store, "t1", "a"); ok {
		t.Fatalf("rolled back insert is visible")
	}
	var entries []domain.AuditLogEntry
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		entries, err = v.ListAudit("t1", domain.AuditFilter{})
		return err
	})
	if len(entries) != 0 {
		t.Fatalf("rolled back audit entry is visible")
	}
}

func testAudit(t *testing.T, store domain.PersistentStore) {
	actor := "user-1"
	entries := []domain.AuditLogEntry{
		{ID: "e1", TenantID: "t1", Actor: &actor, Action: domain.ActionCreate, EntityKind: "widget", EntityID: "a", ChangedFields: []string{"count", domain.RedactedMarker}, CorrelationID: "c1", Version: 1, OccurredAt: base},
		{ID: "e2", TenantID: "t1", Action: domain.ActionUpdate, EntityKind: "widget", EntityID: "b", ChangedFields: []string{"status"}, Version: 2, OccurredAt: base.Add(time.Second)},
		{ID: "e3", TenantID: "t2", Action: domain.ActionCreate, EntityKind: "widget", EntityID: "a", ChangedFields: []string{}, Version: 1, OccurredAt: base},
	}
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		for _, e := range entries {
			if err := tx.AppendAudit(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append audit: %v", err)
	}
	var all, forA []domain.AuditLogEntry
	err = store.View(context.Background(), func(v domain.TransactionView) error {
		var err error
		if all, err = v.ListAudit("t1", domain.AuditFilter{}); err != nil {
			return err
		}
		forA, err = v.ListAudit("t1", domain.AuditFilter{EntityKind: "widget", EntityID: "a"})
		return err
	})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(all) != 2 || all[0].ID != "e1" || all[1].ID != "e2" {
		t.Fatalf("unexpected tenant audit: %+v", all)
	}
	if len(forA) != 1 || forA[0].Actor == nil || *forA[0].Actor != actor {
		t.Fatalf("unexpected filtered audit: %+v", forA)
	}
	if got := forA[0].ChangedFields; len(got) != 2 || got[1] != domain.RedactedMarker {
		t.Fatalf("changed fields not preserved: %v", got)
	}
	if all[1].Actor != nil {
		t.Fatalf("nil actor should stay nil")
	}
}

func testReceipts(t *testing.T, store domain.PersistentStore) {
	put := func(r domain.IdempotencyReceipt, replaceBefore time.Time) bool {
		var ok bool
		_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
			var err error
			ok, err = tx.PutReceipt(r, replaceBefore)
			return err
		})
		if err != nil {
			t.Fatalf("put receipt: %v", err)
		}
		return ok
	}
	first := domain.IdempotencyReceipt{TenantID: "t1", Key: "k", Route: "create:widget", RequestHash: "h1", Response: []byte(`{"id":"a"}`), CreatedAt: base}
	if !put(first, time.Time{}) {
		t.Fatalf("first receipt should insert")
	}
	second := first
	second.RequestHash = "h2"
	if put(second, time.Time{}) {
		t.Fatalf("duplicate receipt must not insert")
	}
	other := first
	other.TenantID = "t2"
	if !put(other, time.Time{}) {
		t.Fatalf("same key under another tenant should insert")
	}

	var got domain.IdempotencyReceipt
	var ok bool
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		var err error
		got, ok, err = v.FindReceipt("t1", "k", "create:widget")
		return err
	})
	if !ok || got.RequestHash != "h1" || string(got.Response) != `{"id":"a"}` {
		t.Fatalf("unexpected receipt: %+v ok=%v", got, ok)
	}

	replacement := first
	replacement.RequestHash = "h3"
	replacement.CreatedAt = base.Add(48 * time.Hour)
	if !put(replacement, base.Add(time.Hour)) {
		t.Fatalf("expired receipt should be replaced")
	}

	removed, err := store.PurgeReceipts(context.Background(), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one purged receipt, got %d", removed)
	}
}
