package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/infra/persistence/storetest"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

func TestSQLiteStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.PersistentStore {
		store, err := NewStore(filepath.Join(t.TempDir(), "contract.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		return store
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "reopen.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := store.EnsureTables(ctx, storetest.Table); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.InsertRow(storetest.Table, domain.Row{
			TenantID: "t1", ID: "a", Version: 1,
			Values:    map[string]any{"status": "draft"},
			CreatedAt: created, UpdatedAt: created,
		})
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	if reopened.Path() != path {
		t.Fatalf("unexpected path %s", reopened.Path())
	}
	if err := reopened.EnsureTables(ctx, storetest.Table); err != nil {
		t.Fatalf("ensure after reopen: %v", err)
	}
	err = reopened.View(ctx, func(v domain.TransactionView) error {
		row, ok, err := v.GetRow(storetest.Table, "t1", "a")
		if err != nil {
			return err
		}
		if !ok || row.Values["status"] != "draft" || row.Values["count"] != nil {
			t.Fatalf("unexpected row after reopen: %+v ok=%v", row, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestEnsureTablesRejectsUnsafeIdentifiers(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "ids.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = store.Close() }()
	bad := domain.TableSpec{Kind: "x", Name: "x; DROP TABLE audit_log"}
	if err := store.EnsureTables(context.Background(), bad); err == nil {
		t.Fatalf("expected invalid identifier error")
	}
}
