package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/blob/core"
)

func TestPutIsWriteOnce(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	key := "audit/t1/2024-03-01/x.jsonl"

	info, err := store.Put(ctx, key, strings.NewReader("line\n"), core.PutOptions{ContentType: "application/x-ndjson", Metadata: map[string]string{"entries": "1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 5 || len(info.Checksum) != 64 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, key, strings.NewReader("again\n"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "line\n" || got.Metadata["entries"] != "1" || got.Checksum != info.Checksum {
		t.Fatalf("unexpected blob %q %+v", data, got)
	}

	entries, err := os.ReadDir(filepath.Join(store.Root(), "audit", "t1", "2024-03-01"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestListFiltersByPrefix(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"audit/t2/b.jsonl", "audit/t1/a.jsonl", "audit/t1/c.jsonl"} {
		if _, err := store.Put(ctx, key, bytes.NewReader([]byte(key)), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	list, err := store.List(ctx, "audit/t1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "audit/t1/a.jsonl" || list[1].Key != "audit/t1/c.jsonl" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestDeleteAndMissing(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Put(ctx, "k.jsonl", strings.NewReader("x"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ok, err := store.Delete(ctx, "k.jsonl"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "k.jsonl"); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
	if _, _, err := store.Get(ctx, "k.jsonl"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectsUnsafeKeys(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, key := range []string{"", "/etc/passwd", "../escape", "a/../../b", "x.meta"} {
		if _, err := store.Put(context.Background(), key, strings.NewReader("x"), core.PutOptions{}); err == nil {
			t.Fatalf("expected %q to be rejected", key)
		}
	}
}
