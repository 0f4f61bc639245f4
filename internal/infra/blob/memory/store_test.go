package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/blob/core"
)

func TestStoreRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	meta := map[string]string{"tenant": "t1"}
	if _, err := s.Put(ctx, "audit/t1/a", strings.NewReader("abc"), core.PutOptions{Metadata: meta}); err != nil {
		t.Fatalf("put: %v", err)
	}
	meta["tenant"] = "mutated"
	if _, err := s.Put(ctx, "audit/t1/a", strings.NewReader("abc"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	info, rc, err := s.Get(ctx, "audit/t1/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "abc" || info.Metadata["tenant"] != "t1" || info.Size != 3 {
		t.Fatalf("unexpected blob %q %+v", data, info)
	}

	if _, err := s.Put(ctx, "audit/t2/b", strings.NewReader("x"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	list, _ := s.List(ctx, "audit/t1")
	if len(list) != 1 {
		t.Fatalf("expected one blob, got %d", len(list))
	}
	if ok, _ := s.Delete(ctx, "audit/t1/a"); !ok {
		t.Fatalf("expected delete to report existing blob")
	}
	if _, _, err := s.Get(ctx, "audit/t1/a"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver %s", s.Driver())
	}
}
