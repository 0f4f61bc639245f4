package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

// MaxIdempotencyKeyLength bounds client-supplied keys.
const MaxIdempotencyKeyLength = 255

// Guard deduplicates mutations by (tenant, key, route). A receipt older than
// the TTL is treated as absent.
type Guard struct {
	store PersistentStore
	clock Clock
	ttl   time.Duration
}

// NewGuard constructs a guard. ttl <= 0 keeps receipts forever.
func NewGuard(store PersistentStore, clock Clock, ttl time.Duration) *Guard {
	if clock == nil {
		clock = systemClock{}
	}
	return &Guard{store: store, clock: clock, ttl: ttl}
}

// NormalizeKey trims the key and validates its length. An empty result means
// no idempotency was requested.
func NormalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if len(key) > MaxIdempotencyKeyLength {
		return "", domain.InvalidInput("idempotency key exceeds %d characters", MaxIdempotencyKeyLength)
	}
	return key, nil
}

// Hash returns the hex SHA-256 of the RFC 8785 canonical form of request, so
// key order and whitespace do not affect the result.
func Hash(request any) (string, error) {
	raw, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize request: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func (g *Guard) expiredBefore() time.Time {
	if g.ttl <= 0 {
		return time.Time{}
	}
	return g.clock.Now().UTC().Add(-g.ttl)
}

// Check looks up a prior response. It returns the stored response bytes on a
// hash match, (nil, false, nil) when no live receipt exists, and
// domain.ErrIdempotencyConflict when the key was used for a different request.
func (g *Guard) Check(ctx context.Context, tenantID, key, route, hash string) ([]byte, bool, error) {
	var (
		receipt domain.IdempotencyReceipt
		found   bool
	)
	err := g.store.View(ctx, func(v TransactionView) error {
		var err error
		receipt, found, err = v.FindReceipt(tenantID, key, route)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("find receipt: %w", err)
	}
	return g.evaluate(receipt, found, hash)
}

func (g *Guard) evaluate(receipt domain.IdempotencyReceipt, found bool, hash string) ([]byte, bool, error) {
	if !found || receipt.CreatedAt.Before(g.expiredBefore()) {
		return nil, false, nil
	}
	if receipt.RequestHash != hash {
		return nil, false, domain.ErrIdempotencyConflict
	}
	return receipt.Response, true, nil
}

// Save reserves the receipt inside tx. It reports false when a concurrent
// request with the same key committed first.
func (g *Guard) Save(tx Transaction, tenantID, key, route, hash string, response []byte) (bool, error) {
	return tx.PutReceipt(domain.IdempotencyReceipt{
		TenantID:    tenantID,
		Key:         key,
		Route:       route,
		RequestHash: hash,
		Response:    response,
		CreatedAt:   g.clock.Now().UTC(),
	}, g.expiredBefore())
}

// PurgeExpired deletes receipts older than the TTL. It is a no-op when
// receipts never expire.
func (g *Guard) PurgeExpired(ctx context.Context) (int64, error) {
	if g.ttl <= 0 {
		return 0, nil
	}
	return g.store.PurgeReceipts(ctx, g.expiredBefore())
}

// RouteKey scopes an idempotency key to one logical operation.
func RouteKey(op string, kind EntityKind, id string) string {
	if id == "" {
		return op + ":" + string(kind)
	}
	return op + ":" + string(kind) + ":" + id
}
