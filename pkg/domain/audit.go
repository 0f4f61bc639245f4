package domain

import "time"

// RedactedMarker replaces sensitive field names in audit entries.
const RedactedMarker = "[REDACTED]"

// AuditLogEntry is one append-only audit record. Entries are never updated or
// deleted.
type AuditLogEntry struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Actor         *string    `json:"actor"`
	Action        Action     `json:"action"`
	EntityKind    EntityKind `json:"entity_kind"`
	EntityID      string     `json:"entity_id"`
	ChangedFields []string   `json:"changed_fields"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Version       int64      `json:"version"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// AuditFilter narrows an audit listing. Zero values match everything.
type AuditFilter struct {
	EntityKind EntityKind
	EntityID   string
	Since      time.Time
	Page       Page
}

// IdempotencyReceipt stores the response produced for one idempotent request.
type IdempotencyReceipt struct {
	TenantID    string
	Key         string
	Route       string
	RequestHash string
	Response    []byte
	CreatedAt   time.Time
}
