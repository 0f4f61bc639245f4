package domain

import (
	"fmt"
	"regexp"
	"time"
)

var kindPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidKind reports whether kind is a lower-case identifier. Topics and table
// names rely on kinds never containing a separator.
func ValidKind(kind EntityKind) bool { return kindPattern.MatchString(string(kind)) }

// EventType names the kind of change an event announces.
type EventType string

// EventTypeFor returns "<kind>.<verb>" for the given action.
func EventTypeFor(kind EntityKind, action Action) EventType {
	verb := "updated"
	switch action {
	case ActionCreate:
		verb = "created"
	case ActionTransition:
		verb = "transitioned"
	case ActionDelete:
		verb = "deleted"
	}
	return EventType(fmt.Sprintf("%s.%s", kind, verb))
}

// Topic returns the per-tenant, per-kind channel name. The kind is the last
// dot-separated segment, so a valid kind keeps topics of different tenants
// apart even when tenant IDs contain dots.
func Topic(tenantID string, kind EntityKind) string {
	return fmt.Sprintf("tenant.%s.%s", tenantID, kind)
}

// EventEnvelope is an ephemeral change notification.
type EventEnvelope struct {
	ID            string         `json:"event_id"`
	Topic         string         `json:"topic"`
	TenantID      string         `json:"tenant_id"`
	EntityKind    EntityKind     `json:"entity_kind"`
	EntityID      string         `json:"entity_id"`
	Type          EventType      `json:"event_type"`
	Version       int64          `json:"version"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// SubscribeRequest asks for the change stream of one tenant and kind. Tenant
// is the tenant the caller asserts; AuthorizedTenant is the tenant proven by
// its credentials.
type SubscribeRequest struct {
	AuthorizedTenant string
	Tenant           string
	Kind             EntityKind
}

// Validate rejects requests whose asserted tenant differs from the authorized
// one or whose kind is not an identifier.
func (r SubscribeRequest) Validate() error {
	if r.AuthorizedTenant == "" {
		return ErrTenantScopeMissing
	}
	if r.Tenant != r.AuthorizedTenant {
		return fmt.Errorf("%w: subscription for tenant %q", ErrTenantScopeMismatch, r.Tenant)
	}
	if r.Kind == "" {
		return InvalidInput("subscription kind required")
	}
	if !ValidKind(r.Kind) {
		return InvalidInput("subscription kind %q is not a valid kind", r.Kind)
	}
	return nil
}

// Topic returns the channel the request subscribes to.
func (r SubscribeRequest) Topic() string { return Topic(r.Tenant, r.Kind) }
