package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors forming the mutation error taxonomy. Structured errors below
// match their sentinel via errors.Is.
var (
	ErrTenantScopeMissing  = errors.New("tenant scope missing")
	ErrTenantScopeMismatch = errors.New("tenant scope mismatch")
	ErrNotFound            = errors.New("not found")
	ErrVersionConflict     = errors.New("version conflict")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	ErrPolicyViolation     = errors.New("policy violation")
	ErrInvalidInput        = errors.New("invalid input")
	// ErrStale is reported by a conditional write that matched no row. Callers
	// outside the record store never see it.
	ErrStale = errors.New("stale write")
)

// NotFound builds a tenant-scoped miss. It carries no hint about rows owned by
// other tenants.
func NotFound(kind EntityKind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// InvalidInput wraps ErrInvalidInput with a field-level reason.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// VersionConflictError reports that the caller's expected version is stale.
type VersionConflictError struct {
	Kind            EntityKind
	ID              string
	ExpectedVersion int64
	CurrentVersion  int64
	UpdatedAt       time.Time
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected version %d, current version %d", e.Kind, e.ID, e.ExpectedVersion, e.CurrentVersion)
}

// Is reports whether target is ErrVersionConflict.
func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// InvalidTransitionError reports a status change outside the transition graph.
type InvalidTransitionError struct {
	Kind    EntityKind
	From    Status
	To      Status
	Allowed []Status
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("%s cannot transition from %s to %s (allowed: [%s])", e.Kind, e.From, e.To, strings.Join(allowed, ", "))
}

// Is reports whether target is ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// PolicyViolationError reports a domain guard rejecting a transition.
type PolicyViolationError struct {
	Policy  string
	Message string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy %s violated: %s", e.Policy, e.Message)
}

// Is reports whether target is ErrPolicyViolation.
func (e *PolicyViolationError) Is(target error) bool { return target == ErrPolicyViolation }
