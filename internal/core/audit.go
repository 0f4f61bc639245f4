package core

import (
	"sort"

	"github.com/google/uuid"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

// DefaultSensitiveFields are redacted from every audit entry regardless of kind.
var DefaultSensitiveFields = []string{"narrative_text", "patient_name"}

// AuditEvent is the input to AuditWriter.Log.
type AuditEvent struct {
	TenantID      string
	Actor         string
	Action        domain.Action
	Kind          EntityKind
	EntityID      string
	ChangedFields []string
	CorrelationID string
	Version       int64
}

// AuditWriter appends redacted audit entries inside the data transaction.
type AuditWriter struct {
	clock     Clock
	newID     func() string
	sensitive map[string]struct{}
}

// NewAuditWriter builds a writer redacting the default sensitive names plus extra.
func NewAuditWriter(clock Clock, extra ...string) *AuditWriter {
	if clock == nil {
		clock = systemClock{}
	}
	w := &AuditWriter{clock: clock, newID: uuid.NewString, sensitive: make(map[string]struct{})}
	for _, name := range DefaultSensitiveFields {
		w.sensitive[name] = struct{}{}
	}
	for _, name := range extra {
		w.sensitive[name] = struct{}{}
	}
	return w
}

// Sensitive reports whether name is redacted by the writer.
func (w *AuditWriter) Sensitive(name string) bool {
	_, ok := w.sensitive[name]
	return ok
}

// Redact sorts names and replaces sensitive ones with domain.RedactedMarker.
// kindSensitive adds per-kind names on top of the writer's set.
func (w *AuditWriter) Redact(names []string, kindSensitive ...string) []string {
	extra := make(map[string]struct{}, len(kindSensitive))
	for _, n := range kindSensitive {
		extra[n] = struct{}{}
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	out := make([]string, len(sorted))
	for i, n := range sorted {
		_, kindHit := extra[n]
		if kindHit || w.Sensitive(n) {
			out[i] = domain.RedactedMarker
			continue
		}
		out[i] = n
	}
	return out
}

// Log appends one entry describing the mutation and returns it.
func (w *AuditWriter) Log(tx Transaction, ev AuditEvent, kindSensitive ...string) (domain.AuditLogEntry, error) {
	entry := domain.AuditLogEntry{
		ID:            w.newID(),
		TenantID:      ev.TenantID,
		Action:        ev.Action,
		EntityKind:    ev.Kind,
		EntityID:      ev.EntityID,
		ChangedFields: w.Redact(ev.ChangedFields, kindSensitive...),
		CorrelationID: ev.CorrelationID,
		Version:       ev.Version,
		OccurredAt:    w.clock.Now().UTC(),
	}
	if ev.Actor != "" {
		actor := ev.Actor
		entry.Actor = &actor
	}
	if err := tx.AppendAudit(entry); err != nil {
		return domain.AuditLogEntry{}, err
	}
	return entry, nil
}
