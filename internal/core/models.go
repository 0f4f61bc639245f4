package core

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

const statusColumn = "status"

// reserved keys are bookkeeping columns clients may never write.
var reserved = map[string]struct{}{
	"id": {}, "tenant_id": {}, "version": {}, "created_at": {}, "updated_at": {}, "deleted_at": {},
}

// entityModel is the kind-agnostic view of a Model used by the service.
type entityModel interface {
	kind() EntityKind
	table() domain.TableSpec
	transitions() *domain.TransitionTable
	sensitiveFields() []string
	prepare(fields map[string]any) (map[string]any, []string, error)
	merge(current, patch map[string]any) (map[string]any, []string, error)
	autoAdvance(values map[string]any, changed []string) (Status, bool)
	render(row Row) map[string]any
}

// Model is the storage adapter for one entity kind. T is the typed view the
// rendered entity decodes into.
type Model[T any] struct {
	Kind        EntityKind
	Table       domain.TableSpec
	Transitions *domain.TransitionTable
	// Sensitive lists column names redacted in audit entries and events.
	Sensitive []string
	// AutoAdvance may move the status along a legal edge after a field update.
	AutoAdvance func(current Status, values map[string]any, changed []string) (Status, bool)

	loose bool
}

// NewTypedModel builds a model for a kind with native columns and a status
// graph. The status column is added automatically.
func NewTypedModel[T any](table string, transitions *domain.TransitionTable, columns []domain.Column, sensitive ...string) *Model[T] {
	cols := append([]domain.Column{{Name: statusColumn, Type: domain.ColumnText}}, columns...)
	return &Model[T]{
		Kind:        transitions.Kind(),
		Table:       domain.TableSpec{Kind: transitions.Kind(), Name: table, Columns: cols},
		Transitions: transitions,
		Sensitive:   sensitive,
	}
}

// NewRecordModel builds a loosely-typed model storing a single JSON payload.
func NewRecordModel(kind EntityKind) *Model[domain.Record] {
	return &Model[domain.Record]{
		Kind: kind,
		Table: domain.TableSpec{
			Kind:    kind,
			Name:    string(kind) + "_records",
			Columns: []domain.Column{{Name: "payload", Type: domain.ColumnJSON}},
		},
		loose: true,
	}
}

func (m *Model[T]) kind() EntityKind                     { return m.Kind }
func (m *Model[T]) table() domain.TableSpec              { return m.Table }
func (m *Model[T]) transitions() *domain.TransitionTable { return m.Transitions }
func (m *Model[T]) sensitiveFields() []string            { return m.Sensitive }

func (m *Model[T]) prepare(fields map[string]any) (map[string]any, []string, error) {
	if m.loose {
		payload := domain.CloneValues(fields)
		if payload == nil {
			payload = map[string]any{}
		}
		return map[string]any{"payload": payload}, sortedKeys(payload), nil
	}
	values := make(map[string]any, len(m.Table.Columns))
	for _, c := range m.Table.Columns {
		values[c.Name] = nil
	}
	values[statusColumn] = string(m.Transitions.Initial())
	changed := make([]string, 0, len(fields))
	for name, raw := range fields {
		if name == statusColumn {
			if s, ok := raw.(string); ok && Status(s) == m.Transitions.Initial() {
				continue
			}
			return nil, nil, domain.InvalidInput("%s is created in status %s", m.Kind, m.Transitions.Initial())
		}
		col, err := m.writableColumn(name)
		if err != nil {
			return nil, nil, err
		}
		v, err := coerce(col, raw)
		if err != nil {
			return nil, nil, err
		}
		values[name] = v
		changed = append(changed, name)
	}
	sort.Strings(changed)
	return values, changed, nil
}

func (m *Model[T]) merge(current, patch map[string]any) (map[string]any, []string, error) {
	next := domain.CloneValues(current)
	if next == nil {
		next = map[string]any{}
	}
	var changed []string
	if m.loose {
		payload, _ := next["payload"].(map[string]any)
		if payload == nil {
			payload = map[string]any{}
		}
		for k, v := range patch {
			prev, existed := payload[k]
			if !existed || !sameValue(prev, v) {
				changed = append(changed, k)
			}
			payload[k] = v
		}
		next["payload"] = payload
		sort.Strings(changed)
		return next, changed, nil
	}
	for name, raw := range patch {
		if name == statusColumn {
			return nil, nil, domain.InvalidInput("status changes require a transition")
		}
		col, err := m.writableColumn(name)
		if err != nil {
			return nil, nil, err
		}
		v, err := coerce(col, raw)
		if err != nil {
			return nil, nil, err
		}
		if !sameValue(next[name], v) {
			changed = append(changed, name)
		}
		next[name] = v
	}
	sort.Strings(changed)
	return next, changed, nil
}

func (m *Model[T]) autoAdvance(values map[string]any, changed []string) (Status, bool) {
	if m.AutoAdvance == nil || m.Transitions == nil {
		return "", false
	}
	current, _ := values[statusColumn].(string)
	target, ok := m.AutoAdvance(Status(current), values, changed)
	if !ok || m.Transitions.Check(Status(current), target) != nil {
		return "", false
	}
	return target, true
}

func (m *Model[T]) render(row Row) map[string]any {
	out := map[string]any{
		"tenant_id":  row.TenantID,
		"id":         row.ID,
		"kind":       string(m.Kind),
		"version":    row.Version,
		"created_at": row.CreatedAt,
		"updated_at": row.UpdatedAt,
	}
	if row.DeletedAt != nil {
		out["deleted_at"] = *row.DeletedAt
	}
	if m.loose {
		payload, _ := row.Values["payload"].(map[string]any)
		if payload == nil {
			payload = map[string]any{}
		}
		out["payload"] = domain.CloneValues(payload)
		return out
	}
	for _, c := range m.Table.Columns {
		out[c.Name] = row.Values[c.Name]
	}
	return out
}

// Decode converts a rendered entity into the model's typed view.
func (m *Model[T]) Decode(entity map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(entity)
	if err != nil {
		return out, fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", m.Kind, err)
	}
	return out, nil
}

func (m *Model[T]) writableColumn(name string) (domain.Column, error) {
	if _, ok := reserved[name]; ok {
		return domain.Column{}, domain.InvalidInput("%s is read-only", name)
	}
	col, ok := m.Table.Column(name)
	if !ok {
		return domain.Column{}, domain.InvalidInput("unknown field %s for %s", name, m.Kind)
	}
	return col, nil
}

func coerce(col domain.Column, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch col.Type {
	case domain.ColumnText:
		s, ok := raw.(string)
		if !ok {
			return nil, domain.InvalidInput("%s must be a string", col.Name)
		}
		return s, nil
	case domain.ColumnInt:
		return coerceInt(col.Name, raw)
	case domain.ColumnTime:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, domain.InvalidInput("%s must be an RFC 3339 timestamp", col.Name)
			}
			return t.UTC(), nil
		default:
			return nil, domain.InvalidInput("%s must be an RFC 3339 timestamp", col.Name)
		}
	case domain.ColumnJSON:
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported column type %s", col.Type)
	}
}

func coerceInt(name string, raw any) (any, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || v > math.MaxInt64 || v < math.MinInt64 {
			return nil, domain.InvalidInput("%s must be an integer", name)
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, domain.InvalidInput("%s must be an integer", name)
		}
		return n, nil
	default:
		return nil, domain.InvalidInput("%s must be an integer", name)
	}
}

func sameValue(a, b any) bool {
	ta, okA := a.(time.Time)
	tb, okB := b.(time.Time)
	if okA && okB {
		return ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Typed models shipped with the core.
var (
	IncidentModel = func() *Model[domain.Incident] {
		m := NewTypedModel[domain.Incident]("incidents", domain.IncidentTransitions(), []domain.Column{
			{Name: "incident_number", Type: domain.ColumnText},
			{Name: "unit_id", Type: domain.ColumnText},
			{Name: "dispatch_time", Type: domain.ColumnTime},
			{Name: "narrative_text", Type: domain.ColumnText},
			{Name: "patient_name", Type: domain.ColumnText},
		}, "narrative_text", "patient_name")
		m.AutoAdvance = advanceOnDispatch
		return m
	}()

	ClaimModel = NewTypedModel[domain.Claim]("claims", domain.ClaimTransitions(), []domain.Column{
		{Name: "incident_id", Type: domain.ColumnText},
		{Name: "payer_id", Type: domain.ColumnText},
		{Name: "amount_cents", Type: domain.ColumnInt},
		{Name: "denial_reason", Type: domain.ColumnText},
	})

	FireIncidentModel = NewTypedModel[domain.FireIncident]("fire_incidents", domain.FireIncidentTransitions(), []domain.Column{
		{Name: "incident_number", Type: domain.ColumnText},
		{Name: "address", Type: domain.ColumnText},
		{Name: "alarm_time", Type: domain.ColumnTime},
		{Name: "narrative_text", Type: domain.ColumnText},
	}, "narrative_text")

	FlightRequestModel = NewTypedModel[domain.FlightRequest]("flight_requests", domain.FlightRequestTransitions(), []domain.Column{
		{Name: "origin", Type: domain.ColumnText},
		{Name: "destination", Type: domain.ColumnText},
		{Name: "aircraft_id", Type: domain.ColumnText},
		{Name: "priority", Type: domain.ColumnInt},
		{Name: "requested_by", Type: domain.ColumnText},
	})

	VehicleModel = NewTypedModel[domain.Vehicle]("vehicles", domain.VehicleTransitions(), []domain.Column{
		{Name: "call_sign", Type: domain.ColumnText},
		{Name: "vin", Type: domain.ColumnText},
		{Name: "mileage", Type: domain.ColumnInt},
	})

	MedicationInventoryModel = NewTypedModel[domain.MedicationInventory]("medication_inventory", domain.MedicationInventoryTransitions(), []domain.Column{
		{Name: "medication_name", Type: domain.ColumnText},
		{Name: "lot_number", Type: domain.ColumnText},
		{Name: "quantity", Type: domain.ColumnInt},
		{Name: "expires_at", Type: domain.ColumnTime},
		{Name: "witness_id", Type: domain.ColumnText},
	})
)

// advanceOnDispatch moves a draft incident to in_progress once a dispatch
// time is recorded.
func advanceOnDispatch(current Status, values map[string]any, changed []string) (Status, bool) {
	if current != domain.StatusDraft {
		return "", false
	}
	if _, ok := values["dispatch_time"].(time.Time); !ok {
		return "", false
	}
	for _, c := range changed {
		if c == "dispatch_time" {
			return domain.StatusInProgress, true
		}
	}
	return "", false
}

// DefaultRecordKinds are the loosely-typed kinds registered when none are configured.
var DefaultRecordKinds = []EntityKind{"patient", "schedule", "compliance_record", "inventory_item"}

func typedModels() []entityModel {
	return []entityModel{IncidentModel, ClaimModel, FireIncidentModel, FlightRequestModel, VehicleModel, MedicationInventoryModel}
}
