// Package domain defines the persistent record shapes, transition tables and
// error taxonomy shared by the opscore persistence core.
package domain

import "time"

// EntityKind identifies the type of record stored by the core. Every kind maps
// to exactly one table.
type EntityKind string

// Typed entity kinds with first-class status columns.
const (
	// KindIncident identifies an EMS incident report.
	KindIncident EntityKind = "incident"
	// KindClaim identifies a billing claim.
	KindClaim EntityKind = "claim"
	// KindFireIncident identifies a fire incident report.
	KindFireIncident EntityKind = "fire_incident"
	// KindFlightRequest identifies an air medical flight request.
	KindFlightRequest EntityKind = "flight_request"
	// KindVehicle identifies a fleet vehicle.
	KindVehicle EntityKind = "vehicle"
	// KindMedicationInventory identifies a controlled medication lot.
	KindMedicationInventory EntityKind = "medication_inventory"
)

// Status is a lifecycle state drawn from the finite enum of one entity kind.
type Status string

// Incident and fire incident report states.
const (
	StatusDraft          Status = "draft"
	StatusInProgress     Status = "in_progress"
	StatusReadyForReview Status = "ready_for_review"
	StatusCompleted      Status = "completed"
	StatusLocked         Status = "locked"
)

// Claim states.
const (
	StatusPendingReview Status = "pending_review"
	StatusReadyToExport Status = "ready_to_export"
	StatusExported      Status = "exported"
	StatusSubmitted     Status = "submitted"
	StatusPaid          Status = "paid"
	StatusDenied        Status = "denied"
	StatusAppealNeeded  Status = "appeal_needed"
	StatusClosed        Status = "closed"
)

// Flight request states.
const (
	StatusRequested Status = "requested"
	StatusAccepted  Status = "accepted"
	StatusEnroute   Status = "enroute"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
)

// Vehicle states.
const (
	StatusInService    Status = "in_service"
	StatusMaintenance  Status = "maintenance"
	StatusOutOfService Status = "out_of_service"
	StatusRetired      Status = "retired"
)

// Medication inventory states.
const (
	StatusActive      Status = "active"
	StatusQuarantined Status = "quarantined"
	StatusExpired     Status = "expired"
	StatusDepleted    Status = "depleted"
	StatusWasted      Status = "wasted"
)

// Header carries the bookkeeping columns present on every stored row.
type Header struct {
	TenantID  string     `json:"tenant_id"`
	ID        string     `json:"id"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Record is a loosely-typed document whose payload is an arbitrary JSON object.
type Record struct {
	Header
	Kind    EntityKind     `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// Incident is an EMS incident report.
type Incident struct {
	Header
	Status         Status     `json:"status"`
	IncidentNumber string     `json:"incident_number"`
	UnitID         string     `json:"unit_id"`
	DispatchTime   *time.Time `json:"dispatch_time,omitempty"`
	NarrativeText  string     `json:"narrative_text"`
	PatientName    string     `json:"patient_name"`
}

// Claim is a billing claim raised against an incident.
type Claim struct {
	Header
	Status       Status `json:"status"`
	IncidentID   string `json:"incident_id"`
	PayerID      string `json:"payer_id"`
	AmountCents  int64  `json:"amount_cents"`
	DenialReason string `json:"denial_reason"`
}

// FireIncident is a fire service incident report.
type FireIncident struct {
	Header
	Status         Status     `json:"status"`
	IncidentNumber string     `json:"incident_number"`
	Address        string     `json:"address"`
	AlarmTime      *time.Time `json:"alarm_time,omitempty"`
	NarrativeText  string     `json:"narrative_text"`
}

// FlightRequest is an air medical transport request.
type FlightRequest struct {
	Header
	Status      Status `json:"status"`
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	AircraftID  string `json:"aircraft_id"`
	Priority    int64  `json:"priority"`
	RequestedBy string `json:"requested_by"`
}

// Vehicle is a fleet unit.
type Vehicle struct {
	Header
	Status   Status `json:"status"`
	CallSign string `json:"call_sign"`
	VIN      string `json:"vin"`
	Mileage  int64  `json:"mileage"`
}

// MedicationInventory is a tracked lot of a controlled medication.
type MedicationInventory struct {
	Header
	Status         Status     `json:"status"`
	MedicationName string     `json:"medication_name"`
	LotNumber      string     `json:"lot_number"`
	Quantity       int64      `json:"quantity"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	WitnessID      string     `json:"witness_id"`
}

// Action indicates the type of modification performed.
type Action string

// Mutation actions captured in the audit trail and change sets.
const (
	ActionCreate     Action = "create"
	ActionUpdate     Action = "update"
	ActionTransition Action = "transition"
	ActionDelete     Action = "delete"
)

// Change describes a single row mutation applied inside a transaction.
type Change struct {
	Kind    EntityKind
	Action  Action
	ID      string
	Version int64
}

// Result summarises a committed transaction.
type Result struct {
	Changes []Change
}

// Merge appends the changes of other into r.
func (r *Result) Merge(other Result) {
	r.Changes = append(r.Changes, other.Changes...)
}
