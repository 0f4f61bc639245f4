package domain

import "sort"

// TransitionTable is the closed status graph of one entity kind. Targets not
// listed for the current status are rejected.
type TransitionTable struct {
	kind    EntityKind
	initial Status
	edges   map[Status]map[Status]struct{}
	known   map[Status]struct{}
}

// NewTransitionTable builds a table from an adjacency list. Statuses appearing
// only as targets are terminal.
func NewTransitionTable(kind EntityKind, initial Status, edges map[Status][]Status) *TransitionTable {
	t := &TransitionTable{
		kind:    kind,
		initial: initial,
		edges:   make(map[Status]map[Status]struct{}, len(edges)),
		known:   map[Status]struct{}{initial: {}},
	}
	for from, targets := range edges {
		t.known[from] = struct{}{}
		set := make(map[Status]struct{}, len(targets))
		for _, to := range targets {
			set[to] = struct{}{}
			t.known[to] = struct{}{}
		}
		t.edges[from] = set
	}
	return t
}

// Kind returns the entity kind governed by the table.
func (t *TransitionTable) Kind() EntityKind { return t.kind }

// Initial returns the status every new entity is created with.
func (t *TransitionTable) Initial() Status { return t.initial }

// Known reports whether s belongs to the kind's status enum.
func (t *TransitionTable) Known(s Status) bool {
	_, ok := t.known[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (t *TransitionTable) Terminal(s Status) bool {
	return len(t.edges[s]) == 0
}

// Allowed lists the legal targets from s in lexical order.
func (t *TransitionTable) Allowed(from Status) []Status {
	out := make([]Status, 0, len(t.edges[from]))
	for to := range t.edges[from] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Statuses lists every status of the enum in lexical order.
func (t *TransitionTable) Statuses() []Status {
	out := make([]Status, 0, len(t.known))
	for s := range t.known {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Check returns an *InvalidTransitionError unless from -> to is an edge.
func (t *TransitionTable) Check(from, to Status) error {
	if _, ok := t.edges[from][to]; ok {
		return nil
	}
	return &InvalidTransitionError{Kind: t.kind, From: from, To: to, Allowed: t.Allowed(from)}
}

// IncidentTransitions governs EMS incident reports.
func IncidentTransitions() *TransitionTable {
	return NewTransitionTable(KindIncident, StatusDraft, map[Status][]Status{
		StatusDraft:          {StatusInProgress},
		StatusInProgress:     {StatusReadyForReview},
		StatusReadyForReview: {StatusCompleted},
		StatusCompleted:      {StatusLocked},
		StatusLocked:         {StatusCompleted},
	})
}

// ClaimTransitions governs billing claims.
func ClaimTransitions() *TransitionTable {
	return NewTransitionTable(KindClaim, StatusDraft, map[Status][]Status{
		StatusDraft:         {StatusPendingReview},
		StatusPendingReview: {StatusReadyToExport},
		StatusReadyToExport: {StatusExported},
		StatusExported:      {StatusSubmitted},
		StatusSubmitted:     {StatusPaid, StatusDenied},
		StatusDenied:        {StatusAppealNeeded, StatusClosed},
		StatusPaid:          {StatusClosed},
		StatusAppealNeeded:  {StatusClosed},
	})
}

// FireIncidentTransitions governs fire incident reports. Reviewers may send a
// report back for rework.
func FireIncidentTransitions() *TransitionTable {
	return NewTransitionTable(KindFireIncident, StatusDraft, map[Status][]Status{
		StatusDraft:          {StatusInProgress},
		StatusInProgress:     {StatusReadyForReview},
		StatusReadyForReview: {StatusInProgress, StatusCompleted},
		StatusCompleted:      {StatusLocked},
		StatusLocked:         {StatusCompleted},
	})
}

// FlightRequestTransitions governs air medical requests.
func FlightRequestTransitions() *TransitionTable {
	return NewTransitionTable(KindFlightRequest, StatusRequested, map[Status][]Status{
		StatusRequested: {StatusAccepted, StatusCancelled},
		StatusAccepted:  {StatusEnroute, StatusCancelled},
		StatusEnroute:   {StatusComplete, StatusCancelled},
	})
}

// VehicleTransitions governs fleet units.
func VehicleTransitions() *TransitionTable {
	return NewTransitionTable(KindVehicle, StatusInService, map[Status][]Status{
		StatusInService:    {StatusMaintenance, StatusOutOfService},
		StatusMaintenance:  {StatusInService, StatusOutOfService},
		StatusOutOfService: {StatusMaintenance, StatusRetired},
	})
}

// MedicationInventoryTransitions governs controlled medication lots.
func MedicationInventoryTransitions() *TransitionTable {
	return NewTransitionTable(KindMedicationInventory, StatusActive, map[Status][]Status{
		StatusActive:      {StatusQuarantined, StatusExpired, StatusDepleted, StatusWasted},
		StatusQuarantined: {StatusActive, StatusWasted},
		StatusExpired:     {StatusWasted},
	})
}
