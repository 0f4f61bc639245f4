package domain

import (
	"errors"
	"reflect"
	"testing"
)

func TestClaimSubmittedCannotReturnToDraft(t *testing.T) {
	table := ClaimTransitions()
	err := table.Check(StatusSubmitted, StatusDraft)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *InvalidTransitionError, got %T", err)
	}
	if invalid.From != StatusSubmitted || invalid.To != StatusDraft {
		t.Fatalf("unexpected transition detail: %+v", invalid)
	}
	want := []Status{StatusDenied, StatusPaid}
	if !reflect.DeepEqual(invalid.Allowed, want) {
		t.Fatalf("expected allowed %v, got %v", want, invalid.Allowed)
	}
}

func TestTransitionTablesAcceptDeclaredEdges(t *testing.T) {
	cases := []struct {
		name  string
		table *TransitionTable
		from  Status
		to    Status
	}{
		{"incident draft", IncidentTransitions(), StatusDraft, StatusInProgress},
		{"incident unlock", IncidentTransitions(), StatusLocked, StatusCompleted},
		{"claim denied appeal", ClaimTransitions(), StatusDenied, StatusAppealNeeded},
		{"claim paid close", ClaimTransitions(), StatusPaid, StatusClosed},
		{"flight cancel enroute", FlightRequestTransitions(), StatusEnroute, StatusCancelled},
		{"fire review rework", FireIncidentTransitions(), StatusReadyForReview, StatusInProgress},
		{"vehicle retire", VehicleTransitions(), StatusOutOfService, StatusRetired},
		{"medication waste", MedicationInventoryTransitions(), StatusExpired, StatusWasted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.table.Check(tc.from, tc.to); err != nil {
				t.Fatalf("expected %s -> %s to be allowed: %v", tc.from, tc.to, err)
			}
		})
	}
}

func TestTerminalStatusesRejectEverything(t *testing.T) {
	cases := []struct {
		table  *TransitionTable
		status Status
	}{
		{ClaimTransitions(), StatusClosed},
		{FlightRequestTransitions(), StatusComplete},
		{FlightRequestTransitions(), StatusCancelled},
		{VehicleTransitions(), StatusRetired},
		{MedicationInventoryTransitions(), StatusWasted},
	}
	for _, tc := range cases {
		if !tc.table.Terminal(tc.status) {
			t.Fatalf("%s %s should be terminal", tc.table.Kind(), tc.status)
		}
		for _, target := range tc.table.Statuses() {
			if err := tc.table.Check(tc.status, target); err == nil {
				t.Fatalf("%s %s -> %s unexpectedly allowed", tc.table.Kind(), tc.status, target)
			}
		}
	}
}

func TestUnknownStatusFailsClosed(t *testing.T) {
	table := IncidentTransitions()
	if table.Known("bogus") {
		t.Fatalf("bogus status should not be known")
	}
	err := table.Check("bogus", StatusDraft)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if len(invalid.Allowed) != 0 {
		t.Fatalf("expected no allowed targets from unknown status, got %v", invalid.Allowed)
	}
	if err := table.Check(StatusDraft, StatusDraft); err == nil {
		t.Fatalf("self transition should be rejected")
	}
}

func TestInitialStatuses(t *testing.T) {
	want := map[EntityKind]Status{
		KindIncident:            StatusDraft,
		KindClaim:               StatusDraft,
		KindFireIncident:        StatusDraft,
		KindFlightRequest:       StatusRequested,
		KindVehicle:             StatusInService,
		KindMedicationInventory: StatusActive,
	}
	for _, table := range []*TransitionTable{
		IncidentTransitions(), ClaimTransitions(), FireIncidentTransitions(),
		FlightRequestTransitions(), VehicleTransitions(), MedicationInventoryTransitions(),
	} {
		if got := table.Initial(); got != want[table.Kind()] {
			t.Fatalf("%s initial = %s, want %s", table.Kind(), got, want[table.Kind()])
		}
	}
}
