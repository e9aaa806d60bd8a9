package flow

import (
	"testing"

	"github.com/kasmartw/apptflow/internal/models"
)

func TestStateMachine_Validate_BookingChain(t *testing.T) {
	sm := NewStateMachine()

	chain := []models.State{
		models.StateStart,
		models.StateBookingCollectService,
		models.StateBookingSelectDateTime,
		models.StateBookingCollectContact,
		models.StateBookingConfirm,
		models.StateBookingProcess,
		models.StatePostAction,
	}
	for i := 0; i < len(chain)-1; i++ {
		next, err := sm.Validate(chain[i], chain[i+1])
		if err != nil {
			t.Fatalf("transition %s -> %s: unexpected error: %v", chain[i], chain[i+1], err)
		}
		if next != chain[i+1] {
			t.Errorf("transition %s -> %s: got %s", chain[i], chain[i+1], next)
		}
	}
}

func TestStateMachine_Validate_RejectsSkips(t *testing.T) {
	sm := NewStateMachine()

	cases := []struct {
		from, to models.State
	}{
		{models.StateStart, models.StateBookingConfirm},
		{models.StateBookingCollectService, models.StateBookingProcess},
		{models.StateCancelAskConfirmation, models.StateCancelProcess},
		{models.StatePostAction, models.StateBookingSelectDateTime},
		{models.StateComplete, models.StateStart},
	}
	for _, c := range cases {
		_, err := sm.Validate(c.from, c.to)
		if err == nil {
			t.Errorf("transition %s -> %s: expected rejection, got nil", c.from, c.to)
		}
		if !models.IsIllegalTransition(err) {
			t.Errorf("transition %s -> %s: expected IllegalTransitionError, got %v", c.from, c.to, err)
		}
	}
}

func TestStateMachine_Validate_SelfTransitionRejected(t *testing.T) {
	sm := NewStateMachine()
	if _, err := sm.Validate(models.StateCancelVerify, models.StateCancelVerify); err == nil {
		t.Error("expected self-transition rejection, got nil")
	}
}

func TestStateMachine_OverridesReachableFromEveryNonTerminalState(t *testing.T) {
	sm := NewStateMachine()

	nonTerminal := []models.State{
		models.StateStart,
		models.StateBookingCollectService,
		models.StateBookingSelectDateTime,
		models.StateBookingCollectContact,
		models.StateBookingConfirm,
		models.StateBookingProcess,
		models.StateCancelAskConfirmation,
		models.StateCancelVerify,
		models.StateCancelProcess,
		models.StateRescheduleAskConfirmation,
		models.StateRescheduleVerify,
		models.StateRescheduleSelectDateTime,
		models.StateRescheduleProcess,
		models.StatePostAction,
	}
	targets := []models.State{
		models.StateCancelAskConfirmation,
		models.StateRescheduleAskConfirmation,
		models.StateComplete,
	}
	for _, from := range nonTerminal {
		for _, to := range targets {
			if from == to {
				continue
			}
			if _, err := sm.Validate(from, to); err != nil {
				t.Errorf("override %s -> %s: expected legal, got %v", from, to, err)
			}
		}
	}
}

func TestStateMachine_CompleteIsTerminal(t *testing.T) {
	sm := NewStateMachine()
	if legal := sm.LegalNext(models.StateComplete); len(legal) != 0 {
		t.Errorf("expected no transitions out of COMPLETE, got %v", legal)
	}
}

func TestStateMachine_VerifyBranches(t *testing.T) {
	sm := NewStateMachine()

	// Cancel verify may proceed to process or bail to the hub.
	if _, err := sm.Validate(models.StateCancelVerify, models.StateCancelProcess); err != nil {
		t.Errorf("CANCEL_VERIFY -> CANCEL_PROCESS: %v", err)
	}
	if _, err := sm.Validate(models.StateCancelVerify, models.StatePostAction); err != nil {
		t.Errorf("CANCEL_VERIFY -> POST_ACTION: %v", err)
	}

	// Reschedule verify proceeds to slot selection, not directly to process.
	if _, err := sm.Validate(models.StateRescheduleVerify, models.StateRescheduleSelectDateTime); err != nil {
		t.Errorf("RESCHEDULE_VERIFY -> RESCHEDULE_SELECT_DATETIME: %v", err)
	}
	if _, err := sm.Validate(models.StateRescheduleVerify, models.StateRescheduleProcess); err == nil {
		t.Error("RESCHEDULE_VERIFY -> RESCHEDULE_PROCESS: expected rejection")
	}
}

func TestStateMachine_PostActionRoutesToFlowEntries(t *testing.T) {
	sm := NewStateMachine()

	entries := []models.State{
		models.StateBookingCollectService,
		models.StateCancelAskConfirmation,
		models.StateRescheduleAskConfirmation,
		models.StateComplete,
	}
	for _, target := range entries {
		if _, err := sm.Validate(models.StatePostAction, target); err != nil {
			t.Errorf("POST_ACTION -> %s: %v", target, err)
		}
	}

	// Mid-flow states are not reachable from the hub.
	for _, target := range []models.State{
		models.StateBookingConfirm,
		models.StateCancelVerify,
		models.StateRescheduleSelectDateTime,
	} {
		if _, err := sm.Validate(models.StatePostAction, target); !models.IsIllegalTransition(err) {
			t.Errorf("POST_ACTION -> %s: expected IllegalTransitionError, got %v", target, err)
		}
	}
}

func TestInstructionFor_KnownAndUnknownStates(t *testing.T) {
	sm := NewStateMachine()

	d := sm.InstructionFor(models.StateCancelVerify)
	if d.State != models.StateCancelVerify {
		t.Errorf("expected directive for CANCEL_VERIFY, got %s", d.State)
	}
	if d.Instruction == "" {
		t.Error("expected non-empty instruction for CANCEL_VERIFY")
	}

	// Unknown states fall back to the start directive rather than panicking.
	d = sm.InstructionFor(models.State("BOGUS"))
	if d.State != models.StateStart {
		t.Errorf("expected start directive fallback, got %s", d.State)
	}
}

func TestDirectives_CoverEveryKnownState(t *testing.T) {
	sm := NewStateMachine()
	all := []models.State{
		models.StateStart,
		models.StateBookingCollectService,
		models.StateBookingSelectDateTime,
		models.StateBookingCollectContact,
		models.StateBookingConfirm,
		models.StateBookingProcess,
		models.StateCancelAskConfirmation,
		models.StateCancelVerify,
		models.StateCancelProcess,
		models.StateRescheduleAskConfirmation,
		models.StateRescheduleVerify,
		models.StateRescheduleSelectDateTime,
		models.StateRescheduleProcess,
		models.StatePostAction,
		models.StateComplete,
	}
	for _, s := range all {
		d := sm.InstructionFor(s)
		if d.State != s {
			t.Errorf("state %s: missing directive (got fallback %s)", s, d.State)
		}
	}
}
