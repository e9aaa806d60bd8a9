// Package flow implements the dialogue orchestration engine: the state
// machine, intent routing, the retry/escalation policy and the per-turn
// orchestrator that ties them together.
package flow

import (
	"log/slog"
	"sort"

	"github.com/kasmartw/apptflow/internal/models"
)

// overrideTargets are the flow-entry states the intent router may force from
// any state. The transition table lists them as universally legal edges so
// overrides still pass through Validate like every other transition.
var overrideTargets = []models.State{
	models.StateCancelAskConfirmation,
	models.StateRescheduleAskConfirmation,
	models.StateComplete,
}

// baseTransitions lists each state's flow-local outgoing edges, before the
// universal override edges are unioned in. Complete is terminal and has no
// outgoing edges of any kind.
var baseTransitions = map[models.State][]models.State{
	models.StateStart: {
		models.StateBookingCollectService,
		models.StateCancelAskConfirmation,
		models.StateRescheduleAskConfirmation,
	},

	models.StateBookingCollectService: {models.StateBookingSelectDateTime},
	models.StateBookingSelectDateTime: {models.StateBookingCollectContact},
	models.StateBookingCollectContact: {models.StateBookingConfirm},
	models.StateBookingConfirm:        {models.StateBookingProcess},
	models.StateBookingProcess:        {models.StatePostAction},

	models.StateCancelAskConfirmation: {models.StateCancelVerify},
	// Verify has two simultaneous legal edges: forward progress and the
	// escalation edge back to the hub. The retry policy chooses between
	// them, not the state machine.
	models.StateCancelVerify:  {models.StateCancelProcess, models.StatePostAction},
	models.StateCancelProcess: {models.StatePostAction},

	models.StateRescheduleAskConfirmation: {models.StateRescheduleVerify},
	models.StateRescheduleVerify:          {models.StateRescheduleSelectDateTime, models.StatePostAction},
	models.StateRescheduleSelectDateTime:  {models.StateRescheduleProcess},
	models.StateRescheduleProcess:         {models.StatePostAction},

	models.StatePostAction: {
		models.StateBookingCollectService,
		models.StateCancelAskConfirmation,
		models.StateRescheduleAskConfirmation,
		models.StateComplete,
	},

	models.StateComplete: {},
}

// StateMachine holds the transition-legality table and the per-state
// directives. It is immutable after construction and safe for concurrent use.
type StateMachine struct {
	table map[models.State]map[models.State]bool
}

// NewStateMachine builds the transition table with override edges applied.
func NewStateMachine() *StateMachine {
	table := make(map[models.State]map[models.State]bool, len(baseTransitions))
	for from, targets := range baseTransitions {
		edges := make(map[models.State]bool, len(targets)+len(overrideTargets))
		for _, to := range targets {
			edges[to] = true
		}
		if from != models.StateComplete {
			for _, to := range overrideTargets {
				edges[to] = true
			}
		}
		table[from] = edges
	}
	return &StateMachine{table: table}
}

// Validate checks whether the transition current -> requested is listed in
// the table. On success it returns the requested state; otherwise it returns
// an IllegalTransitionError and the caller must keep the session in current.
func (sm *StateMachine) Validate(current, requested models.State) (models.State, error) {
	edges, ok := sm.table[current]
	if !ok || !edges[requested] {
		slog.Debug("StateMachine.Validate: rejected transition", "from", current, "to", requested)
		return "", &models.IllegalTransitionError{From: current, To: requested}
	}
	return requested, nil
}

// LegalNext returns the sorted set of states reachable from state.
func (sm *StateMachine) LegalNext(state models.State) []models.State {
	edges := sm.table[state]
	out := make([]models.State, 0, len(edges))
	for to := range edges {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Directive is the static per-state configuration used to parametrize the
// LLM call: the instruction describing what the flow expects next and the
// names of the tools the model may invoke in that state.
type Directive struct {
	State       models.State
	Instruction string
	Tools       []string
}

var directives = map[models.State]Directive{
	models.StateStart: {
		State:       models.StateStart,
		Instruction: "Greet the user and ask which service they would like to book, or whether they want to cancel or reschedule an existing appointment.",
	},
	models.StateBookingCollectService: {
		State:       models.StateBookingCollectService,
		Instruction: "Ask which service the user wants to book. Once a service is identified, confirm it and move on to picking a date and time.",
	},
	models.StateBookingSelectDateTime: {
		State:       models.StateBookingSelectDateTime,
		Instruction: "Help the user pick an available date and time for the selected service. Fetch availability before presenting options.",
		Tools:       []string{ToolCheckAvailability, ToolShowAvailability},
	},
	models.StateBookingCollectContact: {
		State:       models.StateBookingCollectContact,
		Instruction: "Collect the user's full name and phone number. Validate the contact details before moving to confirmation.",
		Tools:       []string{ToolValidateContact},
	},
	models.StateBookingConfirm: {
		State:       models.StateBookingConfirm,
		Instruction: "Summarize the service, date, time and contact details, and ask the user to confirm the booking.",
	},
	models.StateBookingProcess: {
		State:       models.StateBookingProcess,
		Instruction: "Submit the booking to the backend and report the confirmation number to the user.",
		Tools:       []string{ToolBookAppointment},
	},
	models.StateCancelAskConfirmation: {
		State:       models.StateCancelAskConfirmation,
		Instruction: "Ask the user for the confirmation number of the appointment they want to cancel.",
	},
	models.StateCancelVerify: {
		State:       models.StateCancelVerify,
		Instruction: "Look up the appointment by confirmation number and cancel it. If the lookup fails because of a typo, ask the user to re-check the number.",
		Tools:       []string{ToolCancelAppointment},
	},
	models.StateCancelProcess: {
		State:       models.StateCancelProcess,
		Instruction: "Confirm the cancellation to the user and mention any applicable policy.",
	},
	models.StateRescheduleAskConfirmation: {
		State:       models.StateRescheduleAskConfirmation,
		Instruction: "Ask the user for the confirmation number of the appointment they want to move.",
	},
	models.StateRescheduleVerify: {
		State:       models.StateRescheduleVerify,
		Instruction: "Look up the appointment by confirmation number. If the lookup fails because of a typo, ask the user to re-check the number.",
		Tools:       []string{ToolRescheduleAppointment},
	},
	models.StateRescheduleSelectDateTime: {
		State:       models.StateRescheduleSelectDateTime,
		Instruction: "Help the user pick a new date and time. Fetch availability before presenting options.",
		Tools:       []string{ToolCheckAvailability, ToolShowAvailability},
	},
	models.StateRescheduleProcess: {
		State:       models.StateRescheduleProcess,
		Instruction: "Submit the reschedule to the backend and confirm the new slot to the user.",
		Tools:       []string{ToolRescheduleAppointment},
	},
	models.StatePostAction: {
		State:       models.StatePostAction,
		Instruction: "Ask whether the user needs anything else: a new booking, a cancellation, a reschedule, or nothing more.",
	},
	models.StateComplete: {
		State:       models.StateComplete,
		Instruction: "Thank the user and close the conversation.",
	},
}

// InstructionFor returns the directive for a state. Directives are static
// configuration; unknown states fall back to the start directive.
func (sm *StateMachine) InstructionFor(state models.State) Directive {
	if d, ok := directives[state]; ok {
		return d
	}
	slog.Warn("StateMachine.InstructionFor: no directive for state, using start directive", "state", state)
	return directives[models.StateStart]
}
