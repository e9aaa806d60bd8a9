package flow

import (
	"log/slog"
	"strings"

	"github.com/kasmartw/apptflow/internal/models"
)

// Outcome classifies a single tool result string.
type Outcome int

// Outcome values.
const (
	OutcomeSuccess Outcome = iota
	OutcomeUserError
	OutcomeSystemError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeUserError:
		return "user_error"
	default:
		return "system_error"
	}
}

// Tool result wire markers. The backend encodes outcomes into the result
// string itself; changing this phrasing changes classification behavior.
const (
	SuccessMarker = "SUCCESS"
	ErrorMarker   = "ERROR"
)

var userErrorMarkers = []string{
	"not found",
	"invalid format",
	"no appointment matching",
}

var systemErrorMarkers = []string{
	"could not connect",
	"timeout",
	"timed out",
	"connection refused",
	"service unavailable",
}

// ClassifyToolResult maps a tagged tool result string to an outcome. A result
// beginning with the success marker is a success. Error text naming a lookup
// or format problem is a user error worth retrying; connectivity and timeout
// text is a system error that retrying will not fix. Error text matching
// neither set classifies as a system error so the user is never asked to
// retry against an unknown failure.
func ClassifyToolResult(result string) Outcome {
	trimmed := strings.TrimSpace(result)
	if strings.HasPrefix(trimmed, SuccessMarker) {
		return OutcomeSuccess
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range userErrorMarkers {
		if strings.Contains(lower, marker) {
			return OutcomeUserError
		}
	}
	for _, marker := range systemErrorMarkers {
		if strings.Contains(lower, marker) {
			return OutcomeSystemError
		}
	}
	return OutcomeSystemError
}

// DefaultRetryThreshold is the number of user errors tolerated per flow
// before the policy forces an escalation to the hub.
const DefaultRetryThreshold = 2

// User-facing messages emitted when the policy forces a transition.
const (
	systemErrorMessage = "I'm sorry, we're having technical difficulties right now. Please try again in a few minutes, or call us directly. Is there anything else I can help you with?"
	escalationMessage  = "I wasn't able to find that appointment after a couple of tries. Please double-check your confirmation email, or call us and we'll sort it out. Is there anything else I can help you with?"
)

// Action is the policy's decision for one classified tool result. An empty
// Transition means the session stays in its current state.
type Action struct {
	Transition models.State
	Message    string
	Escalated  bool
}

// RetryPolicy bounds repeated user-caused tool failures and escalates
// system-caused ones immediately. It is the only component holding
// threshold/escalation logic.
type RetryPolicy struct {
	threshold int
}

// NewRetryPolicy creates a policy; threshold <= 0 uses DefaultRetryThreshold.
func NewRetryPolicy(threshold int) *RetryPolicy {
	if threshold <= 0 {
		threshold = DefaultRetryThreshold
	}
	return &RetryPolicy{threshold: threshold}
}

// Apply updates the session's retry counter for flowKey according to outcome
// and returns the resulting action.
//
//   - Success clears the counter; the flow proceeds normally.
//   - SystemError forces a transition to the hub immediately, counter untouched.
//   - UserError increments the counter; at the threshold it forces the
//     escalation transition and resets the counter to zero, otherwise the
//     session stays put so the flow can re-prompt.
func (p *RetryPolicy) Apply(sess *models.Session, flowKey models.FlowKey, outcome Outcome) Action {
	switch outcome {
	case OutcomeSuccess:
		delete(sess.RetryCounters, flowKey)
		return Action{}

	case OutcomeSystemError:
		slog.Info("RetryPolicy.Apply: system error, escalating to hub",
			"sessionID", sess.ID, "flowKey", flowKey, "state", sess.State)
		return Action{
			Transition: models.StatePostAction,
			Message:    systemErrorMessage,
			Escalated:  true,
		}

	default: // OutcomeUserError
		if sess.RetryCounters == nil {
			sess.RetryCounters = make(map[models.FlowKey]int)
		}
		sess.RetryCounters[flowKey]++
		count := sess.RetryCounters[flowKey]
		if count >= p.threshold {
			slog.Info("RetryPolicy.Apply: retry limit reached, escalating to hub",
				"sessionID", sess.ID, "flowKey", flowKey, "attempts", count, "threshold", p.threshold)
			sess.RetryCounters[flowKey] = 0
			return Action{
				Transition: models.StatePostAction,
				Message:    escalationMessage,
				Escalated:  true,
			}
		}
		slog.Debug("RetryPolicy.Apply: user error below retry threshold",
			"sessionID", sess.ID, "flowKey", flowKey, "attempts", count, "threshold", p.threshold)
		return Action{}
	}
}

// NeedsRetryPolicy reports whether the retry policy must run for turns in
// this state. Only the two Verify states carry retry semantics; skipping the
// policy elsewhere changes latency, never behavior, because the policy is a
// no-op outside them.
func NeedsRetryPolicy(state models.State) bool {
	return state == models.StateCancelVerify || state == models.StateRescheduleVerify
}

// FlowKeyFor returns the retry counter bucket for a Verify state.
func FlowKeyFor(state models.State) models.FlowKey {
	if state == models.StateRescheduleVerify {
		return models.FlowKeyReschedule
	}
	return models.FlowKeyCancel
}
