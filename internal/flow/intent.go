package flow

import (
	"log/slog"
	"regexp"

	"github.com/kasmartw/apptflow/internal/models"
)

// Override is a pre-emptive flow switch detected from the raw user message,
// independent of the session's current state.
type Override string

// Override values, in priority order.
const (
	OverrideReschedule Override = "reschedule"
	OverrideCancel     Override = "cancel"
	OverrideExit       Override = "exit"
)

// EntryState returns the flow-entry state an override transitions to.
func (o Override) EntryState() models.State {
	switch o {
	case OverrideReschedule:
		return models.StateRescheduleAskConfirmation
	case OverrideCancel:
		return models.StateCancelAskConfirmation
	default:
		return models.StateComplete
	}
}

type patternGroup struct {
	override Override
	patterns []*regexp.Regexp
}

// IntentRouter classifies raw user text into zero-or-one override. It is
// pure, stateless and deterministic: groups are evaluated in fixed priority
// order because the patterns overlap. Reschedule phrasings ("change my
// appointment") also satisfy looser cancel patterns, and completion phrases
// ("that's all, thanks") can be substrings of other intents, so reschedule
// is checked before cancel before exit.
type IntentRouter struct {
	groups []patternGroup
}

// NewIntentRouter compiles the fixed pattern groups.
func NewIntentRouter() *IntentRouter {
	return &IntentRouter{
		groups: []patternGroup{
			{
				override: OverrideReschedule,
				patterns: compileAll(
					`(?i)\breschedul\w*`,
					`(?i)\b(change|move|switch)\b.{0,40}\b(appointment|booking|cita|reserva|time|date|day)\b`,
					`(?i)\b(different|another|otro|otra)\b.{0,30}\b(time|day|date|hora|d[ií]a|fecha)\b`,
					`(?i)\bcambiar\b`,
					`(?i)\breprogramar\b`,
				),
			},
			{
				override: OverrideCancel,
				patterns: compileAll(
					`(?i)\bcancel\w*`,
					`(?i)\bcall\s+off\b`,
					`(?i)\banular\w*`,
					`(?i)\b(drop|delete|remove)\b.{0,30}\b(appointment|booking|cita|reserva)\b`,
				),
			},
			{
				override: OverrideExit,
				patterns: compileAll(
					`(?i)\bthat('|’)?s\s+all\b`,
					`(?i)\bnothing\s+else\b`,
					`(?i)\bno,?\s+thanks?\b`,
					`(?i)\b(good)?bye\b`,
					`(?i)\b(i('|’)?m\s+)?done\b`,
					`(?i)\beso\s+es\s+todo\b`,
					`(?i)\b(adi[oó]s|hasta\s+luego)\b`,
				),
			},
		},
	}
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// Classify returns the highest-priority override matching text, or false
// when no override fires and normal state-driven progression applies.
func (r *IntentRouter) Classify(text string) (Override, bool) {
	for _, group := range r.groups {
		for _, p := range group.patterns {
			if p.MatchString(text) {
				slog.Debug("IntentRouter.Classify: override matched", "override", group.override, "pattern", p.String())
				return group.override, true
			}
		}
	}
	return "", false
}
