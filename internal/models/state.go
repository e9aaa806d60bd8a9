// Package models defines the flow and state taxonomy shared across apptflow components.
package models

// Flow identifies one of the independent conversational goals a session can pursue.
type Flow string

// State is a tagged value scoped to a single flow (or the shared hub).
type State string

// DataKey is a key for a collected field in a session's data map.
type DataKey string

// FlowKey identifies a retry counter bucket.
type FlowKey string

// Flow constants.
const (
	FlowBooking      Flow = "booking"
	FlowCancellation Flow = "cancellation"
	FlowRescheduling Flow = "rescheduling"
	FlowHub          Flow = "hub"
)

// Booking flow states.
const (
	StateBookingCollectService State = "BOOKING_COLLECT_SERVICE"
	StateBookingSelectDateTime State = "BOOKING_SELECT_DATETIME"
	StateBookingCollectContact State = "BOOKING_COLLECT_CONTACT"
	StateBookingConfirm        State = "BOOKING_CONFIRM"
	StateBookingProcess        State = "BOOKING_PROCESS"
)

// Cancellation flow states.
const (
	StateCancelAskConfirmation State = "CANCEL_ASK_CONFIRMATION"
	StateCancelVerify          State = "CANCEL_VERIFY"
	StateCancelProcess         State = "CANCEL_PROCESS"
)

// Rescheduling flow states.
const (
	StateRescheduleAskConfirmation State = "RESCHEDULE_ASK_CONFIRMATION"
	StateRescheduleVerify          State = "RESCHEDULE_VERIFY"
	StateRescheduleSelectDateTime  State = "RESCHEDULE_SELECT_DATETIME"
	StateRescheduleProcess         State = "RESCHEDULE_PROCESS"
)

// Hub and terminal states.
const (
	StateStart      State = "START"
	StatePostAction State = "POST_ACTION"
	StateComplete   State = "COMPLETE"
)

// Retry counter keys.
const (
	FlowKeyCancel     FlowKey = "cancel"
	FlowKeyReschedule FlowKey = "reschedule"
)

// Data key constants for collected session fields.
const (
	DataKeyServiceID          DataKey = "serviceID"
	DataKeyDate               DataKey = "date"
	DataKeyTime               DataKey = "time"
	DataKeyClientName         DataKey = "clientName"
	DataKeyClientPhone        DataKey = "clientPhone"
	DataKeyConfirmationNumber DataKey = "confirmationNumber"
	DataKeyNewDate            DataKey = "newDate"
	DataKeyNewTime            DataKey = "newTime"
)

// FlowOf returns the flow a state belongs to. Every state belongs to
// exactly one flow; Start, PostAction and Complete belong to the hub.
func FlowOf(s State) Flow {
	switch s {
	case StateBookingCollectService, StateBookingSelectDateTime,
		StateBookingCollectContact, StateBookingConfirm, StateBookingProcess:
		return FlowBooking
	case StateCancelAskConfirmation, StateCancelVerify, StateCancelProcess:
		return FlowCancellation
	case StateRescheduleAskConfirmation, StateRescheduleVerify,
		StateRescheduleSelectDateTime, StateRescheduleProcess:
		return FlowRescheduling
	default:
		return FlowHub
	}
}

// KnownState reports whether s is one of the declared states.
func KnownState(s State) bool {
	switch s {
	case StateBookingCollectService, StateBookingSelectDateTime,
		StateBookingCollectContact, StateBookingConfirm, StateBookingProcess,
		StateCancelAskConfirmation, StateCancelVerify, StateCancelProcess,
		StateRescheduleAskConfirmation, StateRescheduleVerify,
		StateRescheduleSelectDateTime, StateRescheduleProcess,
		StateStart, StatePostAction, StateComplete:
		return true
	}
	return false
}
