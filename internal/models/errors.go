package models

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when no session exists for an identifier.
var ErrSessionNotFound = errors.New("session not found")

// IllegalTransitionError reports a requested state transition that is not in
// the transition table. The session stays in its current state when this is
// returned; callers surface a generic recoverable message instead of applying
// the request.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition from %s to %s", e.From, e.To)
}

// IsIllegalTransition reports whether err wraps an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var ite *IllegalTransitionError
	return errors.As(err, &ite)
}
