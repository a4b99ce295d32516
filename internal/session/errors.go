package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStateTransition marks an operation requested in a state that forbids it.
	// It is a contract violation of the caller, not a recoverable condition.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrConnectionFailed is recorded when the transport reports a failed or lost connection
	ErrConnectionFailed = errors.New("connection failed")
	// ErrInvalidWheelCircumference is returned by New for a zero circumference
	ErrInvalidWheelCircumference = errors.New("wheel circumference must be > 0 mm")
)

// TransitionError describes a rejected operation
type TransitionError struct {
	Op   string
	From ConnectionState
	// Failed is set when the session already went through Error and must be recreated
	Failed bool
}

func (e *TransitionError) Error() string {
	if e.Failed {
		return fmt.Sprintf("%s: session failed earlier, create a new session: %v", e.Op, ErrInvalidStateTransition)
	}
	return fmt.Sprintf("%s not allowed in state %s: %v", e.Op, e.From, ErrInvalidStateTransition)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}
