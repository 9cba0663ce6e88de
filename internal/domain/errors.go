package domain

import (
	"errors"
	"fmt"
)

// ErrValidation groups malformed-input failures. They are rejected immediately and never retried.
var ErrValidation = errors.New("validation failed")

// ErrRejected groups well-formed commands refused by attendance rules. No state is mutated.
var ErrRejected = errors.New("command rejected")

// Validation errors.
var (
	ErrInvalidID          = fmt.Errorf("%w: invalid id", ErrValidation)
	ErrInvalidCoordinates = fmt.Errorf("%w: invalid coordinates", ErrValidation)
	ErrInvalidTimestamp   = fmt.Errorf("%w: invalid timestamp", ErrValidation)
	ErrInvalidSite        = fmt.Errorf("%w: invalid office site", ErrValidation)
	ErrInvalidActivity    = fmt.Errorf("%w: invalid activity type", ErrValidation)
	ErrInvalidEvent       = fmt.Errorf("%w: invalid sync event", ErrValidation)
)

// Rejection errors.
var (
	ErrAlreadyClockedIn  = fmt.Errorf("%w: already clocked in", ErrRejected)
	ErrNoOpenSession     = fmt.Errorf("%w: no open session", ErrRejected)
	ErrInvalidTransition = fmt.Errorf("%w: invalid transition", ErrRejected)
	ErrOutOfRange        = fmt.Errorf("%w: out of range", ErrRejected)
)

// RejectionCode returns the stable wire code for one rejection or validation error.
func RejectionCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyClockedIn):
		return "already_clocked_in"
	case errors.Is(err, ErrNoOpenSession):
		return "no_open_session"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrInvalidCoordinates):
		return "invalid_coordinates"
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	default:
		return "internal_error"
	}
}
