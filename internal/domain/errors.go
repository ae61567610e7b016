package domain

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation failed")
	ErrStaleOpportunity       = errors.New("opportunity is stale")
	ErrBelowThreshold         = errors.New("expected profit below threshold")
	ErrPositionTooLarge       = errors.New("input amount exceeds max position size")
	ErrScoreTooLow            = errors.New("opportunity score below minimum")
	ErrOpportunityInvalidated = errors.New("opportunity invalidated by newer pool state")
	ErrUnknownPool            = errors.New("unknown pool")
	ErrPoolLocked             = errors.New("pool has an in-flight attempt")
	ErrTerminalAttempt        = errors.New("attempt already terminal")
	ErrTransient              = errors.New("transient transport error")
	ErrOutcomeUnknown         = errors.New("swap outcome unknown")
	ErrRateLimited            = errors.New("rate limited")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrLockHeld               = errors.New("lock already held")
	ErrQueueClosed            = errors.New("queue closed")
	ErrWSDisconnect           = errors.New("websocket disconnected")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return "validation: " + e.Field + ": " + e.Reason
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for constructing a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
