package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("payout not found")
	ErrInvalidState        = errors.New("operation not allowed in current payout state")
	ErrInvalidSignature    = errors.New("signed payload does not match payout")
	ErrVersionConflict     = errors.New("payout version conflict")
	ErrInvalidTransition   = errors.New("invalid payout state transition")
	ErrImmutableField      = errors.New("immutable payout field changed")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different payload")
	ErrTransientNetwork    = errors.New("transient network error")
	ErrTerminalNetwork     = errors.New("network rejected transaction")
)

// ValidationError describes a single rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidStateError wraps ErrInvalidState with the state that was observed.
func InvalidStateError(op string, current State) error {
	return fmt.Errorf("%w: %s requires a different state, payout is %s", ErrInvalidState, op, current)
}
