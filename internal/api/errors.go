package api

import (
	"errors"
	"fmt"
)

// Sentinel errors for the router's failure taxonomy. "Not applicable" and
// "no winner yet" are normal return values, never errors.
var (
	// ErrAlreadyExists is returned when creating an experiment whose id is
	// already registered. Silent overwrite is not allowed.
	ErrAlreadyExists = errors.New("experiment already exists")

	// ErrNotFound is returned on reads/mutations of unknown experiments or
	// variants.
	ErrNotFound = errors.New("not found")

	// ErrInvalidMetric is returned for unsupported winner-selection metrics.
	ErrInvalidMetric = errors.New("invalid metric")

	// ErrStorage wraps persistence failures. When a mutating operation
	// reports ErrStorage, the in-memory state has been rolled back.
	ErrStorage = errors.New("storage error")

	// ErrTerminal is returned when a lifecycle transition is attempted on a
	// stopped or completed experiment. Terminal states are never left.
	ErrTerminal = errors.New("experiment in terminal state")
)

// ValidationError describes a malformed experiment definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("experiment validation error [%s]: %s", e.Field, e.Message)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
