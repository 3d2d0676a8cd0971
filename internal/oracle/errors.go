package oracle

import (
	"errors"
	"fmt"
)

// Sentinel errors for the resolution and scheduling taxonomy. Layers translate
// lower-level failures into one of these before returning to a caller.
var (
	// ErrNotFound means the resolver pipeline was exhausted with no answer.
	ErrNotFound = errors.New("price not found")

	// ErrUnavailable means an optional backend (queue, store, cache) is not
	// reachable. Read paths swallow it; enqueue surfaces it as a soft failure.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrTransient marks upstream failures worth retrying (HTTP 5xx, connect
	// errors). The resolver treats it as "no data" and continues the pipeline.
	ErrTransient = errors.New("transient upstream error")

	// ErrDisabled is returned when a manual run is requested for a disabled
	// schedule.
	ErrDisabled = errors.New("schedule disabled")
)

// InvalidInputError reports a validation failure before any pipeline work.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewInvalidInput builds an InvalidInputError for a named request field.
func NewInvalidInput(field, reason string) error {
	return &InvalidInputError{Field: field, Reason: reason}
}

// IsInvalidInput reports whether err is a validation failure.
func IsInvalidInput(err error) bool {
	var iie *InvalidInputError
	return errors.As(err, &iie)
}

// AlreadyExistsError reports a duplicate schedule for (token, network),
// carrying the id of the existing record.
type AlreadyExistsError struct {
	ExistingID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("schedule already exists: %s", e.ExistingID)
}

// IsAlreadyExists reports whether err is a duplicate-schedule failure and
// returns the existing record id when it is.
func IsAlreadyExists(err error) (string, bool) {
	var aee *AlreadyExistsError
	if errors.As(err, &aee) {
		return aee.ExistingID, true
	}
	return "", false
}
