package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced task or agent does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned when a transition is attempted from an
	// incompatible state, including conflicting re-registration.
	ErrStateConflict = errors.New("state conflict")

	// ErrPermissionDenied is returned when an agent reports on a task it
	// does not own.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnavailable is returned when the target agent is offline or
	// unreachable. Transient; callers may retry.
	ErrUnavailable = errors.New("unavailable")

	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInternal indicates an invariant violation or storage fault.
	// Never retried; reported upward.
	ErrInternal = errors.New("internal error")

	// ErrEmptyQueue is returned by ClaimNextPendingForAgent when no pending
	// task matches the agent's capabilities. Not an error condition at the
	// API boundary.
	ErrEmptyQueue = errors.New("no pending tasks")
)

// Kind returns the wire name for a taxonomy error, or "internal" for
// anything unrecognized.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Unwrap makes validation errors match ErrInvalidArgument.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidArgument
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
