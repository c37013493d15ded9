package rewind

import (
	"errors"
	"fmt"
)

// Error kind constants for classification and matching
const (
	// ErrNotFound indicates a referenced execution, snapshot, or replay
	// session does not exist.
	ErrNotFound = "not_found"

	// ErrInvalidState indicates a control operation that is illegal for the
	// execution's current status, e.g. resuming an execution that is not
	// paused. Not retryable without a state change.
	ErrInvalidState = "invalid_state"

	// ErrOutOfOrderStep indicates a recorded step index ahead of the next
	// expected index. This is a step-loop driver bug and is surfaced rather
	// than silently corrected.
	ErrOutOfOrderStep = "out_of_order_step"

	// ErrDuplicateStep indicates a step index that already has a live
	// snapshot for the execution.
	ErrDuplicateStep = "duplicate_step"

	// ErrInvalidCheckpoint indicates a rollback target that is missing,
	// belongs to another execution, is not a checkpoint, or was already
	// superseded by an earlier rollback.
	ErrInvalidCheckpoint = "invalid_checkpoint"

	// ErrOutOfRange indicates an explicit replay cursor target outside the
	// recorded history. Relative cursor moves clamp instead.
	ErrOutOfRange = "out_of_range"

	// ErrInvalidArgument indicates an input outside its documented bounds,
	// e.g. a playback speed above the cap.
	ErrInvalidArgument = "invalid_argument"

	// ErrLockTimeout indicates the per-execution exclusivity lock could not
	// be acquired within the caller's budget. Retryable.
	ErrLockTimeout = "lock_timeout"

	// ErrStorageFailure indicates the underlying snapshot store failed. The
	// operation left execution state unchanged.
	ErrStorageFailure = "storage_failure"
)

// Error is a structured error carrying a kind for classification plus the
// ids a caller needs to decide retry vs. abort. It supports Go's error
// wrapping patterns with Unwrap().
type Error struct {
	Kind        string `json:"kind"`
	ExecutionID string `json:"execution_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Message     string `json:"message"`
	Wrapped     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// NewError creates a new Error with the specified kind and message.
func NewError(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithExecution attaches the execution id and returns the error.
func (e *Error) WithExecution(executionID string) *Error {
	e.ExecutionID = executionID
	return e
}

// WithSession attaches the replay session id and returns the error.
func (e *Error) WithSession(sessionID string) *Error {
	e.SessionID = sessionID
	return e
}

// Wrap attaches an underlying cause and returns the error.
func (e *Error) Wrap(err error) *Error {
	e.Wrapped = err
	return e
}

// ErrorKind extracts the kind from an error, if it is or wraps an *Error.
// Unclassified errors report an empty kind.
func ErrorKind(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether an error is classified with the given kind.
func IsKind(err error, kind string) bool {
	return err != nil && ErrorKind(err) == kind
}

// IsRetryable reports whether an operation that failed with this error may
// succeed if simply repeated. Lock contention and storage hiccups qualify;
// state-machine and validation failures do not.
func IsRetryable(err error) bool {
	switch ErrorKind(err) {
	case ErrLockTimeout, ErrStorageFailure:
		return true
	default:
		return false
	}
}

// storageError wraps a store failure, preserving an existing classification
// when the store already returned a structured error such as DuplicateStep.
func storageError(executionID string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewError(ErrStorageFailure, "snapshot store: %v", err).
		WithExecution(executionID).Wrap(err)
}
