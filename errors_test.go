package rewind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrInvalidState, "cannot resume: execution is %s", ExecutionStatusRunning)
	require.Equal(t, "invalid_state: cannot resume: execution is running", err.Error())
	require.Nil(t, err.Unwrap())
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrStorageFailure, "snapshot store: %v", cause).
		WithExecution("exec-1").Wrap(cause)

	require.Equal(t, cause, err.Unwrap())
	require.True(t, errors.Is(err, cause))

	var structured *Error
	require.True(t, errors.As(err, &structured))
	require.Equal(t, ErrStorageFailure, structured.Kind)
	require.Equal(t, "exec-1", structured.ExecutionID)
}

func TestErrorKindMatching(t *testing.T) {
	err := NewError(ErrNotFound, "execution not found").WithExecution("exec-1")

	require.Equal(t, ErrNotFound, ErrorKind(err))
	require.True(t, IsKind(err, ErrNotFound))
	require.False(t, IsKind(err, ErrInvalidState))
	require.False(t, IsKind(nil, ErrNotFound))

	// Kind survives wrapping with fmt.Errorf
	wrapped := fmt.Errorf("handling request: %w", err)
	require.Equal(t, ErrNotFound, ErrorKind(wrapped))

	// Unclassified errors have no kind
	require.Equal(t, "", ErrorKind(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(NewError(ErrLockTimeout, "lock not acquired within 5s")))
	require.True(t, IsRetryable(NewError(ErrStorageFailure, "connection reset")))
	require.False(t, IsRetryable(NewError(ErrInvalidState, "execution is paused")))
	require.False(t, IsRetryable(NewError(ErrDuplicateStep, "step 3 already recorded")))
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(errors.New("plain")))
}

func TestStorageErrorPreservesClassification(t *testing.T) {
	// A structured error from the store passes through untouched
	dup := NewError(ErrDuplicateStep, "step 1 already recorded")
	require.Same(t, dup, storageError("exec-1", dup).(*Error))

	// A plain error is wrapped as a storage failure
	cause := errors.New("io timeout")
	err := storageError("exec-1", cause)
	require.True(t, IsKind(err, ErrStorageFailure))
	require.True(t, errors.Is(err, cause))
}
