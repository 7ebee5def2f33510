package orchestrator

import "errors"

var (
	// ErrConflict is returned when submitting an action while the
	// concurrency limit is already reached.
	ErrConflict = errors.New("another master action is already running")

	// ErrNotFound is returned for unknown master action ids
	ErrNotFound = errors.New("master action not found")

	// ErrUnknownOperation is returned when no handler is registered for the
	// requested operation type.
	ErrUnknownOperation = errors.New("unknown operation type")

	// ErrAlreadyCompleted is returned when cancelling an action that already
	// reached a terminal state.
	ErrAlreadyCompleted = errors.New("master action already completed")

	// ErrCancelNotSupported is returned when the action's handler does not
	// support cancellation.
	ErrCancelNotSupported = errors.New("operation does not support cancellation")

	// ErrCancelled is returned by context helpers once cancellation has been
	// requested. Handlers return it to stop cleanly between stages.
	ErrCancelled = errors.New("master action cancelled")
)
