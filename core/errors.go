package core

import "errors"

// Errors returned by the entity core.
var (
	// ErrNotFound is returned when an entity or component does not exist and
	// the caller asked not to create it.
	ErrNotFound = errors.New("not found")

	// ErrTimeout is returned when a queued work item did not start before its
	// deadline.
	ErrTimeout = errors.New("work item timed out")

	// ErrCancelled is returned when the caller's context ended before the
	// work item started.
	ErrCancelled = errors.New("work item cancelled")

	ErrWorkerClosed = errors.New("worker closed")
	ErrQueueFull    = errors.New("worker queue full")

	// ErrPanic wraps a panic raised by a work item or hook.
	ErrPanic = errors.New("panic")

	// ErrRegistration reports an invalid component registration table.
	ErrRegistration = errors.New("invalid component registration")

	// ErrShutdown is returned by the manager once Shutdown has begun.
	ErrShutdown = errors.New("manager shut down")
)
