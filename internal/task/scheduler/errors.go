package scheduler

import "errors"

var (
	// ErrShutdown is returned by every operation after Shutdown. Shutdown is terminal.
	ErrShutdown = errors.New("scheduler: shut down")
	// ErrConcurrencyViolation marks a fire deferred because its non-concurrent
	// work item was already executing. The trigger is re-queued, not errored.
	ErrConcurrencyViolation = errors.New("scheduler: work item already executing")
	ErrNotStarted           = errors.New("scheduler: not started")
	ErrCalendarInUse        = errors.New("scheduler: calendar referenced by a trigger")
	ErrIllegalMisfire       = errors.New("scheduler: misfire instruction not valid for recurrence")
	ErrUnknownWorkKind      = errors.New("scheduler: unknown work kind")
	ErrWorkKindExists       = errors.New("scheduler: work kind already registered")
)
