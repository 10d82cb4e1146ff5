package domain

import (
	"errors"
	"fmt"
	"time"

	"cronkeeper/internal/recurrence"
)

// CompletionStatus is the outcome of one fire, reported back to the store.
type CompletionStatus int

const (
	CompletionSucceeded CompletionStatus = iota
	CompletionFailed
	CompletionVetoed
	// CompletionSkipped consumes an instant without executing (misfire skip).
	CompletionSkipped
	// CompletionErrored moves the trigger to StateError.
	CompletionErrored
)

var completionNames = [...]string{"succeeded", "failed", "vetoed", "skipped", "errored"}

func (c CompletionStatus) String() string {
	if c < 0 || int(c) >= len(completionNames) {
		return fmt.Sprintf("completion(%d)", int(c))
	}
	return completionNames[c]
}

// FirePlan describes how the trigger's timeline advances once the fire completes.
// The misfire resolver fills it in; the store applies it in CommitFired.
type FirePlan struct {
	// Recurrence replaces the trigger's spec when non-nil (rebased by a misfire instruction).
	Recurrence recurrence.Spec
	// After is the instant the next fire is searched from. Zero means "the fired
	// instant" for normal fires and "the actual fire time" when FromActual is set.
	After      time.Time
	FromActual bool
	// Complete ends the trigger regardless of remaining instants.
	Complete bool
	// Counted is how many instants this commit consumes (fired + skipped). Zero means one.
	Counted int
}

// FireRecord is the ephemeral record of one execution, owned by the dispatcher.
type FireRecord struct {
	ID          string
	TriggerKey  Key
	WorkKey     Key
	WorkKind    string
	Data        DataMap
	Priority    int
	ScheduledAt time.Time
	FiredAt     time.Time
	Misfired    bool
	Plan        FirePlan
	// Exclusive mirrors WorkItem.DisallowConcurrent at the time of acquisition.
	Exclusive bool
}

// Completion is reported by the dispatcher when an execution ends.
type Completion struct {
	Record     FireRecord
	Status     CompletionStatus
	Err        error
	FinishedAt time.Time
}

func (c Completion) Duration() time.Duration {
	if c.Record.FiredAt.IsZero() || c.FinishedAt.Before(c.Record.FiredAt) {
		return 0
	}
	return c.FinishedAt.Sub(c.Record.FiredAt)
}

// ErrWork matches every WorkError via errors.Is.
var ErrWork = errors.New("work failed")

// WorkError wraps a failure returned (or panicked) by external work.
type WorkError struct {
	Work Key
	Err  error
}

func (e *WorkError) Error() string { return fmt.Sprintf("work %s: %v", e.Work, e.Err) }
func (e *WorkError) Unwrap() error { return e.Err }
func (e *WorkError) Is(target error) bool {
	return target == ErrWork
}
