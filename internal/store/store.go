// Package store defines the trigger store contract and its in-memory reference
// implementation.
//
// The store is the single source of truth for triggers and work items. Every
// operation is atomic with respect to other callers; durable implementations
// (see sqlstore) give the same guarantees across processes.
package store

import (
	"context"
	"errors"
	"time"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/recurrence"
)

var (
	// ErrConflict means the record changed between read and write, or the caller's
	// lock is no longer current. Retry acquisition, not the original fire.
	ErrConflict = errors.New("store: concurrent modification")
	// ErrUnavailable wraps transient backend failures.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrCorrupt means persisted state cannot be decoded. It is not retryable.
	ErrCorrupt       = errors.New("store: corrupt record")
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrWillNeverFire = errors.New("store: trigger will never fire")
	ErrClosed        = errors.New("store: closed")
)

// Store is the trigger store contract.
type Store interface {
	StoreWorkItem(ctx context.Context, w domain.WorkItem, replace bool) error
	// RemoveWorkItem deletes the item and every trigger that fires it.
	RemoveWorkItem(ctx context.Context, key domain.Key) error
	WorkItem(ctx context.Context, key domain.Key) (domain.WorkItem, error)
	WorkItems(ctx context.Context) ([]domain.WorkItem, error)

	// StoreTrigger computes the first fire instant and saves the trigger.
	// The referenced work item must exist.
	StoreTrigger(ctx context.Context, t domain.Trigger, replace bool) (domain.Trigger, error)
	// RemoveTrigger deletes the trigger, and its work item when that is not
	// durable and has no other triggers.
	RemoveTrigger(ctx context.Context, key domain.Key) error
	Trigger(ctx context.Context, key domain.Key) (domain.Trigger, error)
	// Triggers lists triggers of a group ("" for all), ordered by key.
	Triggers(ctx context.Context, group string) ([]domain.Trigger, error)
	TriggersForWorkItem(ctx context.Context, key domain.Key) ([]domain.Trigger, error)

	// PauseTrigger takes effect at the next acquisition when the trigger is locked.
	PauseTrigger(ctx context.Context, key domain.Key) error
	ResumeTrigger(ctx context.Context, key domain.Key) error
	PauseGroup(ctx context.Context, group string) (int, error)
	ResumeGroup(ctx context.Context, group string) (int, error)
	ResetTriggerFromError(ctx context.Context, key domain.Key) error

	// AcquireDue locks Waiting triggers due by Now+Window, ordered by next fire
	// ascending, priority descending, key ascending.
	AcquireDue(ctx context.Context, req AcquireRequest) ([]Acquired, error)
	// MarkFiring moves an acquired trigger to Firing.
	MarkFiring(ctx context.Context, key domain.Key, fireID string) error
	// Release returns an acquired trigger to Waiting without firing it.
	Release(ctx context.Context, key domain.Key, fireID string) error
	// CommitFired records the outcome of a fire, advances the timeline and
	// releases the lock. It returns the trigger as stored after the commit.
	CommitFired(ctx context.Context, key domain.Key, fireID string, c Commit) (domain.Trigger, error)
	// ReleaseStale releases locks taken by owner ("" for any owner) before olderThan.
	ReleaseStale(ctx context.Context, owner string, olderThan time.Time) (int, error)

	// NextFireTime is the earliest next fire among Waiting triggers, ignoring
	// triggers of the excluded work items.
	NextFireTime(ctx context.Context, excludeWork []domain.Key) (time.Time, bool, error)

	Close() error
}

// AcquireRequest parameterizes AcquireDue.
type AcquireRequest struct {
	Now    time.Time
	Window time.Duration
	Max    int
	// Owner identifies the engine instance taking the locks.
	Owner string
	// ExcludeWork lists work items that must not be acquired, typically
	// non-concurrent items with an execution in flight.
	ExcludeWork []domain.Key
}

// Acquired is a locked trigger together with its work item.
type Acquired struct {
	Trigger domain.Trigger
	Work    domain.WorkItem
}

// Commit is the outcome reported to CommitFired.
type Commit struct {
	Status      domain.CompletionStatus
	ScheduledAt time.Time
	// FiredAt is the actual start of execution; zero when nothing executed.
	FiredAt time.Time
	Plan    domain.FirePlan
}

// CalendarLookup resolves a trigger's calendar name. Unknown names exclude nothing.
type CalendarLookup func(name string) recurrence.Calendar

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
