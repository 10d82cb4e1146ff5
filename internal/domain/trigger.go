package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cronkeeper/internal/recurrence"
)

// Priority bounds; DefaultPriority sits in the middle.
const (
	MinPriority     = 1
	DefaultPriority = 5
	MaxPriority     = 10
)

var (
	ErrNoRecurrence  = errors.New("trigger has no recurrence")
	ErrInvalidWindow = errors.New("trigger end is before start")
)

// Trigger is a timeline entry that fires its work item.
//
// NextFireAt is nil once no further instant exists. The fields below the blank
// line are owned by the store and are ignored on insert.
type Trigger struct {
	Key         Key
	WorkKey     Key
	Description string
	Recurrence  recurrence.Spec
	StartAt     time.Time
	EndAt       *time.Time
	Priority    int
	Misfire     MisfireInstruction
	Calendar    string
	Data        DataMap

	State      TriggerState
	NextFireAt *time.Time
	PrevFireAt *time.Time
	TimesFired int
	// PausePending is set when a pause arrives while the trigger is locked;
	// it becomes Paused instead of Waiting when the lock is given back.
	PausePending bool
	Lock         Lock
	Version      int64
}

// Lock records which engine instance holds an acquired trigger.
type Lock struct {
	FireID string
	Owner  string
	At     time.Time
}

func (l Lock) Held() bool { return l.FireID != "" }

// Validate checks the user-supplied part of the trigger.
func (t *Trigger) Validate() error {
	if err := t.Key.Validate(); err != nil {
		return fmt.Errorf("trigger key: %w", err)
	}
	if err := t.WorkKey.Validate(); err != nil {
		return fmt.Errorf("trigger %s work key: %w", t.Key, err)
	}
	if t.Recurrence == nil {
		return fmt.Errorf("trigger %s: %w", t.Key, ErrNoRecurrence)
	}
	if t.EndAt != nil && !t.StartAt.IsZero() && t.EndAt.Before(t.StartAt) {
		return fmt.Errorf("trigger %s: %w", t.Key, ErrInvalidWindow)
	}
	if t.Priority != 0 && (t.Priority < MinPriority || t.Priority > MaxPriority) {
		return fmt.Errorf("trigger %s: priority %d out of range [%d,%d]", t.Key, t.Priority, MinPriority, MaxPriority)
	}
	t.Calendar = strings.TrimSpace(t.Calendar)
	return nil
}

// End returns EndAt or the zero time.
func (t *Trigger) End() time.Time {
	if t.EndAt == nil {
		return time.Time{}
	}
	return *t.EndAt
}

// Clone returns a deep copy; stores hand out clones so callers never alias stored state.
func (t Trigger) Clone() Trigger {
	cp := t
	cp.EndAt = cloneTime(t.EndAt)
	cp.NextFireAt = cloneTime(t.NextFireAt)
	cp.PrevFireAt = cloneTime(t.PrevFireAt)
	cp.Data = t.Data.Clone()
	return cp
}

// Lateness is how far NextFireAt lags behind now (zero if not late).
func (t *Trigger) Lateness(now time.Time) time.Duration {
	if t.NextFireAt == nil || !now.After(*t.NextFireAt) {
		return 0
	}
	return now.Sub(*t.NextFireAt)
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// TimePtr is a small helper for optional instants.
func TimePtr(t time.Time) *time.Time { return &t }
