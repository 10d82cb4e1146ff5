package store

import (
	"fmt"
	"time"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/recurrence"
)

// The helpers below hold the state transitions every Store implementation
// shares, so the in-memory and SQL stores cannot drift apart.

// PrepareNew fills defaults, resets store-owned fields and computes the first
// fire instant of a trigger about to be stored.
func PrepareNew(t *domain.Trigger, cal recurrence.Calendar) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Priority == 0 {
		t.Priority = domain.DefaultPriority
	}
	if t.StartAt.IsZero() {
		switch s := t.Recurrence.(type) {
		case recurrence.FixedInterval:
			t.StartAt = s.Start
		case recurrence.CalendarInterval:
			t.StartAt = s.Start
		default:
			return fmt.Errorf("trigger %s: start time required", t.Key)
		}
	}
	next, ok := recurrence.FirstFire(t.Recurrence, t.StartAt, t.End(), cal)
	if !ok {
		return fmt.Errorf("trigger %s: %w", t.Key, ErrWillNeverFire)
	}
	t.NextFireAt = &next
	t.PrevFireAt = nil
	t.TimesFired = 0
	t.Lock = domain.Lock{}
	t.PausePending = false
	if t.State != domain.StatePaused {
		t.State = domain.StateWaiting
	}
	return nil
}

// ApplyAcquire locks a Waiting trigger for a fire.
func ApplyAcquire(t *domain.Trigger, fireID, owner string, now time.Time) {
	t.State = domain.StateAcquired
	t.Lock = domain.Lock{FireID: fireID, Owner: owner, At: now}
	t.Version++
}

// ApplyRelease unlocks without firing. A pause requested meanwhile lands now.
func ApplyRelease(t *domain.Trigger) {
	t.Lock = domain.Lock{}
	if t.PausePending {
		t.State = domain.StatePaused
	} else {
		t.State = domain.StateWaiting
	}
	t.PausePending = false
	t.Version++
}

// ApplyCommit records a fire outcome and advances the timeline.
//
// A veto counts as a completed fire: it advances the previous fire instant and
// the fire count like a normal execution.
func ApplyCommit(t *domain.Trigger, c Commit, cal recurrence.Calendar) {
	t.Version++
	t.Lock = domain.Lock{}
	if c.Plan.Recurrence != nil {
		t.Recurrence = c.Plan.Recurrence
	}
	switch c.Status {
	case domain.CompletionSucceeded, domain.CompletionFailed, domain.CompletionVetoed:
		fired := c.FiredAt
		if fired.IsZero() {
			fired = c.ScheduledAt
		}
		t.TimesFired++
		t.PrevFireAt = &fired
	}

	if c.Status == domain.CompletionErrored {
		// PausePending stays set so ApplyResetFromError lands in Paused.
		t.State = domain.StateError
		return
	}
	pause := t.PausePending
	t.PausePending = false
	if c.Plan.Complete {
		t.NextFireAt = nil
		t.State = domain.StateComplete
		return
	}

	after := c.ScheduledAt
	switch {
	case !c.Plan.After.IsZero():
		after = c.Plan.After
	case c.Plan.FromActual && c.FiredAt.After(after):
		after = c.FiredAt
	}
	next, ok := recurrence.NextFire(t.Recurrence, after, t.End(), cal)
	if !ok {
		t.NextFireAt = nil
		t.State = domain.StateComplete
		return
	}
	t.NextFireAt = &next
	if pause {
		t.State = domain.StatePaused
	} else {
		t.State = domain.StateWaiting
	}
}

// ApplyPause reports whether the trigger changed. Locked and errored
// triggers keep their state and take the pause when they next settle.
func ApplyPause(t *domain.Trigger) bool {
	switch {
	case t.State == domain.StateComplete || t.State == domain.StatePaused:
		return false
	case t.State.Locked() || t.State == domain.StateError:
		if t.PausePending {
			return false
		}
		t.PausePending = true
	default:
		t.State = domain.StatePaused
	}
	t.Version++
	return true
}

// ApplyResume reports whether the trigger changed. A resumed trigger keeps its
// next fire instant; if that is now in the past the misfire policy applies.
func ApplyResume(t *domain.Trigger) bool {
	switch {
	case t.PausePending:
		t.PausePending = false
	case t.State == domain.StatePaused:
		t.State = domain.StateWaiting
	default:
		return false
	}
	t.Version++
	return true
}

// ApplyResetFromError returns an errored trigger to the timeline.
func ApplyResetFromError(t *domain.Trigger) bool {
	if t.State != domain.StateError {
		return false
	}
	switch {
	case t.NextFireAt == nil:
		t.State = domain.StateComplete
	case t.PausePending:
		t.State = domain.StatePaused
	default:
		t.State = domain.StateWaiting
	}
	t.PausePending = false
	t.Version++
	return true
}

// IsDue reports whether t can be acquired for the given horizon.
func IsDue(t *domain.Trigger, horizon time.Time) bool {
	return t.State == domain.StateWaiting && t.NextFireAt != nil && !t.NextFireAt.After(horizon)
}

// DueBefore is the acquisition order: next fire ascending, priority
// descending, key ascending.
func DueBefore(a, b *domain.Trigger) bool {
	an, bn := *a.NextFireAt, *b.NextFireAt
	if !an.Equal(bn) {
		return an.Before(bn)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Key.Less(b.Key)
}

// IsStale reports whether a locked trigger's lock qualifies for ReleaseStale.
func IsStale(t *domain.Trigger, owner string, olderThan time.Time) bool {
	if !t.State.Locked() {
		return false
	}
	if owner != "" && t.Lock.Owner != owner {
		return false
	}
	return t.Lock.At.Before(olderThan)
}

func KeySet(keys []domain.Key) map[domain.Key]struct{} {
	if len(keys) == 0 {
		return nil
	}
	m := make(map[domain.Key]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}
