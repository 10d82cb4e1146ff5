// Package storetest is the behavioral contract every store.Store must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/recurrence"
	"cronkeeper/internal/store"
)

// Factory returns an empty store configured with opts. It should register
// cleanup with t.
type Factory func(t *testing.T, opts store.Options) store.Store

// Monday 2030-01-07 10:00 UTC.
var base = time.Date(2030, 1, 7, 10, 0, 0, 0, time.UTC)

const owner = "node-a"

// Run executes the contract suite.
func Run(t *testing.T, factory Factory) {
	cals := recurrence.NewCalendars()
	require.NoError(t, cals.Add("no-weekends", recurrence.NewWeeklyCalendar(time.UTC, time.Saturday, time.Sunday), false))
	opts := store.Options{Calendars: cals.Lookup}
	open := func(t *testing.T) store.Store { return factory(t, opts) }

	t.Run("WorkItems", func(t *testing.T) { testWorkItems(t, open(t)) })
	t.Run("TriggerRoundTrip", func(t *testing.T) { testTriggerRoundTrip(t, open(t)) })
	t.Run("TriggerValidation", func(t *testing.T) { testTriggerValidation(t, open(t)) })
	t.Run("AcquireOrdering", func(t *testing.T) { testAcquireOrdering(t, open(t)) })
	t.Run("ReleaseAndConflict", func(t *testing.T) { testReleaseAndConflict(t, open(t)) })
	t.Run("CommitAdvances", func(t *testing.T) { testCommitAdvances(t, open(t)) })
	t.Run("CommitHonorsCalendar", func(t *testing.T) { testCommitHonorsCalendar(t, open(t)) })
	t.Run("CommitPlan", func(t *testing.T) { testCommitPlan(t, open(t)) })
	t.Run("PauseResume", func(t *testing.T) { testPauseResume(t, open(t)) })
	t.Run("PauseWhileLocked", func(t *testing.T) { testPauseWhileLocked(t, open(t)) })
	t.Run("ErrorState", func(t *testing.T) { testErrorState(t, open(t)) })
	t.Run("RemoveCascades", func(t *testing.T) { testRemoveCascades(t, open(t)) })
	t.Run("ExclusiveWork", func(t *testing.T) { testExclusiveWork(t, open(t)) })
	t.Run("ReleaseStale", func(t *testing.T) { testReleaseStale(t, open(t)) })
	t.Run("NextFireTime", func(t *testing.T) { testNextFireTime(t, open(t)) })
	t.Run("ConcurrentAcquire", func(t *testing.T) { testConcurrentAcquire(t, open(t)) })
}

func work(name string) domain.WorkItem {
	return domain.WorkItem{Key: domain.NewKey(name, "jobs"), Kind: "log", Data: domain.DataMap{"msg": name}}
}

func once(name string, w domain.WorkItem, at time.Time, priority int) domain.Trigger {
	return domain.Trigger{
		Key:        domain.NewKey(name, "triggers"),
		WorkKey:    w.Key,
		Recurrence: recurrence.Once(at),
		StartAt:    at,
		Priority:   priority,
	}
}

func mustWork(t *testing.T, s store.Store, w domain.WorkItem) {
	t.Helper()
	require.NoError(t, s.StoreWorkItem(context.Background(), w, false))
}

func mustTrigger(t *testing.T, s store.Store, tr domain.Trigger) domain.Trigger {
	t.Helper()
	out, err := s.StoreTrigger(context.Background(), tr, false)
	require.NoError(t, err)
	return out
}

func acquire(t *testing.T, s store.Store, now time.Time, max int) []store.Acquired {
	t.Helper()
	got, err := s.AcquireDue(context.Background(), store.AcquireRequest{Now: now, Max: max, Owner: owner})
	require.NoError(t, err)
	return got
}

func names(acq []store.Acquired) []string {
	out := make([]string, 0, len(acq))
	for _, a := range acq {
		out = append(out, a.Trigger.Key.Name)
	}
	return out
}

func testWorkItems(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := work("report")
	w.Durable = true
	w.DisallowConcurrent = true
	mustWork(t, s, w)

	assert.ErrorIs(t, s.StoreWorkItem(ctx, w, false), store.ErrAlreadyExists)
	w.Description = "nightly report"
	require.NoError(t, s.StoreWorkItem(ctx, w, true))

	got, err := s.WorkItem(ctx, w.Key)
	require.NoError(t, err)
	assert.Equal(t, w, got)

	mustWork(t, s, work("another"))
	all, err := s.WorkItems(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "another", all[0].Key.Name)

	require.NoError(t, s.RemoveWorkItem(ctx, w.Key))
	_, err = s.WorkItem(ctx, w.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.RemoveWorkItem(ctx, w.Key), store.ErrNotFound)
}

func testTriggerRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := work("report")
	mustWork(t, s, w)

	spec, err := recurrence.ParseCron("0 0/15 * * * ?", time.UTC)
	require.NoError(t, err)
	in := domain.Trigger{
		Key:         domain.NewKey("every-quarter", "reports"),
		WorkKey:     w.Key,
		Description: "quarter-hourly report",
		Recurrence:  spec,
		StartAt:     base.Add(time.Minute),
		EndAt:       domain.TimePtr(base.Add(24 * time.Hour)),
		Priority:    7,
		Misfire:     domain.MisfireDoNothing,
		Calendar:    "no-weekends",
		Data:        domain.DataMap{"format": "pdf"},
	}
	stored := mustTrigger(t, s, in)

	got, err := s.Trigger(ctx, in.Key)
	require.NoError(t, err)
	for _, tr := range []domain.Trigger{stored, got} {
		assert.Equal(t, in.Key, tr.Key)
		assert.Equal(t, in.WorkKey, tr.WorkKey)
		assert.Equal(t, in.Description, tr.Description)
		assert.Equal(t, in.Recurrence.String(), tr.Recurrence.String())
		assert.True(t, in.StartAt.Equal(tr.StartAt))
		require.NotNil(t, tr.EndAt)
		assert.True(t, in.EndAt.Equal(*tr.EndAt))
		assert.Equal(t, in.Priority, tr.Priority)
		assert.Equal(t, in.Misfire, tr.Misfire)
		assert.Equal(t, in.Calendar, tr.Calendar)
		assert.Equal(t, in.Data, tr.Data)
		assert.Equal(t, domain.StateWaiting, tr.State)
		assert.Nil(t, tr.PrevFireAt)
		assert.Zero(t, tr.TimesFired)
		require.NotNil(t, tr.NextFireAt)
		assert.True(t, base.Add(15*time.Minute).Equal(*tr.NextFireAt), "next fire %s", tr.NextFireAt)
	}

	_, err = s.StoreTrigger(ctx, in, false)
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	in.Priority = 0
	replaced, err := s.StoreTrigger(ctx, in, true)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultPriority, replaced.Priority)
	assert.Greater(t, replaced.Version, stored.Version)

	list, err := s.Triggers(ctx, "reports")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = s.Triggers(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, list)
	list, err = s.TriggersForWorkItem(ctx, w.Key)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testTriggerValidation(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := work("report")

	_, err := s.StoreTrigger(ctx, once("orphan", w, base, 0), false)
	assert.ErrorIs(t, err, store.ErrNotFound)

	mustWork(t, s, w)
	noon := domain.Trigger{
		Key:        domain.NewKey("never", "triggers"),
		WorkKey:    w.Key,
		Recurrence: recurrence.MustParseCron("0 0 12 * * ?", time.UTC),
		StartAt:    time.Date(2030, 1, 7, 13, 0, 0, 0, time.UTC),
		EndAt:      domain.TimePtr(time.Date(2030, 1, 7, 14, 0, 0, 0, time.UTC)),
	}
	_, err = s.StoreTrigger(ctx, noon, false)
	assert.ErrorIs(t, err, store.ErrWillNeverFire)

	_, err = s.Trigger(ctx, noon.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAcquireOrdering(t *testing.T, s store.Store) {
	w := work("w")
	mustWork(t, s, w)
	mustTrigger(t, s, once("a-low", w, base, 5))
	mustTrigger(t, s, once("b-high", w, base, 10))
	mustTrigger(t, s, once("c-early", w, base.Add(-time.Second), 1))
	mustTrigger(t, s, once("a-a-low", w, base, 5))
	mustTrigger(t, s, once("later", w, base.Add(time.Hour), 10))

	first := acquire(t, s, base, 2)
	assert.Equal(t, []string{"c-early", "b-high"}, names(first))
	for _, a := range first {
		assert.Equal(t, domain.StateAcquired, a.Trigger.State)
		assert.NotEmpty(t, a.Trigger.Lock.FireID)
		assert.Equal(t, owner, a.Trigger.Lock.Owner)
		assert.Equal(t, "w", a.Work.Key.Name)
	}

	rest := acquire(t, s, base, 10)
	assert.Equal(t, []string{"a-a-low", "a-low"}, names(rest))

	window, err := s.AcquireDue(context.Background(), store.AcquireRequest{Now: base, Window: time.Hour, Max: 10, Owner: owner})
	require.NoError(t, err)
	assert.Equal(t, []string{"later"}, names(window))
}

func testReleaseAndConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := work("w")
	mustWork(t, s, w)
	tr := mustTrigger(t, s, once("t", w, base, 0))

	got := acquire(t, s, base, 1)
	require.Len(t, got, 1)
	fireID := got[0].Trigger.Lock.FireID

	assert.ErrorIs(t, s.Release(ctx, tr.Key, "someone-else"), store.ErrConflict)
	require.NoError(t, s.Release(ctx, tr.Key, fireID))
	assert.ErrorIs(t, s.Release(ctx, tr.Key, fireID), store.ErrConflict)

	after, err := s.Trigger(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaiting, after.State)
	assert.True(t, base.Equal(*after.NextFireAt), "release must not advance the timeline")
	assert.Zero(t, after.TimesFired)

	again := acquire(t, s, base, 1)
	require.Len(t, again, 1)
	assert.NotEqual(t, fireID, again[0].Trigger.Lock.FireID)

	_, err = s.CommitFired(ctx, tr.Key, fireID, store.Commit{Status: domain.CompletionSucceeded, ScheduledAt: base, FiredAt: base})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func testCommitAdvances(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := work("w")
	mustWork(t, s, w)
	spec, err := recurrence.NewFixedInterval(base, time.Minute, 1)
	require.NoError(t, err)
	tr := mustTrigger(t, s, domain.Trigger{Key: domain.NewKey("fixed", ""), WorkKey: w.Key, Recurrence: spec})
	assert.True(t, base.Equal(tr.StartAt), "start defaults to the interval start")

	for i, want := range []time.Time{base, base.Add(time.Minute)} {
		got := acquire(t, s, want, 1)
		require.Len(t, got, 1, "fire %d", i)
		a := got[0].Trigger
		require.True(t, want.Equal(*a.NextFireAt))
		require.NoError(t, s.MarkFiring(ctx, a.Key, a.Lock.FireID))

		firing, err := s.Trigger(ctx, a.Key)
		require.NoError(t, err)
		assert.Equal(t, domain.StateFiring, firing.State)

		fired := want.Add(time.Second)
		out, err := s.CommitFired(ctx, a.Key, a.Lock.FireID, store.Commit{
			Status: domain.CompletionSucceeded, ScheduledAt: want, FiredAt: fired,
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, out.TimesFired)
		require.NotNil(t, out.PrevFireAt)
		assert.True(t, fired.Equal(*out.PrevFireAt))
		assert.Empty(t, out.Lock.FireID)
		if i == 0 {
			assert.Equal(t, domain.StateWaiting, out.State)
			assert.True(t, base.Add(time.Minute).Equal(*out.NextFireAt))
		} else {
			assert.Equal(t, domain.StateComplete, out.State)
			assert.Nil(t, out.NextFireAt)
		}
	}
	assert.Empty(t, acquire(t, s, base.Add(time.Hour), 10))
}

func testCommitHonorsCalendar(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := work("w")
	mustWork(t, s, w)
	friday := time.Date(2030, 1, 11, 10, 0, 0, 0, time.UTC)
	daily, err := recurrence.NewCalendarInterval(friday, 1, recurrence.UnitDay, time.UTC)
	require.NoError(t, err)
	mustTrigger(t, s, domain.Trigger{Key: domain.NewKey("daily", ""), WorkKey: w.Key, Recurrence: daily, Calendar: "no-weekends"})

	got := acquire(t, s, friday, 1)
	require.Len(t, got, 1)
	out, err := s.CommitFired(ctx, got[0].Trigger.Key, got[0].Trigger.Lock.FireID, store.Commit{
		Status: domain.CompletionFailed, ScheduledAt: friday, FiredAt: friday,
	})
	require.NoError(t, err)
	assert.True(t, time.Date(2030, 1, 14, 10, 0, 0, 0, time.UTC).Equal(*out.NextFireAt), "next %s", out.NextFireAt)
}

func testCommitPlan(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := work("w")
	mustWork(t, s, w)
	spec, err := recurrence.NewFixedInterval(base, 10*time.Second, 5)
	require.NoError(t, err)
	mustTrigger(t, s, domain.Trigger{Key: domain.NewKey("fixed", ""), WorkKey: w.Key, Recurrence: spec})

	now := base.Add(25 * time.Second)
	got := acquire(t, s, now, 1)
	require.Len(t, got, 1)
	rebased := recurrence.FixedInterval{Start: now, Interval: 10 * time.Second, RepeatCount: 4}
	out, err := s.CommitFired(ctx, got[0].Trigger.Key, got[0].Trigger.Lock.FireID, store.Commit{
		Status:      domain.CompletionSucceeded,
		ScheduledAt: base,
		FiredAt:     now,
		Plan:        domain.FirePlan{Recurrence: rebased, FromActual: true},
	})
	require.NoError(t, err)
	assert.Equal(t, rebased.String(), out.Recurrence.String())
	assert.True(t, now.Add(10*time.Second).Equal(*out.NextFireAt))

	stored, err := s.Trigger(ctx, out.Key)
	require.NoError(t, err)
	assert.Equal(t, rebased.String(), stored.Recurrence.String())

	got = acquire(t, s, now.Add(10*time.Second), 1)
	require.Len(t, got, 1)
	out, err = s.CommitFired(ctx, got[0].Trigger.Key, got[0].Trigger.Lock.FireID, store.Commit{
		Status: domain.CompletionSkipped, ScheduledAt: now.Add(10 * time.Second),
		Plan: domain.FirePlan{Complete: true},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateComplete, out.State)
	assert.Equal(t, 1, out.TimesFired, "skips are not fires")
}

func testPauseResume(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := work("w")
	mustWork(t, s, w)
	tr := mustTrigger(t, s, once("t", w, base, 0))
	other := once("u", w, base, 0)
	other.Key.Group = "other"
	mustTrigger(t, s, other)

	require.NoError(t, s.PauseTrigger(ctx, tr.Key))
	got, err := s.Trigger(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaused, got.State)
	assert.Equal(t, []string{"u"}, names(acquire(t, s, base, 10)))

	require.NoError(t, s.ResumeTrigger(ctx, tr.Key))
	assert.Equal(t, []string{"t"}, names(acquire(t, s, base, 10)))

	assert.ErrorIs(t, s.PauseTrigger(ctx, domain.NewKey("missing", "")), store.ErrNotFound)

	mustTrigger(t, s, once("v", w, base, 0))
	n, err := s.PauseGroup(ctx, "triggers")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "both the locked and the waiting trigger are paused")
	n, err = s.ResumeGroup(ctx, "triggers")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"v"}, names(acquire(t, s, base, 10)))
}

func testPauseWhileLocked(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := work("w")
	mustWork(t, s, w)
	spec, err := recurrence.NewFixedInterval(base, time.Minute, recurrence.RepeatForever)
	require.NoError(t, err)
	mustTrigger(t, s, domain.Trigger{Key: domain.NewKey("fixed", ""), WorkKey: w.Key, Recurrence: spec})

	got := acquire(t, s, base, 1)
	require.Len(t, got, 1)
	a := got[0].Trigger
	require.NoError(t, s.PauseTrigger(ctx, a.Key))

	locked, err := s.Trigger(ctx, a.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAcquired, locked.State, "in-flight fire is not interrupted")

	out, err := s.CommitFired(ctx, a.Key, a.Lock.FireID, store.Commit{Status: domain.CompletionSucceeded, ScheduledAt: base, FiredAt: base})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaused, out.State)
	assert.True(t, base.Add(time.Minute).Equal(*out.NextFireAt))
	assert.Empty(t, acquire(t, s, base.Add(time.Hour), 10))

	require.NoError(t, s.ResumeTrigger(ctx, a.Key))
	assert.Len(t, acquire(t, s, base.Add(time.Hour), 10), 1)
}

func testErrorState(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := work("w")
	mustWork(t, s, w)
	spec, err := recurrence.NewFixedInterval(base, time.Minute, recurrence.RepeatForever)
	require.NoError(t, err)
	mustTrigger(t, s, domain.Trigger{Key: domain.NewKey("fixed", ""), WorkKey: w.Key, Recurrence: spec})

	got := acquire(t, s, base, 1)
	require.Len(t, got, 1)
	out, err := s.CommitFired(ctx, got[0].Trigger.Key, got[0].Trigger.Lock.FireID, store.Commit{Status: domain.CompletionErrored, ScheduledAt: base})
	require.NoError(t, err)
	assert.Equal(t, domain.StateError, out.State)
	assert.Empty(t, acquire(t, s, base.Add(time.Hour), 10))

	require.NoError(t, s.ResetTriggerFromError(ctx, out.Key))
	back, err := s.Trigger(ctx, out.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaiting, back.State)

	// A pause issued while the failing fire held the lock survives the reset.
	got = acquire(t, s, base.Add(time.Minute), 1)
	require.Len(t, got, 1)
	require.NoError(t, s.PauseTrigger(ctx, out.Key))
	out, err = s.CommitFired(ctx, out.Key, got[0].Trigger.Lock.FireID, store.Commit{Status: domain.CompletionErrored, ScheduledAt: base.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, domain.StateError, out.State)
	require.NoError(t, s.ResetTriggerFromError(ctx, out.Key))
	back, err = s.Trigger(ctx, out.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaused, back.State)
	assert.False(t, back.PausePending)

	// So does a pause issued while the trigger sits in Error.
	require.NoError(t, s.ResumeTrigger(ctx, out.Key))
	got = acquire(t, s, base.Add(time.Hour), 1)
	require.Len(t, got, 1)
	out, err = s.CommitFired(ctx, out.Key, got[0].Trigger.Lock.FireID, store.Commit{Status: domain.CompletionErrored, ScheduledAt: base.Add(time.Minute)})
	require.NoError(t, err)
	require.NoError(t, s.PauseTrigger(ctx, out.Key))
	errored, err := s.Trigger(ctx, out.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateError, errored.State, "pause does not hide the error")
	require.NoError(t, s.ResetTriggerFromError(ctx, out.Key))
	back, err = s.Trigger(ctx, out.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaused, back.State)
}

func testRemoveCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	transient := work("transient")
	durable := work("durable")
	durable.Durable = true
	mustWork(t, s, transient)
	mustWork(t, s, durable)
	t1 := mustTrigger(t, s, once("t1", transient, base, 0))
	t2 := mustTrigger(t, s, once("t2", transient, base, 0))
	t3 := mustTrigger(t, s, once("t3", durable, base, 0))

	require.NoError(t, s.RemoveTrigger(ctx, t1.Key))
	_, err := s.WorkItem(ctx, transient.Key)
	require.NoError(t, err, "still referenced by t2")
	require.NoError(t, s.RemoveTrigger(ctx, t2.Key))
	_, err = s.WorkItem(ctx, transient.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.RemoveTrigger(ctx, t3.Key))
	_, err = s.WorkItem(ctx, durable.Key)
	assert.NoError(t, err)
	assert.ErrorIs(t, s.RemoveTrigger(ctx, t3.Key), store.ErrNotFound)

	t4 := mustTrigger(t, s, once("t4", durable, base, 0))
	require.NoError(t, s.RemoveWorkItem(ctx, durable.Key))
	_, err = s.Trigger(ctx, t4.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testExclusiveWork(t *testing.T, s store.Store) {
	exclusive := work("exclusive")
	exclusive.DisallowConcurrent = true
	mustWork(t, s, exclusive)
	mustTrigger(t, s, once("e1", exclusive, base, 0))
	mustTrigger(t, s, once("e2", exclusive, base, 0))

	got, err := s.AcquireDue(context.Background(), store.AcquireRequest{Now: base, Max: 10, Owner: owner, ExcludeWork: []domain.Key{exclusive.Key}})
	require.NoError(t, err)
	assert.Empty(t, got)

	got = acquire(t, s, base, 10)
	require.Equal(t, []string{"e1"}, names(got), "one per exclusive item per batch")
	assert.Empty(t, acquire(t, s, base, 10), "e1 still holds the item")

	e1 := got[0].Trigger
	require.NoError(t, s.MarkFiring(context.Background(), e1.Key, e1.Lock.FireID))
	got2, err := s.AcquireDue(context.Background(), store.AcquireRequest{Now: base, Max: 10, Owner: "node-b"})
	require.NoError(t, err)
	assert.Empty(t, got2, "another owner must wait for the running fire too")

	_, err = s.CommitFired(context.Background(), e1.Key, e1.Lock.FireID, store.Commit{Status: domain.CompletionSucceeded, ScheduledAt: base, FiredAt: base})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, names(acquire(t, s, base, 10)))
}

func testReleaseStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := work("w")
	mustWork(t, s, w)
	mustTrigger(t, s, once("t", w, base, 0))
	require.Len(t, acquire(t, s, base, 1), 1)

	n, err := s.ReleaseStale(ctx, "node-b", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.ReleaseStale(ctx, owner, base)
	require.NoError(t, err)
	assert.Zero(t, n, "lock is not older than the cutoff")
	n, err = s.ReleaseStale(ctx, "", base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, acquire(t, s, base, 1), 1)
}

func testNextFireTime(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, ok, err := s.NextFireTime(ctx, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	a, b := work("a"), work("b")
	mustWork(t, s, a)
	mustWork(t, s, b)
	mustTrigger(t, s, once("early", a, base, 0))
	mustTrigger(t, s, once("late", b, base.Add(time.Hour), 0))

	next, ok, err := s.NextFireTime(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, base.Equal(next))

	next, ok, err = s.NextFireTime(ctx, []domain.Key{a.Key})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, base.Add(time.Hour).Equal(next))
}

func testConcurrentAcquire(t *testing.T, s store.Store) {
	w := work("w")
	mustWork(t, s, w)
	const total = 40
	for i := 0; i < total; i++ {
		mustTrigger(t, s, once(fmt.Sprintf("t%02d", i), w, base, 0))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := s.AcquireDue(context.Background(), store.AcquireRequest{Now: base, Max: 3, Owner: owner})
				if err != nil && (errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrUnavailable)) {
					continue
				}
				if err != nil || len(got) == 0 {
					return
				}
				mu.Lock()
				for _, a := range got {
					seen[a.Trigger.Key.Name]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, total)
	for name, n := range seen {
		assert.Equal(t, 1, n, "trigger %s acquired %d times", name, n)
	}
}
