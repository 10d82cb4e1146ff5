package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/eventbus"
	"cronkeeper/internal/recurrence"
	"cronkeeper/internal/store"
	"cronkeeper/internal/task/dispatch"
	logx "cronkeeper/pkg/logx"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// recorder is a work kind that reports every execution and can hold them open.
type recorder struct {
	ran  chan domain.FireRecord
	hold chan struct{}
}

func newRecorder() *recorder { return &recorder{ran: make(chan domain.FireRecord, 32)} }

func (p *recorder) Execute(ctx context.Context, rec domain.FireRecord) error {
	p.ran <- rec
	if p.hold != nil {
		select {
		case <-p.hold:
		case <-ctx.Done():
		}
	}
	return nil
}

func (p *recorder) next(t *testing.T) domain.FireRecord {
	t.Helper()
	select {
	case rec := <-p.ran:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("work did not run")
		return domain.FireRecord{}
	}
}

type events struct {
	mu  sync.Mutex
	got []eventbus.Event
}

func (e *events) add(ev eventbus.Event) {
	e.mu.Lock()
	e.got = append(e.got, ev)
	e.mu.Unlock()
}

func (e *events) has(kind eventbus.Kind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.got {
		if ev.Type == kind {
			return true
		}
	}
	return false
}

type harness struct {
	s     *Scheduler
	st    store.Store
	clock *clockwork.FakeClock
	work  *recorder
	ev    *events
}

func newHarness(t *testing.T, workers int, st store.Store, cals *recurrence.Calendars) *harness {
	t.Helper()
	if cals == nil {
		cals = recurrence.NewCalendars()
	}
	if st == nil {
		st = store.NewMemory(store.Options{Calendars: cals.Lookup})
	}
	h := &harness{st: st, clock: clockwork.NewFakeClockAt(t0), work: newRecorder(), ev: &events{}}
	h.s = New(Config{InstanceID: "node-a", StoreRetryMin: time.Millisecond, StoreRetryMax: 5 * time.Millisecond}, st, Options{
		Log:       logx.Nop(),
		Clock:     h.clock,
		Calendars: cals,
		Dispatch:  dispatch.Config{Workers: workers},
	})
	stop := h.s.Bus().Listen("test", 256, h.ev.add)
	require.NoError(t, h.s.RegisterWork("recorder", h.work, false))
	t.Cleanup(func() {
		stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.s.Shutdown(ctx)
	})
	return h
}

// manual starts the dispatcher without the firing loop so tests drive cycles.
func (h *harness) manual(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.pool.Start(context.Background()))
	h.s.mu.Lock()
	h.s.state = StateStarted
	h.s.mu.Unlock()
}

func (h *harness) cycle(t *testing.T) {
	t.Helper()
	_, err := h.s.cycle(context.Background(), h.clock.Now())
	require.NoError(t, err)
}

func (h *harness) item(t *testing.T, name string, exclusive bool) domain.WorkItem {
	t.Helper()
	w := domain.WorkItem{Key: domain.NewKey(name, "jobs"), Kind: "recorder", Durable: true, DisallowConcurrent: exclusive}
	require.NoError(t, h.s.AddWorkItem(context.Background(), w, false))
	return w
}

func (h *harness) schedule(t *testing.T, tr domain.Trigger) domain.Trigger {
	t.Helper()
	out, err := h.s.ScheduleTrigger(context.Background(), tr, false)
	require.NoError(t, err)
	return out
}

func (h *harness) trigger(t *testing.T, k domain.Key) domain.Trigger {
	t.Helper()
	tr, err := h.st.Trigger(context.Background(), k)
	require.NoError(t, err)
	return tr
}

func (h *harness) waitFired(t *testing.T, k domain.Key, n int) domain.Trigger {
	t.Helper()
	var tr domain.Trigger
	require.Eventually(t, func() bool {
		var err error
		tr, err = h.st.Trigger(context.Background(), k)
		return err == nil && tr.TimesFired == n && !tr.State.Locked()
	}, 2*time.Second, 5*time.Millisecond)
	return tr
}

func fixed(t *testing.T, start time.Time, every time.Duration, repeat int) recurrence.Spec {
	t.Helper()
	f, err := recurrence.NewFixedInterval(start, every, repeat)
	require.NoError(t, err)
	return f
}

func TestFixedIntervalFiresEachInstantThenCompletes(t *testing.T) {
	h := newHarness(t, 2, nil, nil)
	h.manual(t)
	w := h.item(t, "report", false)
	k := domain.NewKey("every-minute", "")
	h.schedule(t, domain.Trigger{Key: k, WorkKey: w.Key, Recurrence: fixed(t, t0, time.Minute, 2)})

	for i := 0; i < 3; i++ {
		h.cycle(t)
		rec := h.work.next(t)
		assert.Equal(t, t0.Add(time.Duration(i)*time.Minute), rec.ScheduledAt)
		if i < 2 {
			tr := h.waitFired(t, k, i+1)
			assert.Equal(t, t0.Add(time.Duration(i+1)*time.Minute), *tr.NextFireAt)
			h.clock.Advance(time.Minute)
		}
	}

	require.Eventually(t, func() bool {
		_, err := h.st.Trigger(context.Background(), k)
		return errors.Is(err, store.ErrNotFound)
	}, 2*time.Second, 5*time.Millisecond, "completed trigger is removed")
	require.Eventually(t, func() bool { return h.ev.has(eventbus.TriggerComplete) }, time.Second, 5*time.Millisecond)

	_, err := h.st.WorkItem(context.Background(), w.Key)
	assert.NoError(t, err, "durable work item outlives its triggers")
}

func TestNothingFiresBeforeItsInstant(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	h.manual(t)
	w := h.item(t, "later", false)
	h.schedule(t, domain.Trigger{Key: domain.NewKey("later", ""), WorkKey: w.Key, Recurrence: recurrence.Once(t0.Add(time.Hour))})

	wait, err := h.s.cycle(context.Background(), h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, wait, "capped by idle wait")
	select {
	case <-h.work.ran:
		t.Fatal("fired early")
	default:
	}
}

func TestHigherPriorityWinsTheLastSlot(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	h.work.hold = make(chan struct{})
	defer close(h.work.hold)
	h.manual(t)
	w := h.item(t, "w", false)
	low := h.schedule(t, domain.Trigger{Key: domain.NewKey("low", ""), WorkKey: w.Key, Recurrence: recurrence.Once(t0), Priority: 5})
	high := h.schedule(t, domain.Trigger{Key: domain.NewKey("high", ""), WorkKey: w.Key, Recurrence: recurrence.Once(t0), Priority: 10})

	h.cycle(t)
	rec := h.work.next(t)
	assert.Equal(t, high.Key, rec.TriggerKey)
	assert.Equal(t, domain.StateWaiting, h.trigger(t, low.Key).State)
	assert.Equal(t, domain.StateFiring, h.trigger(t, high.Key).State)
}

func TestNonConcurrentWorkItemWaitsForRunningFire(t *testing.T) {
	h := newHarness(t, 4, nil, nil)
	h.work.hold = make(chan struct{})
	h.manual(t)
	w := h.item(t, "exclusive", true)
	a := h.schedule(t, domain.Trigger{Key: domain.NewKey("a", ""), WorkKey: w.Key, Recurrence: recurrence.Once(t0), Priority: 7})
	b := h.schedule(t, domain.Trigger{Key: domain.NewKey("b", ""), WorkKey: w.Key, Recurrence: recurrence.Once(t0)})

	h.cycle(t)
	assert.Equal(t, a.Key, h.work.next(t).TriggerKey)
	h.cycle(t)
	select {
	case rec := <-h.work.ran:
		t.Fatalf("%s ran concurrently", rec.TriggerKey)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, domain.StateWaiting, h.trigger(t, b.Key).State)

	close(h.work.hold)
	require.Eventually(t, func() bool {
		_, err := h.st.Trigger(context.Background(), a.Key)
		return errors.Is(err, store.ErrNotFound) && !h.s.pool.Running(w.Key)
	}, 2*time.Second, 5*time.Millisecond)
	h.cycle(t)
	assert.Equal(t, b.Key, h.work.next(t).TriggerKey)
}

func TestDoNothingMisfireSkipsToNextInstant(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	h.manual(t)
	w := h.item(t, "w", false)
	k := domain.NewKey("skipper", "")
	h.schedule(t, domain.Trigger{Key: k, WorkKey: w.Key, Recurrence: fixed(t, t0, time.Minute, recurrence.RepeatForever), Misfire: domain.MisfireDoNothing})

	h.clock.Advance(5*time.Minute + 30*time.Second)
	h.cycle(t)

	tr := h.trigger(t, k)
	assert.Equal(t, domain.StateWaiting, tr.State)
	assert.Equal(t, 0, tr.TimesFired)
	assert.Equal(t, t0.Add(6*time.Minute), *tr.NextFireAt)
	select {
	case <-h.work.ran:
		t.Fatal("misfired trigger executed")
	default:
	}
	require.Eventually(t, func() bool { return h.ev.has(eventbus.TriggerMisfired) }, time.Second, 5*time.Millisecond)
}

func TestLateWithinThresholdFiresNormally(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	h.manual(t)
	w := h.item(t, "w", false)
	k := domain.NewKey("slightly-late", "")
	h.schedule(t, domain.Trigger{Key: k, WorkKey: w.Key, Recurrence: fixed(t, t0, time.Minute, recurrence.RepeatForever), Misfire: domain.MisfireDoNothing})

	h.clock.Advance(30 * time.Second)
	h.cycle(t)
	rec := h.work.next(t)
	assert.False(t, rec.Misfired)
	assert.Equal(t, t0, rec.ScheduledAt)
	tr := h.waitFired(t, k, 1)
	assert.Equal(t, t0.Add(time.Minute), *tr.NextFireAt)
}

func TestVetoCountsAsFire(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	h.manual(t)
	h.s.AddVetoer(func(rec domain.FireRecord) (bool, string) { return true, "maintenance" })
	w := h.item(t, "w", false)
	k := domain.NewKey("vetoed", "")
	h.schedule(t, domain.Trigger{Key: k, WorkKey: w.Key, Recurrence: fixed(t, t0, time.Minute, recurrence.RepeatForever)})

	h.cycle(t)
	tr := h.waitFired(t, k, 1)
	assert.Equal(t, t0.Add(time.Minute), *tr.NextFireAt)
	require.Eventually(t, func() bool { return h.ev.has(eventbus.JobExecutionVetoed) }, time.Second, 5*time.Millisecond)
	assert.False(t, h.ev.has(eventbus.JobWasExecuted))
	select {
	case <-h.work.ran:
		t.Fatal("vetoed work executed")
	default:
	}
}

func TestPausedTriggerIsNotAcquired(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	h.manual(t)
	w := h.item(t, "w", false)
	k := domain.NewKey("paused", "grp")
	h.schedule(t, domain.Trigger{Key: k, WorkKey: w.Key, Recurrence: recurrence.Once(t0)})
	n, err := h.s.PauseGroup(context.Background(), "grp")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.cycle(t)
	assert.Equal(t, domain.StatePaused, h.trigger(t, k).State)

	require.NoError(t, h.s.ResumeTrigger(context.Background(), k))
	h.cycle(t)
	assert.Equal(t, k, h.work.next(t).TriggerKey)
}

func TestTriggerNowFiresOnce(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	h.manual(t)
	w := h.item(t, "adhoc", false)

	tr, err := h.s.TriggerNow(context.Background(), w.Key, domain.DataMap{"who": "ops"})
	require.NoError(t, err)
	assert.Equal(t, ManualGroup, tr.Key.Group)

	h.cycle(t)
	rec := h.work.next(t)
	assert.Equal(t, "ops", rec.Data["who"])
	require.Eventually(t, func() bool {
		_, err := h.st.Trigger(context.Background(), tr.Key)
		return errors.Is(err, store.ErrNotFound)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnknownWorkKindFailsTheFire(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	h.manual(t)
	w := h.item(t, "w", false)
	k := domain.NewKey("orphan", "")
	h.schedule(t, domain.Trigger{Key: k, WorkKey: w.Key, Recurrence: fixed(t, t0, time.Minute, recurrence.RepeatForever)})
	h.s.works.mu.Lock()
	delete(h.s.works.works, "recorder")
	h.s.works.mu.Unlock()

	h.cycle(t)
	h.waitFired(t, k, 1)
	require.Eventually(t, func() bool { return h.ev.has(eventbus.JobWasExecuted) }, time.Second, 5*time.Millisecond)
	h.ev.mu.Lock()
	defer h.ev.mu.Unlock()
	for _, ev := range h.ev.got {
		if ev.Type == eventbus.JobWasExecuted {
			require.NotNil(t, ev.Completion)
			assert.Equal(t, domain.CompletionFailed, ev.Completion.Status)
			assert.ErrorIs(t, ev.Err, ErrUnknownWorkKind)
		}
	}
}

func TestScheduleValidation(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	w := h.item(t, "w", false)
	ctx := context.Background()

	_, err := h.s.ScheduleTrigger(ctx, domain.Trigger{
		Key: domain.NewKey("cron", ""), WorkKey: w.Key, StartAt: t0,
		Recurrence: recurrence.MustParse("cron:0 0 * * * ?"),
		Misfire:    domain.MisfireRescheduleNowWithExistingCount,
	}, false)
	assert.ErrorIs(t, err, ErrIllegalMisfire)

	_, err = h.s.ScheduleTrigger(ctx, domain.Trigger{
		Key: domain.NewKey("cal", ""), WorkKey: w.Key, Recurrence: recurrence.Once(t0), Calendar: "holidays",
	}, false)
	assert.ErrorIs(t, err, recurrence.ErrCalendarNotFound)
	assert.True(t, IsNotFound(err))

	err = h.s.AddWorkItem(ctx, domain.WorkItem{Key: domain.NewKey("x", ""), Kind: "nope"}, false)
	assert.ErrorIs(t, err, ErrUnknownWorkKind)

	assert.ErrorIs(t, h.s.RegisterWork("recorder", h.work, false), ErrWorkKindExists)
}

func TestScheduleRejectsRecurrenceThatNeverFires(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	ctx := context.Background()
	w := h.item(t, "w", false)

	_, err := recurrence.Parse("0 0 0 31 4,6 ?")
	require.ErrorIs(t, err, recurrence.ErrInvalidExpression)

	// Parses, but its only year is behind the start.
	past, err := recurrence.Parse("0 0 0 1 1 ? 2020")
	require.NoError(t, err)
	key := domain.NewKey("past", "")
	_, err = h.s.ScheduleTrigger(ctx, domain.Trigger{Key: key, WorkKey: w.Key, Recurrence: past, StartAt: t0}, false)
	assert.ErrorIs(t, err, store.ErrWillNeverFire)
	_, err = h.s.Trigger(ctx, key)
	assert.True(t, IsNotFound(err))
}

func TestCalendarInUseCannotBeRemoved(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	ctx := context.Background()
	require.NoError(t, h.s.AddCalendar("weekends", recurrence.NewWeeklyCalendar(time.UTC, time.Saturday, time.Sunday), false))
	w := h.item(t, "w", false)
	k := domain.NewKey("weekday", "")
	tr := h.schedule(t, domain.Trigger{Key: k, WorkKey: w.Key, Recurrence: fixed(t, t0, 24*time.Hour, recurrence.RepeatForever), Calendar: "weekends"})
	assert.Equal(t, time.Friday, tr.NextFireAt.Weekday())

	assert.ErrorIs(t, h.s.RemoveCalendar(ctx, "weekends"), ErrCalendarInUse)
	require.NoError(t, h.s.Unschedule(ctx, k))
	assert.NoError(t, h.s.RemoveCalendar(ctx, "weekends"))
	assert.ErrorIs(t, h.s.RemoveCalendar(ctx, "weekends"), recurrence.ErrCalendarNotFound)
}

func TestShutdownIsTerminal(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))
	assert.Equal(t, StateStarted, h.s.State())

	require.NoError(t, h.s.Standby())
	assert.Equal(t, StateStandby, h.s.State())
	require.NoError(t, h.s.Start(ctx))
	assert.Equal(t, StateStarted, h.s.State())

	require.NoError(t, h.s.Shutdown(ctx))
	assert.Equal(t, StateShutdown, h.s.State())
	assert.ErrorIs(t, h.s.Start(ctx), ErrShutdown)
	assert.ErrorIs(t, h.s.Standby(), ErrShutdown)
	_, err := h.s.TriggerNow(ctx, domain.NewKey("w", "jobs"), nil)
	assert.ErrorIs(t, err, ErrShutdown)
	require.Eventually(t, func() bool { return h.ev.has(eventbus.Shutdown) }, time.Second, 5*time.Millisecond)
}

func TestStandbyStopsAcquisition(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	h.manual(t)
	w := h.item(t, "w", false)
	k := domain.NewKey("held", "")
	h.schedule(t, domain.Trigger{Key: k, WorkKey: w.Key, Recurrence: recurrence.Once(t0)})
	require.NoError(t, h.s.Standby())

	h.cycle(t)
	assert.Equal(t, domain.StateWaiting, h.trigger(t, k).State)
}

func TestStartReleasesOwnLeftoverLocks(t *testing.T) {
	cals := recurrence.NewCalendars()
	st := store.NewMemory(store.Options{Calendars: cals.Lookup})
	h := newHarness(t, 1, st, cals)
	w := h.item(t, "w", false)
	k := domain.NewKey("stuck", "")
	h.schedule(t, domain.Trigger{Key: k, WorkKey: w.Key, Recurrence: recurrence.Once(t0.Add(30 * time.Minute))})

	ctx := context.Background()
	acq, err := st.AcquireDue(ctx, store.AcquireRequest{Now: t0, Window: time.Hour, Max: 1, Owner: "node-a"})
	require.NoError(t, err)
	require.Len(t, acq, 1)

	require.NoError(t, h.s.Start(ctx))
	tr := h.trigger(t, k)
	assert.Equal(t, domain.StateWaiting, tr.State)
	assert.False(t, tr.Lock.Held())
}

// faultyStore fails acquisitions with a fixed error.
type faultyStore struct {
	store.Store
	err error
}

func (f *faultyStore) AcquireDue(context.Context, store.AcquireRequest) ([]store.Acquired, error) {
	return nil, f.err
}

func TestCorruptStoreStopsTheEngine(t *testing.T) {
	h := newHarness(t, 1, &faultyStore{Store: store.NewMemory(store.Options{}), err: store.ErrCorrupt}, nil)
	require.NoError(t, h.s.Start(context.Background()))

	require.Eventually(t, func() bool { return h.s.State() == StateShutdown }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.ev.has(eventbus.SchedulingError) }, time.Second, 5*time.Millisecond)
}

func TestUnavailableStoreBacksOff(t *testing.T) {
	h := newHarness(t, 1, &faultyStore{Store: store.NewMemory(store.Options{}), err: store.ErrUnavailable}, nil)
	require.NoError(t, h.s.Start(context.Background()))

	require.Eventually(t, func() bool { return h.s.Snapshot().StoreErrors >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStarted, h.s.State(), "transient failures do not stop the engine")
}

// flakyStore fails commits while down and counts releases per trigger.
type flakyStore struct {
	store.Store
	down atomic.Bool

	mu        sync.Mutex
	released  map[domain.Key]int
	conflicts int
}

func (f *flakyStore) CommitFired(ctx context.Context, key domain.Key, fireID string, c store.Commit) (domain.Trigger, error) {
	if f.down.Load() {
		return domain.Trigger{}, store.ErrUnavailable
	}
	return f.Store.CommitFired(ctx, key, fireID, c)
}

func (f *flakyStore) Release(ctx context.Context, key domain.Key, fireID string) error {
	err := f.Store.Release(ctx, key, fireID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released == nil {
		f.released = map[domain.Key]int{}
	}
	f.released[key]++
	if errors.Is(err, store.ErrConflict) {
		f.conflicts++
	}
	return err
}

func TestCommitOutageIsReplayedWhenStoreRecovers(t *testing.T) {
	cals := recurrence.NewCalendars()
	st := &flakyStore{Store: store.NewMemory(store.Options{Calendars: cals.Lookup})}
	h := newHarness(t, 1, st, cals)
	h.manual(t)
	w := h.item(t, "w", false)
	k := domain.NewKey("every-minute", "")
	h.schedule(t, domain.Trigger{Key: k, WorkKey: w.Key, Recurrence: fixed(t, t0, time.Minute, recurrence.RepeatForever)})

	st.down.Store(true)
	h.cycle(t)
	h.work.next(t)
	// Let the commit retry window run out on the fake clock.
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Millisecond)
		return h.s.Snapshot().Owed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StateFiring, h.trigger(t, k).State)
	assert.True(t, h.ev.has(eventbus.SchedulingError))

	_, err := h.s.cycle(context.Background(), h.clock.Now())
	assert.ErrorIs(t, err, store.ErrUnavailable, "loop backs off while the outcome is owed")

	st.down.Store(false)
	h.cycle(t)
	tr := h.trigger(t, k)
	assert.Equal(t, domain.StateWaiting, tr.State)
	assert.Equal(t, 1, tr.TimesFired)
	assert.False(t, tr.Lock.Held())
	assert.Equal(t, t0.Add(time.Minute), *tr.NextFireAt)
	assert.Zero(t, h.s.Snapshot().Owed)

	h.clock.Advance(time.Minute)
	h.cycle(t)
	assert.Equal(t, t0.Add(time.Minute), h.work.next(t).ScheduledAt)
	h.waitFired(t, k, 2)
}

func TestStoppedBatchReleasesEachTriggerOnce(t *testing.T) {
	cals := recurrence.NewCalendars()
	st := &flakyStore{Store: store.NewMemory(store.Options{Calendars: cals.Lookup})}
	h := newHarness(t, 2, st, cals)
	w := h.item(t, "w", false)
	a := h.schedule(t, domain.Trigger{Key: domain.NewKey("a", ""), WorkKey: w.Key, Recurrence: recurrence.Once(t0), Priority: 9})
	b := h.schedule(t, domain.Trigger{Key: domain.NewKey("b", ""), WorkKey: w.Key, Recurrence: recurrence.Once(t0)})
	// Started without a dispatcher, so the first submit fails.
	h.s.mu.Lock()
	h.s.state = StateStarted
	h.s.mu.Unlock()

	batch, err := st.AcquireDue(context.Background(), store.AcquireRequest{Now: t0, Max: 2, Owner: "node-a"})
	require.NoError(t, err)
	require.Len(t, batch, 2)

	assert.False(t, h.s.fireBatch(context.Background(), batch))
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, map[domain.Key]int{a.Key: 1, b.Key: 1}, st.released)
	assert.Zero(t, st.conflicts)
	assert.Equal(t, domain.StateWaiting, h.trigger(t, a.Key).State)
	assert.Equal(t, domain.StateWaiting, h.trigger(t, b.Key).State)
}

func TestNextBackoffStaysWithinBounds(t *testing.T) {
	lo, hi := 100*time.Millisecond, time.Second
	d := time.Duration(0)
	for i := 0; i < 10; i++ {
		d = nextBackoff(d, lo, hi)
		assert.GreaterOrEqual(t, d, lo-lo/10)
		assert.LessOrEqual(t, d, hi+hi/10)
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, 3, nil, nil)
	snap := h.s.Snapshot()
	assert.Equal(t, "created", snap.State)
	assert.Equal(t, "node-a", snap.InstanceID)
	assert.Equal(t, []string{"recorder"}, snap.WorkKinds)
	assert.Equal(t, 3, snap.Dispatcher.Workers)
}
