package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/eventbus"
	"cronkeeper/internal/store"
	"cronkeeper/internal/task/dispatch"
	logx "cronkeeper/pkg/logx"
)

// minWait keeps the loop from spinning when the store reports a due trigger
// it could not hand out (for example one whose work item is missing).
const minWait = 50 * time.Millisecond

// loop is the firing loop. It returns nil on cancellation and an error only
// for failures that make further firing unsafe.
func (s *Scheduler) loop(ctx context.Context) error {
	backoff := time.Duration(0)
	for {
		wait, err := s.cycle(ctx, s.clock.Now())
		switch {
		case err == nil:
			backoff = 0
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, store.ErrCorrupt), errors.Is(err, store.ErrClosed):
			return fmt.Errorf("firing loop: %w", err)
		default:
			s.storeErrors.Add(1)
			cfg := s.config()
			backoff = nextBackoff(backoff, cfg.StoreRetryMin, cfg.StoreRetryMax)
			wait = backoff
			if s.throttle.Allow("store") {
				s.log.Warn("store unavailable, backing off", logx.Err(err), logx.Duration("retry_in", wait))
			}
		}

		if !s.sleep(ctx, wait) {
			return nil
		}
	}
}

func nextBackoff(cur, lo, hi time.Duration) time.Duration {
	if cur <= 0 {
		cur = lo
	} else {
		cur *= 2
	}
	if cur > hi {
		cur = hi
	}
	// ±10% so several instances do not retry in lockstep.
	jitter := time.Duration(rand.Int64N(int64(cur)/5+1)) - cur/10
	return cur + jitter
}

// sleep waits d or until signaled. It reports false when ctx ended.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		return true
	case <-t.Chan():
		return true
	}
}

// cycle runs one acquire-and-fire pass and returns how long to wait before
// the next one.
func (s *Scheduler) cycle(ctx context.Context, now time.Time) (time.Duration, error) {
	s.cycles.Add(1)
	s.lastCycle.Store(now.UnixNano())
	if err := s.settleOwed(ctx); err != nil {
		return 0, err
	}
	cfg := s.config()
	if s.State() != StateStarted {
		return cfg.IdleWait, nil
	}
	free := s.pool.Free()
	if free == 0 {
		// A completion signals the loop.
		return cfg.IdleWait, nil
	}
	max := free
	if cfg.BatchSize > 0 && cfg.BatchSize < max {
		max = cfg.BatchSize
	}

	exclude := s.pool.RunningExclusive()
	batch, err := s.store.AcquireDue(ctx, store.AcquireRequest{
		Now:         now,
		Window:      cfg.Lookahead,
		Max:         max,
		Owner:       cfg.InstanceID,
		ExcludeWork: exclude,
	})
	if err != nil {
		return 0, err
	}

	if !s.fireBatch(ctx, batch) {
		return 0, nil
	}
	if len(batch) == max {
		return 0, nil
	}

	next, ok, err := s.store.NextFireTime(ctx, s.pool.RunningExclusive())
	if err != nil {
		return 0, err
	}
	if !ok {
		return cfg.IdleWait, nil
	}
	wait := next.Sub(s.clock.Now()) - cfg.Lookahead
	if wait > cfg.IdleWait {
		wait = cfg.IdleWait
	}
	if wait <= 0 && len(batch) == 0 {
		wait = minWait
	}
	return wait, nil
}

// fireBatch hands an acquired batch to the dispatcher in order. It reports
// false when it stopped early; every trigger it did not fire is released.
func (s *Scheduler) fireBatch(ctx context.Context, batch []store.Acquired) bool {
	for i, a := range batch {
		if !s.waitUntil(ctx, a.Trigger) {
			s.releaseAll(batch[i:])
			return false
		}
		if !s.fire(ctx, a) {
			// fire already gave back batch[i].
			s.releaseAll(batch[i+1:])
			return false
		}
	}
	return true
}

// waitUntil holds a trigger acquired ahead of time until its instant. It
// reports false when the engine stopped firing meanwhile.
func (s *Scheduler) waitUntil(ctx context.Context, t domain.Trigger) bool {
	if t.NextFireAt == nil {
		return true
	}
	d := t.NextFireAt.Sub(s.clock.Now())
	if d > 0 {
		timer := s.clock.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.Chan():
		}
	}
	return ctx.Err() == nil && s.State() == StateStarted
}

func (s *Scheduler) releaseAll(batch []store.Acquired) {
	for _, a := range batch {
		s.release(context.Background(), s.record(a), nil)
	}
}

func (s *Scheduler) record(a store.Acquired) domain.FireRecord {
	t := a.Trigger
	rec := domain.FireRecord{
		ID:         t.Lock.FireID,
		TriggerKey: t.Key,
		WorkKey:    a.Work.Key,
		WorkKind:   a.Work.Kind,
		Data:       a.Work.Data.Merge(t.Data),
		Priority:   t.Priority,
		Exclusive:  a.Work.DisallowConcurrent,
	}
	if t.NextFireAt != nil {
		rec.ScheduledAt = *t.NextFireAt
	}
	return rec
}

// fire applies the misfire policy and hands the trigger to the dispatcher.
// It reports false when the dispatcher had no room, in which case the caller
// gives back the rest of the batch.
func (s *Scheduler) fire(ctx context.Context, a store.Acquired) bool {
	t := a.Trigger
	rec := s.record(a)
	now := s.clock.Now()
	log := s.log.With(logx.String("trigger", t.Key.String()), logx.String("fire_id", rec.ID))

	r := s.resolver()
	if r.Misfired(&t, now) {
		res := r.Resolve(&t, now, s.cals.Lookup(t.Calendar))
		rec.Misfired = true
		rec.Plan = res.Plan
		log.Info("trigger misfired",
			logx.Duration("late", t.Lateness(now)),
			logx.Stringer("instruction", res.Instruction),
			logx.Stringer("decision", res.Decision))
		s.publish(eventbus.Event{Type: eventbus.TriggerMisfired, Trigger: t.Key, Record: &rec})
		if !res.Decision.Fires() {
			s.commit(ctx, domain.Completion{Record: rec, Status: domain.CompletionSkipped, FinishedAt: now})
			return true
		}
	}

	work := s.works.get(rec.WorkKind)
	if work == nil {
		kind := rec.WorkKind
		work = dispatch.WorkFunc(func(context.Context, domain.FireRecord) error {
			return fmt.Errorf("%w: %q", ErrUnknownWorkKind, kind)
		})
	}

	s.track(rec)
	err := s.pool.Submit(dispatch.Job{Record: rec, Work: work})
	switch {
	case err == nil:
		return true
	case errors.Is(err, dispatch.ErrExclusiveBusy):
		log.Debug("deferred", logx.Err(ErrConcurrencyViolation))
		s.untrack(rec.ID)
		s.release(ctx, rec, ErrConcurrencyViolation)
		return true
	default:
		s.untrack(rec.ID)
		s.release(ctx, rec, err)
		return false
	}
}

// release gives an acquired trigger back without firing it.
func (s *Scheduler) release(ctx context.Context, rec domain.FireRecord, cause error) {
	err := s.retry(ctx, func(ctx context.Context) error {
		return s.store.Release(ctx, rec.TriggerKey, rec.ID)
	})
	s.released(rec, cause, err)
}

func (s *Scheduler) released(rec domain.FireRecord, cause, err error) {
	switch {
	case err == nil:
		s.log.Debug("released trigger", logx.String("trigger", rec.TriggerKey.String()), logx.Err(cause))
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
		// Removed, or already released by someone else.
	case store.IsRetryable(err):
		s.owe(owed{rec: rec, release: true})
		s.log.Warn("release deferred until the store recovers", logx.String("trigger", rec.TriggerKey.String()), logx.Err(err))
	default:
		s.log.Warn("release failed", logx.String("trigger", rec.TriggerKey.String()), logx.Err(err))
	}
}

func (s *Scheduler) onStart(ctx context.Context, rec domain.FireRecord) error {
	if err := s.store.MarkFiring(ctx, rec.TriggerKey, rec.ID); err != nil {
		return err
	}
	s.markStarted(rec.ID)
	s.publish(eventbus.Event{Type: eventbus.TriggerFired, Trigger: rec.TriggerKey, Record: &rec})
	return nil
}

func (s *Scheduler) onExecuting(rec domain.FireRecord) {
	s.publish(eventbus.Event{Type: eventbus.JobToBeExecuted, Trigger: rec.TriggerKey, Record: &rec})
}

func (s *Scheduler) onComplete(c domain.Completion) {
	rec := c.Record
	s.untrack(rec.ID)
	defer s.signal()

	if c.Status == domain.CompletionSkipped {
		// Abandoned before execution; the instant is still owed.
		if !errors.Is(c.Err, store.ErrConflict) && !errors.Is(c.Err, store.ErrNotFound) {
			s.release(context.Background(), rec, c.Err)
		}
		return
	}

	kind := eventbus.JobWasExecuted
	if c.Status == domain.CompletionVetoed {
		kind = eventbus.JobExecutionVetoed
	}
	s.publish(eventbus.Event{Type: kind, Trigger: rec.TriggerKey, Record: &rec, Completion: &c, Err: c.Err})
	s.commit(context.Background(), c)
}

// commit records the fire outcome in the store, retrying transient failures.
// An outcome the store still refuses after the retry window is owed and
// replayed by the loop.
func (s *Scheduler) commit(ctx context.Context, c domain.Completion) {
	var t domain.Trigger
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		t, err = s.commitFired(ctx, c)
		return err
	})
	s.committed(ctx, c, t, err)
}

func (s *Scheduler) commitFired(ctx context.Context, c domain.Completion) (domain.Trigger, error) {
	rec := c.Record
	return s.store.CommitFired(ctx, rec.TriggerKey, rec.ID, store.Commit{
		Status:      c.Status,
		ScheduledAt: rec.ScheduledAt,
		FiredAt:     rec.FiredAt,
		Plan:        rec.Plan,
	})
}

func (s *Scheduler) committed(ctx context.Context, c domain.Completion, t domain.Trigger, err error) {
	rec := c.Record
	log := s.log.With(logx.String("trigger", rec.TriggerKey.String()))
	switch {
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
		log.Debug("fire outcome discarded", logx.Err(err))
		return
	case store.IsRetryable(err):
		s.owe(owed{rec: rec, completion: c})
		log.Warn("commit deferred until the store recovers", logx.Err(err))
		s.publish(eventbus.Event{Type: eventbus.SchedulingError, Trigger: rec.TriggerKey, Record: &rec, Err: err})
		return
	case err != nil:
		log.Error("commit failed", logx.Err(err))
		s.publish(eventbus.Event{Type: eventbus.SchedulingError, Trigger: rec.TriggerKey, Record: &rec, Err: err})
		if errors.Is(err, store.ErrCorrupt) || errors.Is(err, store.ErrClosed) {
			s.fatal(err)
		}
		return
	}

	if t.State != domain.StateComplete {
		return
	}
	s.publish(eventbus.Event{Type: eventbus.TriggerComplete, Trigger: t.Key, Record: &rec})
	if err := s.store.RemoveTrigger(ctx, t.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn("remove completed trigger", logx.Err(err))
	}
}

// owed is a commit or release the store refused for longer than the retry
// window. The trigger stays locked by this instance until it lands.
type owed struct {
	rec        domain.FireRecord
	completion domain.Completion
	release    bool
}

func (s *Scheduler) owe(o owed) {
	s.fmu.Lock()
	s.owed = append(s.owed, o)
	s.fmu.Unlock()
	s.signal()
}

// settleOwed replays owed writes in order, one attempt each. It stops at the
// first retryable failure and returns it so the loop backs off before
// acquiring more work.
func (s *Scheduler) settleOwed(ctx context.Context) error {
	s.fmu.Lock()
	pending := s.owed
	s.owed = nil
	s.fmu.Unlock()

	for i, o := range pending {
		var (
			t   domain.Trigger
			err error
		)
		if o.release {
			err = s.store.Release(ctx, o.rec.TriggerKey, o.rec.ID)
		} else {
			t, err = s.commitFired(ctx, o.completion)
		}
		if store.IsRetryable(err) || (err != nil && ctx.Err() != nil) {
			s.fmu.Lock()
			s.owed = append(pending[i:len(pending):len(pending)], s.owed...)
			s.fmu.Unlock()
			return err
		}
		if o.release {
			s.released(o.rec, nil, err)
		} else {
			s.committed(ctx, o.completion, t, err)
		}
	}
	return nil
}

// retry runs fn until it succeeds, fails permanently or the retry window of
// the store configuration is spent.
func (s *Scheduler) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	cfg := s.config()
	deadline := s.clock.Now().Add(cfg.StoreRetryMax)
	wait := time.Duration(0)
	for {
		err := fn(ctx)
		if err == nil || !store.IsRetryable(err) {
			return err
		}
		wait = nextBackoff(wait, cfg.StoreRetryMin, cfg.StoreRetryMax)
		if s.clock.Now().Add(wait).After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-s.clock.After(wait):
		}
	}
}

// reap releases locks held longer than the lease by any instance.
func (s *Scheduler) reap(ctx context.Context, lease time.Duration) error {
	tick := s.clock.NewTicker(lease / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.Chan():
		}
		n, err := s.store.ReleaseStale(ctx, "", s.clock.Now().Add(-lease))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n > 0 {
			s.log.Warn("released expired locks", logx.Int("count", n), logx.Duration("lease", lease))
		}
	}
}
