package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/eventbus"
	"cronkeeper/internal/misfire"
	"cronkeeper/internal/recurrence"
	"cronkeeper/internal/runtime/supervisor"
	"cronkeeper/internal/store"
	"cronkeeper/internal/task/dispatch"
	logx "cronkeeper/pkg/logx"
)

// Options carry the collaborators of a Scheduler. Zero values get working defaults.
type Options struct {
	Log   logx.Logger
	Bus   eventbus.Bus
	Clock clockwork.Clock
	// Calendars must be the registry the store resolves calendar names with.
	Calendars *recurrence.Calendars
	Dispatch  dispatch.Config
}

type Scheduler struct {
	store store.Store
	pool  *dispatch.Pool
	bus   eventbus.Bus
	cals  *recurrence.Calendars
	clock clockwork.Clock
	log   logx.Logger
	works registry

	mu    sync.Mutex
	cfg   Config
	state State
	sup   *supervisor.Supervisor

	wake chan struct{}

	fmu      sync.Mutex
	inflight map[string]*inflight
	owed     []owed

	cycles      atomic.Uint64
	storeErrors atomic.Uint64
	lastCycle   atomic.Int64
	fatalOnce   sync.Once
	throttle    *logx.Throttle
}

type inflight struct {
	rec     domain.FireRecord
	started bool
}

func New(cfg Config, st store.Store, opts Options) *Scheduler {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(log)
	}
	if opts.Calendars == nil {
		opts.Calendars = recurrence.NewCalendars()
	}
	s := &Scheduler{
		store:    st,
		bus:      opts.Bus,
		cals:     opts.Calendars,
		clock:    opts.Clock,
		log:      log.With(logx.String("comp", "scheduler")),
		cfg:      cfg.withDefaults(),
		wake:     make(chan struct{}, 1),
		inflight: map[string]*inflight{},
		throttle: logx.NewThrottle(10*time.Second, 1),
	}
	s.pool = dispatch.New(opts.Dispatch, dispatch.Hooks{
		Start:     s.onStart,
		Executing: s.onExecuting,
		Complete:  s.onComplete,
	}, opts.Clock, log)
	return s
}

func (s *Scheduler) Bus() eventbus.Bus              { return s.bus }
func (s *Scheduler) Calendars() *recurrence.Calendars { return s.cals }
func (s *Scheduler) Clock() clockwork.Clock           { return s.clock }

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply updates the settings that can change at runtime: idle wait, misfire
// threshold and batch size. Other fields need a restart.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg.IdleWait = cfg.IdleWait
	s.cfg.MisfireThreshold = cfg.MisfireThreshold
	s.cfg.BatchSize = cfg.BatchSize
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins firing. From standby it resumes; after Shutdown it fails.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateShutdown:
		return ErrShutdown
	case StateStarted:
		return nil
	case StateStandby:
		s.state = StateStarted
		s.log.Info("resumed from standby")
		s.publish(eventbus.Event{Type: eventbus.Started})
		s.signal()
		return nil
	}

	if err := s.pool.Start(ctx); err != nil {
		return err
	}
	// Locks this instance held when it last stopped can never be committed.
	n, err := s.store.ReleaseStale(ctx, s.cfg.InstanceID, s.clock.Now().Add(time.Nanosecond))
	if err != nil {
		return fmt.Errorf("recover locks: %w", err)
	}
	if n > 0 {
		s.log.Warn("released locks left by a previous run", logx.Int("count", n))
	}

	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithPanicHook(func(name string, p any) {
			s.fatal(fmt.Errorf("panic in %s: %v", name, p))
		}),
	)
	s.sup.Go("firing-loop", func(ctx context.Context) error {
		if err := s.loop(ctx); err != nil {
			s.fatal(err)
			return err
		}
		return nil
	})
	if lease := s.cfg.LockLease; lease > 0 {
		s.sup.GoRestart("lock-reaper", func(ctx context.Context) error { return s.reap(ctx, lease) },
			supervisor.WithRestartBackoff(s.cfg.StoreRetryMin, s.cfg.StoreRetryMax))
	}

	s.state = StateStarted
	s.log.Info("scheduler started",
		logx.String("instance", s.cfg.InstanceID),
		logx.Int("workers", s.pool.Workers()),
		logx.Duration("idle_wait", s.cfg.IdleWait),
		logx.Duration("misfire_threshold", s.cfg.MisfireThreshold))
	s.publish(eventbus.Event{Type: eventbus.Started})
	s.signal()
	return nil
}

// Standby pauses firing without stopping in-flight work. Start resumes.
func (s *Scheduler) Standby() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateShutdown:
		return ErrShutdown
	case StateCreated:
		return ErrNotStarted
	case StateStarted:
		s.state = StateStandby
		s.log.Info("standby")
		s.publish(eventbus.Event{Type: eventbus.Standby})
	}
	return nil
}

// Shutdown stops the loop, drains in-flight fires for at most the configured
// grace period and force-releases fires that never started. It is terminal.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return nil
	}
	s.state = StateShutdown
	sup := s.sup
	grace := s.cfg.ShutdownGrace
	s.mu.Unlock()

	start := s.clock.Now()
	s.log.Info("shutdown requested")
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
			s.log.Warn("firing loop did not stop in time", logx.Err(err))
		}
	}

	dctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	err := s.pool.Stop(dctx)
	if err != nil {
		s.forceRelease()
		err = fmt.Errorf("drain: %w", err)
	}
	if oerr := s.settleOwed(ctx); oerr != nil {
		s.log.Warn("store writes still owed, locks are recovered at next start", logx.Err(oerr))
	}

	s.publish(eventbus.Event{Type: eventbus.Shutdown})
	s.log.Info("scheduler shut down", logx.Duration("took", s.clock.Since(start)))
	return err
}

// fatal stops the engine after an unrecoverable failure of the loop itself.
func (s *Scheduler) fatal(err error) {
	s.fatalOnce.Do(func() {
		s.log.Error("scheduler stopping on fatal error", logx.Err(err))
		s.publish(eventbus.Event{Type: eventbus.SchedulingError, Err: err})
		go func() {
			if serr := s.Shutdown(context.Background()); serr != nil {
				s.log.Warn("shutdown after fatal error", logx.Err(serr))
			}
		}()
	})
}

// forceRelease returns fires that were accepted but never started to the store.
func (s *Scheduler) forceRelease() {
	s.fmu.Lock()
	var pending []domain.FireRecord
	for _, f := range s.inflight {
		if !f.started {
			pending = append(pending, f.rec)
		}
	}
	s.fmu.Unlock()
	for _, rec := range pending {
		s.release(context.Background(), rec, dispatch.ErrStopped)
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(e eventbus.Event) {
	if e.Time.IsZero() {
		e.Time = s.clock.Now()
	}
	s.bus.Publish(e)
}

func (s *Scheduler) resolver() misfire.Resolver {
	return misfire.New(s.config().MisfireThreshold)
}

func (s *Scheduler) track(rec domain.FireRecord) {
	s.fmu.Lock()
	s.inflight[rec.ID] = &inflight{rec: rec}
	s.fmu.Unlock()
}

func (s *Scheduler) untrack(id string) {
	s.fmu.Lock()
	delete(s.inflight, id)
	s.fmu.Unlock()
}

func (s *Scheduler) markStarted(id string) {
	s.fmu.Lock()
	if f := s.inflight[id]; f != nil {
		f.started = true
	}
	s.fmu.Unlock()
}

// AddVetoer registers a veto hook consulted right before each execution.
func (s *Scheduler) AddVetoer(v dispatch.Vetoer) { s.pool.AddVetoer(v) }

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{State: s.state.String(), InstanceID: s.cfg.InstanceID}
	sup := s.sup
	s.mu.Unlock()

	s.fmu.Lock()
	snap.InFlight = len(s.inflight)
	snap.Owed = len(s.owed)
	s.fmu.Unlock()

	snap.Cycles = s.cycles.Load()
	snap.StoreErrors = s.storeErrors.Load()
	if n := s.lastCycle.Load(); n != 0 {
		snap.LastCycle = time.Unix(0, n).UTC()
	}
	snap.WorkKinds = s.works.kinds()
	snap.Calendars = s.cals.Names()
	snap.Dispatcher = s.pool.Snapshot()
	snap.Supervisor = sup.Snapshot()
	sort.Strings(snap.WorkKinds)
	return snap
}
