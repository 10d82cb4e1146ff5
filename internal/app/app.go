package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"cronkeeper/internal/adminapi"
	"cronkeeper/internal/config"
	"cronkeeper/internal/eventbus"
	"cronkeeper/internal/journal"
	"cronkeeper/internal/metrics"
	"cronkeeper/internal/recurrence"
	"cronkeeper/internal/runtime/supervisor"
	"cronkeeper/internal/storage"
	"cronkeeper/internal/store"
	"cronkeeper/internal/task/scheduler"
	"cronkeeper/internal/work"
	logx "cronkeeper/pkg/logx"
)

// ErrEngineHalted is reported when the scheduler shut itself down.
var ErrEngineHalted = errors.New("scheduler halted")

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store store.Store
	sched *scheduler.Scheduler
	works io.Closer
	grace time.Duration

	reg     *prometheus.Registry
	metrics *metrics.Collector
	journal *journal.Journal
	admin   *adminapi.Server

	unsubs   []func()
	stopping atomic.Bool

	declMu sync.Mutex
	decl   declared
}

// New loads the config file and builds every component without starting any.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.NewService(mapLogging(cfg))
	a := &App{cfgm: cfgm, logs: logs, log: log.With(logx.String("comp", "app")), decl: newDeclared()}
	if err := a.build(ctx, cfg, log); err != nil {
		_ = a.closeStore()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	cals := recurrence.NewCalendars()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, sc, store.Options{
		Calendars: cals.Lookup,
		Log:       log.With(logx.String("comp", "store")),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.log.Info("store opened", logx.String("driver", sc.Driver), logx.Bool("durable", sc.Durable()))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.grace = schedCfg.ShutdownGrace
	if a.grace <= 0 {
		a.grace = 30 * time.Second
	}

	a.bus = eventbus.New(log.With(logx.String("comp", "eventbus")))
	a.sched = scheduler.New(schedCfg, st, scheduler.Options{
		Log:       log.With(logx.String("comp", "scheduler")),
		Bus:       a.bus,
		Calendars: cals,
		Dispatch:  dispCfg,
	})
	if a.works, err = work.RegisterBuiltins(a.sched, log.With(logx.String("comp", "work"))); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		a.reg = prometheus.NewRegistry()
		a.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.New(a.reg, cfg.Metrics.Namespace, log)
		a.metrics.WatchEngine(a.sched)
	}

	if jc, ok := mapJournalConfig(cfg); ok {
		sink, err := journal.Open(ctx, jc, log)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		a.journal = journal.New(sink, log)
		a.log.Info("execution journal enabled", logx.String("driver", jc.Driver))
	}

	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return err
	}
	var gatherer prometheus.Gatherer
	if a.reg != nil {
		gatherer = a.reg
	}
	a.admin = adminapi.New(adminCfg, a.sched, gatherer, log)
	return nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return a.checkKinds(cfg)
	})
	cfg := a.cfgm.Get()
	if err := a.checkKinds(cfg); err != nil {
		return err
	}

	if a.metrics != nil {
		a.unsubs = append(a.unsubs, a.metrics.Observe(a.bus))
	}
	if a.journal != nil {
		a.unsubs = append(a.unsubs, a.journal.Observe(a.bus))
	}
	// Keep this debug-level to avoid noise for frequent triggers.
	a.unsubs = append(a.unsubs, a.bus.Listen("log", 256, func(e eventbus.Event) {
		a.log.Debug("event", logx.String("event", e.String()), logx.Err(e.Err))
	}))

	a.declMu.Lock()
	decl, err := applyDeclared(ctx, a.sched, cfg, a.decl, a.sched.Clock().Now(), a.log)
	a.decl = decl
	a.declMu.Unlock()
	if err != nil {
		return fmt.Errorf("apply jobs: %w", err)
	}

	halted, unsub := a.bus.Subscribe(8)
	a.unsubs = append(a.unsubs, unsub)

	// In-flight work must outlive the app context so Shutdown can drain it.
	if err := a.sched.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	a.admin.Start(a.sup.Context())

	a.sup.Go("engine.watch", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-halted:
				if !ok {
					return nil
				}
				if e.Type == eventbus.Shutdown && !a.stopping.Load() {
					return ErrEngineHalted
				}
			}
		}
	})
	a.sup.Go("config.reload", func(c context.Context) error {
		a.reloadLoop(c)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// checkKinds rejects jobs whose kind has no registered work.
func (a *App) checkKinds(cfg *config.Config) error {
	known := map[string]bool{}
	for _, k := range a.sched.Snapshot().WorkKinds {
		known[k] = true
	}
	var errs []error
	for i, j := range cfg.Jobs {
		if kind := strings.TrimSpace(j.Kind); !known[kind] {
			errs = append(errs, fmt.Errorf("jobs[%d] %s: %w: %q", i, j.Name, scheduler.ErrUnknownWorkKind, kind))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.stopping.Store(true)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("scheduler", a.grace+2*time.Second, a.sched.Shutdown)
	step("listeners", time.Second, func(context.Context) error {
		for _, u := range a.unsubs {
			u()
		}
		a.bus.Close()
		return nil
	})
	step("work", time.Second, func(context.Context) error { return a.works.Close() })
	step("journal", 2*time.Second, func(context.Context) error {
		if a.journal != nil {
			return a.journal.Close()
		}
		return nil
	})
	step("store", 2*time.Second, func(context.Context) error { return a.closeStore() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, ErrEngineHalted) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
