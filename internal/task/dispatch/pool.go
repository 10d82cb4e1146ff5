package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/runtime/supervisor"
	logx "cronkeeper/pkg/logx"
)

type Pool struct {
	cfg   Config
	log   logx.Logger
	clock clockwork.Clock
	hooks Hooks

	mu        sync.Mutex
	queue     chan Job
	sup       *supervisor.Supervisor
	busy      int
	exclusive map[domain.Key]struct{}
	vetoers   []Vetoer
	stopping  bool
	drained   chan struct{}

	submitted atomic.Uint64
	rejected  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	vetoed    atomic.Uint64
	abandoned atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	throttle *logx.Throttle
}

func New(cfg Config, hooks Hooks, clock clockwork.Clock, log logx.Logger) *Pool {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:       cfg.withDefaults(),
		log:       log.With(logx.String("comp", "dispatch")),
		clock:     clock,
		hooks:     hooks,
		exclusive: map[domain.Key]struct{}{},
		throttle:  logx.NewThrottle(0, 1),
	}
}

// Workers is the number of execution slots.
func (p *Pool) Workers() int { return p.cfg.Workers }

// AddVetoer registers v. Vetoers run in registration order; the first veto wins.
func (p *Pool) AddVetoer(v Vetoer) {
	if v == nil {
		return
	}
	p.mu.Lock()
	p.vetoers = append(p.vetoers, v)
	p.mu.Unlock()
}

// Start launches the workers. A stopped pool cannot be restarted.
func (p *Pool) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return ErrStopped
	}
	if p.sup != nil {
		return nil
	}

	// Capacity equals the slot count, so an accepted job never waits on the send.
	p.queue = make(chan Job, p.cfg.Workers)
	p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log))
	queue := p.queue
	for i := 0; i < p.cfg.Workers; i++ {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return p.worker(c, queue)
		}, supervisor.WithPublishFirstError(true))
	}
	p.log.Info("dispatcher started", logx.Int("workers", p.cfg.Workers))
	return nil
}

// Submit hands a job to a free slot without blocking.
func (p *Pool) Submit(job Job) error {
	if job.Work == nil {
		return fmt.Errorf("dispatch: job %s has no work", job.Record.ID)
	}
	rec := job.Record

	p.mu.Lock()
	switch {
	case p.stopping:
		p.mu.Unlock()
		return ErrStopped
	case p.queue == nil:
		p.mu.Unlock()
		return ErrNotStarted
	case p.busy >= p.cfg.Workers:
		busy := p.busy
		p.mu.Unlock()
		p.rejected.Add(1)
		if p.throttle.Allow("capacity") {
			p.log.Debug("no free slot", logx.String("trigger", rec.TriggerKey.String()), logx.Int("busy", busy))
		}
		return ErrNoCapacity
	}
	if rec.Exclusive {
		if _, running := p.exclusive[rec.WorkKey]; running {
			p.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrExclusiveBusy, rec.WorkKey)
		}
		p.exclusive[rec.WorkKey] = struct{}{}
	}
	p.busy++
	queue := p.queue
	p.mu.Unlock()

	p.submitted.Add(1)
	queue <- job
	return nil
}

// Running reports whether a non-concurrent work item currently holds a slot.
func (p *Pool) Running(work domain.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.exclusive[work]
	return ok
}

// RunningExclusive lists non-concurrent work items currently holding a slot.
func (p *Pool) RunningExclusive() []domain.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Key, 0, len(p.exclusive))
	for k := range p.exclusive {
		out = append(out, k)
	}
	return out
}

// Free is the number of idle slots.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping || p.queue == nil {
		return 0
	}
	return p.cfg.Workers - p.busy
}

func (p *Pool) release(rec domain.FireRecord) {
	p.mu.Lock()
	p.busy--
	if rec.Exclusive {
		delete(p.exclusive, rec.WorkKey)
	}
	if p.busy == 0 && p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
	p.mu.Unlock()
}

// Stop rejects new jobs and waits for accepted ones to complete until ctx is
// done. Jobs that had not started by then are reported as abandoned
// (CompletionSkipped with ErrStopped); running work sees its context canceled
// but is not waited for.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	sup, queue := p.sup, p.queue
	var wait chan struct{}
	if p.busy > 0 {
		p.drained = make(chan struct{})
		wait = p.drained
	}
	p.mu.Unlock()

	var err error
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if sup == nil {
		return err
	}
	sup.Cancel()
drain:
	for {
		select {
		case job := <-queue:
			p.abandon(job)
		default:
			break drain
		}
	}
	if err != nil {
		p.log.Warn("dispatcher stop timed out; running work left behind", logx.Err(err))
		return err
	}
	_ = sup.Wait(context.Background())
	p.log.Info("dispatcher stopped")
	return nil
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	snap := Snapshot{
		Started:  p.sup != nil,
		Stopping: p.stopping,
		Workers:  p.cfg.Workers,
		Busy:     p.busy,
		Timeout:  p.cfg.Timeout,
	}
	sup := p.sup
	p.mu.Unlock()

	snap.Submitted = p.submitted.Load()
	snap.Rejected = p.rejected.Load()
	snap.Succeeded = p.succeeded.Load()
	snap.Failed = p.failed.Load()
	snap.Vetoed = p.vetoed.Load()
	snap.Abandoned = p.abandoned.Load()
	snap.Supervisor = sup.Snapshot()

	p.hmu.Lock()
	snap.History = make([]HistoryItem, len(p.history))
	copy(snap.History, p.history)
	p.hmu.Unlock()
	return snap
}
