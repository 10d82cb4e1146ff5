package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"cronkeeper/internal/domain"
	logx "cronkeeper/pkg/logx"
)

func (p *Pool) worker(ctx context.Context, queue chan Job) error {
	for {
		// Fast-exit check so cancellation wins over queued work.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-queue:
			if ctx.Err() != nil {
				p.abandon(job)
				return ctx.Err()
			}
			p.run(ctx, job)
		}
	}
}

// abandon completes a job that never reached its slot.
func (p *Pool) abandon(job Job) {
	p.abandoned.Add(1)
	p.finish(domain.Completion{
		Record:     job.Record,
		Status:     domain.CompletionSkipped,
		Err:        ErrStopped,
		FinishedAt: p.clock.Now(),
	})
}

func (p *Pool) run(ctx context.Context, job Job) {
	rec := job.Record
	c := domain.Completion{Record: rec}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("dispatch hook panicked", logx.String("fire", rec.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			c.Status = domain.CompletionErrored
			c.Err = fmt.Errorf("panic: %v", r)
			c.FinishedAt = p.clock.Now()
		}
		p.finish(c)
	}()

	if p.hooks.Start != nil {
		if err := p.hooks.Start(ctx, rec); err != nil {
			c.Status = domain.CompletionSkipped
			c.Err = err
			c.FinishedAt = p.clock.Now()
			p.abandoned.Add(1)
			return
		}
	}

	rec.FiredAt = p.clock.Now()
	c.Record = rec
	if veto, reason := p.vetoedBy(rec); veto {
		c.Status = domain.CompletionVetoed
		if reason != "" {
			c.Err = fmt.Errorf("vetoed: %s", reason)
		}
		c.FinishedAt = rec.FiredAt
		p.vetoed.Add(1)
		return
	}

	if p.hooks.Executing != nil {
		p.hooks.Executing(rec)
	}
	err := p.execute(ctx, job.Work, rec)
	c.FinishedAt = p.clock.Now()
	if err != nil {
		c.Status = domain.CompletionFailed
		c.Err = &domain.WorkError{Work: rec.WorkKey, Err: err}
		p.failed.Add(1)
		p.log.Warn("work failed", logx.String("trigger", rec.TriggerKey.String()), logx.String("fire", rec.ID), logx.Err(err), logx.Duration("dur", c.Duration()))
		return
	}
	c.Status = domain.CompletionSucceeded
	p.succeeded.Add(1)
	if c.Duration() >= 750*time.Millisecond {
		p.log.Info("work completed", logx.String("trigger", rec.TriggerKey.String()), logx.Duration("dur", c.Duration()))
	} else {
		p.log.Debug("work completed", logx.String("trigger", rec.TriggerKey.String()), logx.Duration("dur", c.Duration()))
	}
}

func (p *Pool) vetoedBy(rec domain.FireRecord) (bool, string) {
	p.mu.Lock()
	vetoers := p.vetoers
	p.mu.Unlock()
	for _, v := range vetoers {
		if veto, reason := v(rec); veto {
			return true, reason
		}
	}
	return false, ""
}

// execute guards against work panics: one bad work item must not kill a slot.
func (p *Pool) execute(ctx context.Context, w Work, rec domain.FireRecord) (err error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error("work panicked", logx.String("trigger", rec.TriggerKey.String()), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return w.Execute(ctx, rec)
}

// finish reports the outcome, records history and frees the slot, in that order.
func (p *Pool) finish(c domain.Completion) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("completion hook panicked", logx.String("fire", c.Record.ID), logx.Any("panic", r))
			}
		}()
		if p.hooks.Complete != nil {
			p.hooks.Complete(c)
		}
	}()

	item := HistoryItem{
		FireID:      c.Record.ID,
		Trigger:     c.Record.TriggerKey.String(),
		Work:        c.Record.WorkKey.String(),
		Status:      c.Status.String(),
		ScheduledAt: c.Record.ScheduledAt,
		FiredAt:     c.Record.FiredAt,
		Duration:    c.Duration(),
	}
	if c.Err != nil {
		item.Error = c.Err.Error()
	}
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > p.cfg.HistorySize {
		p.history = p.history[len(p.history)-p.cfg.HistorySize:]
	}
	p.hmu.Unlock()

	p.release(c.Record)
}
