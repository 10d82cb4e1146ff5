// Package journal records the outcome of every execution to an append-only
// sink: a Redis stream or a JSON Lines file.
package journal

import (
	"context"
	"errors"
	"strings"
	"time"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/eventbus"
	logx "cronkeeper/pkg/logx"
)

var ErrUnknownDriver = errors.New("journal: unknown driver")

// Entry is one journaled execution outcome.
type Entry struct {
	FireID      string    `json:"fire_id"`
	Trigger     string    `json:"trigger"`
	Work        string    `json:"work"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Misfired    bool      `json:"misfired,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	FiredAt     time.Time `json:"fired_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at"`
	DurationMS  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
}

// FromCompletion flattens a completion into an Entry.
func FromCompletion(c domain.Completion) Entry {
	rec := c.Record
	e := Entry{
		FireID:      rec.ID,
		Trigger:     rec.TriggerKey.String(),
		Work:        rec.WorkKey.String(),
		Kind:        rec.WorkKind,
		Status:      c.Status.String(),
		Misfired:    rec.Misfired,
		ScheduledAt: rec.ScheduledAt.UTC(),
		FiredAt:     rec.FiredAt.UTC(),
		FinishedAt:  c.FinishedAt.UTC(),
		DurationMS:  c.Duration().Milliseconds(),
	}
	if c.Err != nil {
		e.Error = c.Err.Error()
	}
	return e
}

// Sink persists entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}

// Config selects and configures the sink.
type Config struct {
	Driver   string
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
	Path     string
}

// Open builds the configured sink.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "redis":
		s, err := OpenRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "file":
		s, err := OpenFile(cfg.Path, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, ErrUnknownDriver
	}
}

// Journal feeds execution outcomes from the bus into a sink.
type Journal struct {
	sink     Sink
	log      logx.Logger
	timeout  time.Duration
	throttle *logx.Throttle
}

func New(sink Sink, log logx.Logger) *Journal {
	return &Journal{
		sink:     sink,
		log:      log.With(logx.String("comp", "journal")),
		timeout:  5 * time.Second,
		throttle: logx.NewThrottle(30*time.Second, 1),
	}
}

// Observe subscribes to execution events; the returned func unsubscribes.
func (j *Journal) Observe(bus eventbus.Bus) func() {
	return bus.Listen("journal", 1024, j.Handle, eventbus.JobWasExecuted, eventbus.JobExecutionVetoed)
}

func (j *Journal) Handle(e eventbus.Event) {
	if e.Completion == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if err := j.sink.Write(ctx, FromCompletion(*e.Completion)); err != nil && j.throttle.Allow("write") {
		j.log.Warn("journal write failed", logx.Err(err), logx.String("trigger", e.Trigger.String()))
	}
}

func (j *Journal) Close() error { return j.sink.Close() }
