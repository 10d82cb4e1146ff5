package dispatch

import (
	"context"
	"time"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/runtime/supervisor"
)

// Config controls the pool.
type Config struct {
	Workers     int
	HistorySize int
	// Timeout bounds a single execution. 0 means no bound.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Work is the external unit of work invoked on a fire.
type Work interface {
	Execute(ctx context.Context, rec domain.FireRecord) error
}

type WorkFunc func(ctx context.Context, rec domain.FireRecord) error

func (f WorkFunc) Execute(ctx context.Context, rec domain.FireRecord) error { return f(ctx, rec) }

// Job is one fire handed to the pool.
type Job struct {
	Record domain.FireRecord
	Work   Work
}

// Vetoer may decline an execution right before it starts.
type Vetoer func(rec domain.FireRecord) (veto bool, reason string)

// Hooks connect the pool to the firing loop. All hooks run on the execution slot.
type Hooks struct {
	// Start runs before the veto check. An error abandons the fire, which is
	// reported as CompletionSkipped carrying that error.
	Start func(ctx context.Context, rec domain.FireRecord) error
	// Executing runs after the veto check, right before the work is invoked.
	Executing func(rec domain.FireRecord)
	// Complete receives every accepted job's outcome exactly once.
	Complete func(c domain.Completion)
}

type HistoryItem struct {
	FireID      string        `json:"fire_id"`
	Trigger     string        `json:"trigger"`
	Work        string        `json:"work"`
	Status      string        `json:"status"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	FiredAt     time.Time     `json:"fired_at"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Started  bool `json:"started"`
	Stopping bool `json:"stopping"`
	Workers  int  `json:"workers"`
	Busy     int  `json:"busy"`

	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Vetoed    uint64 `json:"vetoed"`
	Abandoned uint64 `json:"abandoned"`

	Timeout    time.Duration       `json:"timeout"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
	History    []HistoryItem       `json:"history"`
}
