package scheduler

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"cronkeeper/internal/misfire"
	"cronkeeper/internal/runtime/supervisor"
	"cronkeeper/internal/task/dispatch"
)

// Config controls the firing loop.
type Config struct {
	// InstanceID owns the locks this engine takes. Keep it stable across
	// restarts so leftover locks are recovered at start.
	InstanceID string
	// IdleWait bounds how long the loop sleeps when nothing is due.
	IdleWait time.Duration
	// Lookahead acquires triggers due within this window ahead of now.
	Lookahead time.Duration
	// BatchSize caps one acquisition. 0 means the free slot count.
	BatchSize        int
	MisfireThreshold time.Duration
	ShutdownGrace    time.Duration
	// LockLease releases locks older than this held by any instance. 0
	// disables the reaper; it must exceed the longest execution when enabled.
	LockLease     time.Duration
	StoreRetryMin time.Duration
	StoreRetryMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.InstanceID == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			c.InstanceID = h
		} else {
			c.InstanceID = uuid.NewString()
		}
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 30 * time.Second
	}
	if c.Lookahead < 0 {
		c.Lookahead = 0
	}
	if c.MisfireThreshold <= 0 {
		c.MisfireThreshold = misfire.DefaultThreshold
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.StoreRetryMin <= 0 {
		c.StoreRetryMin = 250 * time.Millisecond
	}
	if c.StoreRetryMax < c.StoreRetryMin {
		c.StoreRetryMax = 30 * time.Second
		if c.StoreRetryMax < c.StoreRetryMin {
			c.StoreRetryMax = c.StoreRetryMin
		}
	}
	return c
}

// State is the engine lifecycle: Created → Started ⇄ Standby → Shutdown.
type State int

const (
	StateCreated State = iota
	StateStarted
	StateStandby
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStandby:
		return "standby"
	case StateShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	State       string              `json:"state"`
	InstanceID  string              `json:"instance_id"`
	InFlight    int                 `json:"in_flight"`
	Owed        int                 `json:"owed_writes"`
	Cycles      uint64              `json:"cycles"`
	StoreErrors uint64              `json:"store_errors"`
	LastCycle   time.Time           `json:"last_cycle"`
	WorkKinds   []string            `json:"work_kinds"`
	Calendars   []string            `json:"calendars"`
	Dispatcher  dispatch.Snapshot   `json:"dispatcher"`
	Supervisor  supervisor.Snapshot `json:"supervisor"`
}
