package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "30s", "1m"); an empty string selects the default.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Store      StoreConfig      `json:"store"`
	Metrics    MetricsConfig    `json:"metrics"`
	Journal    *JournalConfig   `json:"journal,omitempty"`
	Admin      AdminConfig      `json:"admin"`

	// Calendars are named exclusion calendars triggers may reference.
	Calendars map[string]CalendarConfig `json:"calendars,omitempty"`
	// Jobs are work items with their triggers, (re)applied at startup and on reload.
	Jobs []JobConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the firing loop.
//
// Only idle_wait, misfire_threshold and batch_size apply on reload.
type SchedulerConfig struct {
	// InstanceID defaults to the hostname. It must be unique among engines
	// sharing a store and stable across restarts of one engine.
	InstanceID string `json:"instance_id,omitempty"`
	// Timezone is the default location of declarative triggers and calendars.
	Timezone         string `json:"timezone,omitempty"`
	IdleWait         string `json:"idle_wait,omitempty"`
	Lookahead        string `json:"lookahead,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	MisfireThreshold string `json:"misfire_threshold,omitempty"`
	ShutdownGrace    string `json:"shutdown_grace,omitempty"`
	// LockLease enables the reaper for locks left by crashed peers. Leave
	// empty for single-node stores.
	LockLease string `json:"lock_lease,omitempty"`
}

// DispatcherConfig sizes the execution pool.
//
// Defaults: workers 10, history_size 200, timeout "0s" (no bound).
type DispatcherConfig struct {
	Workers     int    `json:"workers,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// StoreConfig selects the trigger store.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./data/cronkeeper.db" }
type StoreConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // may carry credentials; never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	OpTimeout    string `json:"op_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace,omitempty"` // default: "cronkeeper"
}

// JournalConfig records every execution outcome to an append-only sink.
//
// Drivers: "redis" appends to a stream (XADD with approximate MAXLEN),
// "file" appends JSON lines.
type JournalConfig struct {
	Enabled  bool   `json:"enabled"`
	Driver   string `json:"driver"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Stream   string `json:"stream,omitempty"`
	MaxLen   int64  `json:"max_len,omitempty"`
	Path     string `json:"path,omitempty"`
}

// AdminConfig controls the HTTP admin API.
//
// Security note: prefer a loopback address; a non-loopback address requires
// a token unless allow_insecure is set.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

// CalendarConfig declares one exclusion calendar.
//
//	weekly:  days   ["sat", "sun"]
//	holiday: dates  ["2024-12-25"]
//	daily:   from/to "HH:MM" window, invert to exclude everything outside it
//	cron:    expr   (cron syntax; matching seconds are excluded)
type CalendarConfig struct {
	Type     string   `json:"type"`
	Timezone string   `json:"timezone,omitempty"`
	Days     []string `json:"days,omitempty"`
	Dates    []string `json:"dates,omitempty"`
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
	Invert   bool     `json:"invert,omitempty"`
	Expr     string   `json:"expr,omitempty"`
}

// JobConfig declares a work item and the triggers that fire it.
type JobConfig struct {
	Name               string            `json:"name"`
	Group              string            `json:"group,omitempty"`
	Kind               string            `json:"kind"`
	Description        string            `json:"description,omitempty"`
	Durable            bool              `json:"durable,omitempty"`
	DisallowConcurrent bool              `json:"disallow_concurrent,omitempty"`
	Data               map[string]string `json:"data,omitempty"`
	Triggers           []TriggerConfig   `json:"triggers"`
}

// TriggerConfig declares one trigger. Schedule takes any recurrence text form:
// "0 */5 * * * ?", "crontab:@every 10m", "fixed:R/2024-01-01T00:00:00Z/1h".
type TriggerConfig struct {
	Name        string            `json:"name"`
	Group       string            `json:"group,omitempty"`
	Schedule    string            `json:"schedule"`
	Description string            `json:"description,omitempty"`
	Start       string            `json:"start,omitempty"` // RFC 3339
	End         string            `json:"end,omitempty"`   // RFC 3339
	Priority    int               `json:"priority,omitempty"`
	Misfire     string            `json:"misfire,omitempty"`
	Calendar    string            `json:"calendar,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}
