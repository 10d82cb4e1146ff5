package app

import (
	"strings"
	"time"

	"cronkeeper/internal/adminapi"
	"cronkeeper/internal/config"
	"cronkeeper/internal/journal"
	"cronkeeper/internal/storage"
	"cronkeeper/internal/task/dispatch"
	"cronkeeper/internal/task/scheduler"
	logx "cronkeeper/pkg/logx"
)

// The mappers below turn the on-disk config into component configs. Config
// validation already rejected bad durations, so errors here are unexpected.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Store
	var d config.Durations
	out := storage.Config{
		Driver:       strings.TrimSpace(sc.Driver),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  d.Get("store.busy_timeout", sc.BusyTimeout, time.Second),
		OpTimeout:    d.Get("store.op_timeout", sc.OpTimeout, 0),
		MaxOpenConns: sc.MaxOpenConns,
	}
	switch strings.ToLower(out.Driver) {
	case "sqlite", "sqlite3":
		if out.Path == "" {
			out.Path = out.DSN
		}
	}
	return out, d.Err()
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	var d config.Durations
	out := scheduler.Config{
		InstanceID:       strings.TrimSpace(sc.InstanceID),
		IdleWait:         d.Get("scheduler.idle_wait", sc.IdleWait, 0),
		Lookahead:        d.Get("scheduler.lookahead", sc.Lookahead, 0),
		BatchSize:        sc.BatchSize,
		MisfireThreshold: d.Get("scheduler.misfire_threshold", sc.MisfireThreshold, 0),
		ShutdownGrace:    d.Get("scheduler.shutdown_grace", sc.ShutdownGrace, 0),
		LockLease:        d.Get("scheduler.lock_lease", sc.LockLease, 0),
	}
	return out, d.Err()
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	var d config.Durations
	out := dispatch.Config{
		Workers:     cfg.Dispatcher.Workers,
		HistorySize: cfg.Dispatcher.HistorySize,
		Timeout:     d.Get("dispatcher.timeout", cfg.Dispatcher.Timeout, 0),
	}
	return out, d.Err()
}

func mapAdminConfig(cfg *config.Config) (adminapi.Config, error) {
	ac := cfg.Admin
	var d config.Durations
	out := adminapi.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		ReadTimeout:   d.Get("admin.read_timeout", ac.ReadTimeout, 10*time.Second),
		WriteTimeout:  d.Get("admin.write_timeout", ac.WriteTimeout, 0),
		IdleTimeout:   time.Minute,
	}
	// CPU profiles and traces stream for 30s by default, so pprof keeps no write bound.
	if out.WriteTimeout == 0 && !out.Pprof {
		out.WriteTimeout = 30 * time.Second
	}
	return out, d.Err()
}

// mapJournalConfig reports enabled=false when no journal is configured.
func mapJournalConfig(cfg *config.Config) (journal.Config, bool) {
	jc := cfg.Journal
	if jc == nil || !jc.Enabled {
		return journal.Config{}, false
	}
	return journal.Config{
		Driver:   jc.Driver,
		Addr:     jc.Addr,
		Password: jc.Password,
		DB:       jc.DB,
		Stream:   jc.Stream,
		MaxLen:   jc.MaxLen,
		Path:     jc.Path,
	}, true
}
