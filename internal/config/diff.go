package config

import (
	"reflect"
	"strings"

	logx "cronkeeper/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists the top-level sections that differ.
	Sections []string
	// Live is true when every change applies without a restart.
	Live bool
	// Attrs are safe to log; secrets (DSN, passwords, tokens) are never included.
	Attrs []logx.Field
}

func (c Change) Changed(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Summarize compares two configs.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	ch := Change{Live: true}
	mark := func(section string, live bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if !live {
			ch.Live = false
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", true,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled))
	}

	was, now := oldCfg.Scheduler, newCfg.Scheduler
	if was != now {
		live := was.InstanceID == now.InstanceID && was.Timezone == now.Timezone &&
			was.Lookahead == now.Lookahead && was.ShutdownGrace == now.ShutdownGrace && was.LockLease == now.LockLease
		mark("scheduler", live,
			logx.String("scheduler.idle_wait", strings.TrimSpace(now.IdleWait)),
			logx.String("scheduler.misfire_threshold", strings.TrimSpace(now.MisfireThreshold)),
			logx.Int("scheduler.batch_size", now.BatchSize))
	}
	if oldCfg.Dispatcher != newCfg.Dispatcher {
		mark("dispatcher", false, logx.Int("dispatcher.workers", newCfg.Dispatcher.Workers))
	}
	if oldCfg.Store != newCfg.Store {
		mark("store", false, logx.String("store.driver", newCfg.Store.Driver))
	}
	if oldCfg.Metrics != newCfg.Metrics {
		mark("metrics", false, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		enabled := newCfg.Journal != nil && newCfg.Journal.Enabled
		mark("journal", false, logx.Bool("journal.enabled", enabled))
	}
	if oldCfg.Admin != newCfg.Admin {
		mark("admin", true,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""))
	}
	if !reflect.DeepEqual(oldCfg.Calendars, newCfg.Calendars) {
		mark("calendars", true, logx.Int("calendars", len(newCfg.Calendars)))
	}
	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		mark("jobs", true, logx.Int("jobs", len(newCfg.Jobs)))
	}
	return ch
}
