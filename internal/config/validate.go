package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/misfire"
	logx "cronkeeper/pkg/logx"
)

// Validate reports every problem found, joined, each wrapped with ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			fail("logging.level: unknown level %q", lvl)
		}
	}

	var d Durations
	d.Get("scheduler.idle_wait", c.Scheduler.IdleWait, 0)
	d.Get("scheduler.lookahead", c.Scheduler.Lookahead, 0)
	d.Get("scheduler.misfire_threshold", c.Scheduler.MisfireThreshold, 0)
	d.Get("scheduler.shutdown_grace", c.Scheduler.ShutdownGrace, 0)
	d.Get("scheduler.lock_lease", c.Scheduler.LockLease, 0)
	d.Get("dispatcher.timeout", c.Dispatcher.Timeout, 0)
	d.Get("store.busy_timeout", c.Store.BusyTimeout, 0)
	d.Get("store.op_timeout", c.Store.OpTimeout, 0)
	d.Get("admin.read_timeout", c.Admin.ReadTimeout, 0)
	d.Get("admin.write_timeout", c.Admin.WriteTimeout, 0)
	if err := d.Err(); err != nil {
		fail("%v", err)
	}

	loc, err := c.Location()
	if err != nil {
		fail("scheduler.timezone: %v", err)
	}
	if c.Scheduler.BatchSize < 0 {
		fail("scheduler.batch_size must be >= 0")
	}
	if c.Dispatcher.Workers < 0 || c.Dispatcher.HistorySize < 0 {
		fail("dispatcher.workers and dispatcher.history_size must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Store.Path) == "" && strings.TrimSpace(c.Store.DSN) == "" {
			fail("store: sqlite needs path or dsn")
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(c.Store.DSN) == "" {
			fail("store: postgres needs dsn")
		}
	default:
		fail("store.driver: unknown driver %q", c.Store.Driver)
	}

	if j := c.Journal; j != nil && j.Enabled {
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "redis":
			if strings.TrimSpace(j.Addr) == "" {
				fail("journal: redis needs addr")
			}
		case "file":
			if strings.TrimSpace(j.Path) == "" {
				fail("journal: file needs path")
			}
		default:
			fail("journal.driver: unknown driver %q", j.Driver)
		}
		if j.MaxLen < 0 {
			fail("journal.max_len must be >= 0")
		}
	}

	if c.Admin.Enabled && !c.Admin.AllowInsecure && strings.TrimSpace(c.Admin.Token) == "" && !loopback(c.Admin.Addr) {
		fail("admin: non-loopback addr %q requires token or allow_insecure", c.Admin.Addr)
	}

	for name, cc := range c.Calendars {
		if strings.TrimSpace(name) == "" {
			fail("calendars: empty name")
			continue
		}
		if loc == nil {
			continue
		}
		if _, err := cc.Calendar(loc); err != nil {
			fail("calendars.%s: %v", name, err)
		}
	}

	works := map[domain.Key]bool{}
	triggers := map[domain.Key]bool{}
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		w := j.WorkItem()
		if err := w.Validate(); err != nil {
			fail("%s: %v", path, err)
			continue
		}
		if w.Kind == "" {
			fail("%s: kind required", path)
		}
		if works[w.Key] {
			fail("%s: duplicate work item %s", path, w.Key)
		}
		works[w.Key] = true
		if len(j.Triggers) == 0 && !j.Durable {
			fail("%s: a non-durable job needs at least one trigger", path)
		}
		for k, tc := range j.Triggers {
			tpath := fmt.Sprintf("%s.triggers[%d]", path, k)
			if loc == nil {
				break
			}
			t, err := tc.Trigger(w.Key, loc)
			if err != nil {
				fail("%s: %v", tpath, err)
				continue
			}
			if triggers[t.Key] {
				fail("%s: duplicate trigger %s", tpath, t.Key)
			}
			triggers[t.Key] = true
			if !misfire.Legal(t.Recurrence.Kind(), t.Misfire) {
				fail("%s: misfire %s not valid for %s schedules", tpath, t.Misfire, t.Recurrence.Kind())
			}
			if t.Calendar != "" {
				if _, ok := c.Calendars[t.Calendar]; !ok {
					fail("%s: unknown calendar %q", tpath, t.Calendar)
				}
			}
		}
	}
	return errors.Join(errs...)
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return strings.TrimSpace(addr) == ""
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
