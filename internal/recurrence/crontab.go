package recurrence

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var crontabParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Crontab is a classic five-field expression or descriptor ("@daily",
// "@every 90s"), optionally prefixed with CRON_TZ=<loc>.
type Crontab struct {
	text  string
	sched cron.Schedule
}

func ParseCrontab(expr string) (*Crontab, error) {
	norm := strings.Join(strings.Fields(expr), " ")
	if norm == "" {
		return nil, invalid(expr, "", "empty")
	}
	sched, err := crontabParser.Parse(norm)
	if err != nil {
		return nil, invalid(expr, "", "%v", err)
	}
	return &Crontab{text: norm, sched: sched}, nil
}

func (c *Crontab) Kind() Kind { return KindCrontab }

// Next delegates to robfig/cron, which reports no match as the zero time.
func (c *Crontab) Next(after time.Time) (time.Time, bool) {
	next := c.sched.Next(after)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (c *Crontab) String() string { return "crontab:" + c.text }
