package recurrence

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// CalendarFunc adapts a predicate to Calendar.
type CalendarFunc func(time.Time) bool

func (f CalendarFunc) Excluded(t time.Time) bool { return f(t) }

type civilDate struct {
	y int
	m time.Month
	d int
}

// HolidayCalendar excludes whole days, evaluated in its location.
type HolidayCalendar struct {
	loc  *time.Location
	days map[civilDate]struct{}
}

func NewHolidayCalendar(loc *time.Location, days ...time.Time) *HolidayCalendar {
	if loc == nil {
		loc = time.UTC
	}
	h := &HolidayCalendar{loc: loc, days: make(map[civilDate]struct{}, len(days))}
	for _, d := range days {
		y, m, dd := d.Date()
		h.days[civilDate{y, m, dd}] = struct{}{}
	}
	return h
}

func (h *HolidayCalendar) Excluded(t time.Time) bool {
	y, m, d := t.In(h.loc).Date()
	_, ok := h.days[civilDate{y, m, d}]
	return ok
}

// WeeklyCalendar excludes days of the week.
type WeeklyCalendar struct {
	loc  *time.Location
	days [7]bool
}

func NewWeeklyCalendar(loc *time.Location, days ...time.Weekday) *WeeklyCalendar {
	if loc == nil {
		loc = time.UTC
	}
	w := &WeeklyCalendar{loc: loc}
	for _, d := range days {
		w.days[d%7] = true
	}
	return w
}

func (w *WeeklyCalendar) Excluded(t time.Time) bool {
	return w.days[t.In(w.loc).Weekday()]
}

// DailyCalendar excludes a time-of-day window [From, To). With Invert set it
// excludes everything outside the window instead. A window with From > To
// wraps past midnight.
type DailyCalendar struct {
	loc    *time.Location
	from   time.Duration
	to     time.Duration
	invert bool
}

func NewDailyCalendar(loc *time.Location, from, to time.Duration, invert bool) (*DailyCalendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	if from < 0 || from >= 24*time.Hour || to < 0 || to > 24*time.Hour {
		return nil, errors.New("daily calendar window must lie within one day")
	}
	return &DailyCalendar{loc: loc, from: from, to: to, invert: invert}, nil
}

func (c *DailyCalendar) Excluded(t time.Time) bool {
	lt := t.In(c.loc)
	tod := time.Duration(lt.Hour())*time.Hour + time.Duration(lt.Minute())*time.Minute +
		time.Duration(lt.Second())*time.Second + time.Duration(lt.Nanosecond())
	var in bool
	if c.from <= c.to {
		in = tod >= c.from && tod < c.to
	} else {
		in = tod >= c.from || tod < c.to
	}
	return in != c.invert
}

// CronCalendar excludes every second matched by a cron expression.
type CronCalendar struct {
	expr *CronExpr
}

func NewCronCalendar(expr string, loc *time.Location) (*CronCalendar, error) {
	e, err := ParseCron(expr, loc)
	if err != nil {
		return nil, err
	}
	return &CronCalendar{expr: e}, nil
}

func (c *CronCalendar) Excluded(t time.Time) bool { return c.expr.Matches(t) }

// Union excludes an instant when any member does.
type Union []Calendar

func (u Union) Excluded(t time.Time) bool {
	for _, c := range u {
		if c != nil && c.Excluded(t) {
			return true
		}
	}
	return false
}

var (
	ErrCalendarNotFound = errors.New("calendar not found")
	ErrCalendarExists   = errors.New("calendar already exists")
)

// Calendars is a concurrency-safe registry of named exclusion calendars.
type Calendars struct {
	mu   sync.RWMutex
	cals map[string]Calendar
}

func NewCalendars() *Calendars {
	return &Calendars{cals: make(map[string]Calendar)}
}

// Add registers cal under name. With replace unset an existing name is an error.
func (r *Calendars) Add(name string, cal Calendar, replace bool) error {
	name = strings.TrimSpace(name)
	if name == "" || cal == nil {
		return errors.New("calendar name and predicate required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cals[name]; ok && !replace {
		return ErrCalendarExists
	}
	r.cals[name] = cal
	return nil
}

func (r *Calendars) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cals[name]; !ok {
		return ErrCalendarNotFound
	}
	delete(r.cals, name)
	return nil
}

// Get returns the named calendar. The empty name resolves to (nil, true).
func (r *Calendars) Get(name string) (Calendar, bool) {
	if name == "" {
		return nil, true
	}
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cals[name]
	return c, ok
}

// Lookup adapts Get for callers that treat unknown names as "no exclusions".
func (r *Calendars) Lookup(name string) Calendar {
	c, _ := r.Get(name)
	return c
}

func (r *Calendars) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cals))
	for n := range r.cals {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
