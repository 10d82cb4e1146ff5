package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/recurrence"
)

// Location resolves scheduler.timezone, defaulting to UTC.
func (c *Config) Location() (*time.Location, error) {
	return loadLocation(c.Scheduler.Timezone)
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// Calendar builds the exclusion calendar. def is used when no timezone is set.
func (c CalendarConfig) Calendar(def *time.Location) (recurrence.Calendar, error) {
	loc := def
	if strings.TrimSpace(c.Timezone) != "" {
		var err error
		if loc, err = loadLocation(c.Timezone); err != nil {
			return nil, err
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case "weekly":
		days := make([]time.Weekday, 0, len(c.Days))
		for _, d := range c.Days {
			k := strings.ToLower(strings.TrimSpace(d))
			if len(k) > 3 {
				k = k[:3]
			}
			wd, ok := weekdays[k]
			if !ok {
				return nil, fmt.Errorf("unknown weekday %q", d)
			}
			days = append(days, wd)
		}
		return recurrence.NewWeeklyCalendar(loc, days...), nil
	case "holiday":
		days := make([]time.Time, 0, len(c.Dates))
		for _, d := range c.Dates {
			t, err := parseDate(d, loc)
			if err != nil {
				return nil, err
			}
			days = append(days, t)
		}
		return recurrence.NewHolidayCalendar(loc, days...), nil
	case "daily":
		from, err := clockTime(c.From)
		if err != nil {
			return nil, fmt.Errorf("from: %w", err)
		}
		to, err := clockTime(c.To)
		if err != nil {
			return nil, fmt.Errorf("to: %w", err)
		}
		return recurrence.NewDailyCalendar(loc, from, to, c.Invert)
	case "cron":
		return recurrence.NewCronCalendar(c.Expr, loc)
	default:
		return nil, fmt.Errorf("unknown calendar type %q", c.Type)
	}
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: want YYYY-MM-DD", s)
	}
	return t.In(loc), nil
}

// clockTime parses "HH:MM" or "HH:MM:SS" as an offset into the day. "24:00" ends a day.
func clockTime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "24:00" {
		return 24 * time.Hour, nil
	}
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("time of day %q: want HH:MM", s)
}

// WorkItem is the work item the job declares.
func (j JobConfig) WorkItem() domain.WorkItem {
	return domain.WorkItem{
		Key:                domain.NewKey(j.Name, j.Group),
		Kind:               strings.TrimSpace(j.Kind),
		Description:        j.Description,
		Durable:            j.Durable,
		DisallowConcurrent: j.DisallowConcurrent,
		Data:               domain.DataMap(j.Data).Clone(),
	}
}

// Trigger builds the trigger for work. Schedules without an explicit zone
// are evaluated in loc.
func (t TriggerConfig) Trigger(work domain.Key, loc *time.Location) (domain.Trigger, error) {
	spec, err := recurrence.Parse(zoned(t.Schedule, loc))
	if err != nil {
		return domain.Trigger{}, err
	}
	instr, err := domain.ParseMisfireInstruction(strings.TrimSpace(t.Misfire))
	if err != nil {
		return domain.Trigger{}, err
	}
	out := domain.Trigger{
		Key:         domain.NewKey(t.Name, t.Group),
		WorkKey:     work,
		Description: t.Description,
		Recurrence:  spec,
		Priority:    t.Priority,
		Misfire:     instr,
		Calendar:    strings.TrimSpace(t.Calendar),
		Data:        domain.DataMap(t.Data).Clone(),
	}
	if s := strings.TrimSpace(t.Start); s != "" {
		if out.StartAt, err = time.Parse(time.RFC3339, s); err != nil {
			return domain.Trigger{}, fmt.Errorf("start: %w", err)
		}
	}
	if s := strings.TrimSpace(t.End); s != "" {
		end, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return domain.Trigger{}, fmt.Errorf("end: %w", err)
		}
		out.EndAt = &end
	}
	if err := out.Validate(); err != nil {
		return domain.Trigger{}, err
	}
	return out, nil
}

// zoned prefixes cron schedules that carry no zone with loc.
func zoned(schedule string, loc *time.Location) string {
	s := strings.TrimSpace(schedule)
	if loc == nil || loc == time.UTC || strings.Contains(s, "TZ=") {
		return s
	}
	body, isCron := strings.CutPrefix(s, "cron:")
	if !isCron {
		if strings.Contains(s, ":") || strings.HasPrefix(s, "@") {
			return s
		}
		if n := len(strings.Fields(s)); n != 6 && n != 7 {
			return s
		}
	}
	return "cron:TZ=" + loc.String() + " " + strings.TrimSpace(body)
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")
