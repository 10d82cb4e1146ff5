package recurrence

import (
	"strings"
	"time"
)

// CronExpr is a parsed cron expression:
//
//	second minute hour day-of-month month day-of-week [year]
//
// Exactly one of day-of-month and day-of-week must be "?". Day-of-week runs
// 1=SUN to 7=SAT. Instants are computed on the wall clock of the expression's
// location and have one-second resolution.
type CronExpr struct {
	text     string
	loc      *time.Location
	seconds  fieldSet
	minutes  fieldSet
	hours    fieldSet
	dom      domField
	months   fieldSet
	dow      dowField
	years    fieldSet
	hasYears bool
}

// ParseCron parses expr evaluated in loc (nil means UTC). Parsed expressions
// are cached; the returned value is immutable and safe to share.
func ParseCron(expr string, loc *time.Location) (*CronExpr, error) {
	if loc == nil {
		loc = time.UTC
	}
	norm := strings.ToUpper(strings.Join(strings.Fields(expr), " "))
	key := loc.String() + "|" + norm
	if e, ok := cronCache.Get(key); ok {
		return e, nil
	}
	e, err := parseCron(norm, loc)
	if err != nil {
		return nil, err
	}
	cronCache.Add(key, e)
	return e, nil
}

// MustParseCron panics on invalid input.
func MustParseCron(expr string, loc *time.Location) *CronExpr {
	e, err := ParseCron(expr, loc)
	if err != nil {
		panic(err)
	}
	return e
}

func parseCron(expr string, loc *time.Location) (*CronExpr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 6 && len(fields) != 7 {
		return nil, invalid(expr, "", "expected 6 or 7 fields, got %d", len(fields))
	}
	e := &CronExpr{text: expr, loc: loc}

	var err error
	for i, dst := range []*fieldSet{&e.seconds, &e.minutes, &e.hours} {
		b := []bounds{secondBounds, minuteBounds, hourBounds}[i]
		if *dst, err = (fieldParser{expr: expr, b: b}).list(fields[i]); err != nil {
			return nil, err
		}
	}
	if e.dom, err = parseDOM(expr, fields[3]); err != nil {
		return nil, err
	}
	if e.months, err = (fieldParser{expr: expr, b: monthBounds}).list(fields[4]); err != nil {
		return nil, err
	}
	if e.dow, err = parseDOW(expr, fields[5]); err != nil {
		return nil, err
	}
	if e.dom.noSpec == e.dow.noSpec {
		return nil, invalid(expr, "", "exactly one of day-of-month and day-of-week must be '?'")
	}
	if len(fields) == 7 {
		if e.years, err = (fieldParser{expr: expr, b: yearBounds}).list(fields[6]); err != nil {
			return nil, err
		}
		e.hasYears = true
	} else {
		e.years = fullSet(yearBounds)
	}

	if err := e.checkSatisfiable(); err != nil {
		return nil, err
	}
	return e, nil
}

// checkSatisfiable rejects expressions that can never fire.
func (e *CronExpr) checkSatisfiable() error {
	if !e.dom.noSpec && !e.dom.last {
		day := e.dom.nearest
		if day == 0 {
			day = e.dom.days.lowest()
		}
		longest := 0
		for m := time.January; m <= time.December; m++ {
			if e.months.has(int(m)) && maxDaysIn(m) > longest {
				longest = maxDaysIn(m)
			}
		}
		if day > longest {
			return invalid(e.text, domBounds.name, "day %d never occurs in the selected months", day)
		}
	}
	floor := time.Date(yearBounds.min, time.January, 1, 0, 0, 0, 0, e.loc).Add(-time.Second)
	if _, ok := e.Next(floor); !ok {
		return invalid(e.text, "", "expression never fires")
	}
	return nil
}

func (e *CronExpr) Kind() Kind { return KindCron }

// Location is the zone the fields are evaluated in.
func (e *CronExpr) Location() *time.Location { return e.loc }

// Expression returns the normalized field text without a time zone prefix.
func (e *CronExpr) Expression() string { return e.text }

func (e *CronExpr) String() string {
	return "cron:" + tzPrefix(e.loc) + e.text
}

func (e *CronExpr) dayMatches(t time.Time) bool {
	if e.dom.noSpec {
		return e.dow.matches(t)
	}
	return e.dom.matches(t)
}

// Next walks forward field by field from the second after `after`, resetting
// lower fields whenever a higher one advances and restarting from the year
// when a field wraps.
func (e *CronExpr) Next(after time.Time) (time.Time, bool) {
	t := after.In(e.loc).Truncate(time.Second).Add(time.Second)
	added := false

WRAP:
	if t.Year() > yearBounds.max {
		return time.Time{}, false
	}

	for !e.years.has(t.Year()) {
		if !added {
			added = true
			t = time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, e.loc)
		}
		t = t.AddDate(1, 0, 0)
		if t.Year() > yearBounds.max {
			return time.Time{}, false
		}
	}

	for !e.months.has(int(t.Month())) {
		if !added {
			added = true
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, e.loc)
		}
		t = t.AddDate(0, 1, 0)
		if t.Month() == time.January {
			goto WRAP
		}
	}

	for !e.dayMatches(t) {
		if !added {
			added = true
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, e.loc)
		}
		t = t.AddDate(0, 0, 1)
		// Midnight may not exist on DST transition days.
		if h := t.Hour(); h != 0 {
			if h > 12 {
				t = t.Add(time.Duration(24-h) * time.Hour)
			} else {
				t = t.Add(-time.Duration(h) * time.Hour)
			}
		}
		if t.Day() == 1 {
			goto WRAP
		}
	}

	for !e.hours.has(t.Hour()) {
		if !added {
			added = true
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, e.loc)
		}
		t = t.Add(time.Hour)
		if t.Hour() == 0 {
			goto WRAP
		}
	}

	for !e.minutes.has(t.Minute()) {
		if !added {
			added = true
			t = t.Truncate(time.Minute)
		}
		t = t.Add(time.Minute)
		if t.Minute() == 0 {
			goto WRAP
		}
	}

	for !e.seconds.has(t.Second()) {
		if !added {
			added = true
			t = t.Truncate(time.Second)
		}
		t = t.Add(time.Second)
		if t.Second() == 0 {
			goto WRAP
		}
	}

	return t, true
}

// Matches reports whether t (at second resolution) is an instant of the expression.
func (e *CronExpr) Matches(t time.Time) bool {
	t = t.In(e.loc).Truncate(time.Second)
	next, ok := e.Next(t.Add(-time.Second))
	return ok && next.Equal(t)
}
