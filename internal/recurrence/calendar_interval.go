package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unit is a calendar period.
type Unit int

const (
	UnitSecond Unit = iota + 1
	UnitMinute
	UnitHour
	UnitDay
	UnitWeek
	UnitMonth
	UnitYear
)

var unitNames = map[Unit]string{
	UnitSecond: "second",
	UnitMinute: "minute",
	UnitHour:   "hour",
	UnitDay:    "day",
	UnitWeek:   "week",
	UnitMonth:  "month",
	UnitYear:   "year",
}

func (u Unit) String() string {
	if s, ok := unitNames[u]; ok {
		return s
	}
	return fmt.Sprintf("unit(%d)", int(u))
}

// ParseUnit accepts singular or plural unit names.
func ParseUnit(s string) (Unit, bool) {
	s = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s")
	for u, name := range unitNames {
		if name == s {
			return u, true
		}
	}
	return 0, false
}

// CalendarInterval fires at Start + k*Amount units, evaluated on the wall clock
// of Location. Month and year steps keep the start's day of month and clamp it
// to the last day of shorter months; each instant is computed from Start, so a
// clamped month does not drag later instants.
type CalendarInterval struct {
	Start    time.Time
	Amount   int
	Unit     Unit
	Location *time.Location
}

func NewCalendarInterval(start time.Time, amount int, unit Unit, loc *time.Location) (CalendarInterval, error) {
	if loc == nil {
		loc = time.UTC
	}
	c := CalendarInterval{Start: start.In(loc), Amount: amount, Unit: unit, Location: loc}
	if start.IsZero() {
		return c, invalid(c.String(), "start", "required")
	}
	if amount <= 0 {
		return c, invalid(c.String(), "amount", "must be > 0")
	}
	if _, ok := unitNames[unit]; !ok {
		return c, invalid(c.String(), "unit", "unknown unit")
	}
	return c, nil
}

func (c CalendarInterval) Kind() Kind { return KindCalendar }

func (c CalendarInterval) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// At returns the k-th instant (k=0 is Start).
func (c CalendarInterval) At(k int) time.Time {
	s := c.Start.In(c.loc())
	n := k * c.Amount
	switch c.Unit {
	case UnitSecond:
		return s.Add(time.Duration(n) * time.Second)
	case UnitMinute:
		return s.Add(time.Duration(n) * time.Minute)
	case UnitHour:
		return s.Add(time.Duration(n) * time.Hour)
	case UnitDay:
		return s.AddDate(0, 0, n)
	case UnitWeek:
		return s.AddDate(0, 0, 7*n)
	case UnitMonth:
		return addMonthsClamped(s, n)
	case UnitYear:
		return addMonthsClamped(s, 12*n)
	}
	return s
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	total := int(m) - 1 + months
	ty := y + floorDiv(total, 12)
	tm := time.Month(total - floorDiv(total, 12)*12 + 1)
	if last := daysIn(tm, ty); d > last {
		d = last
	}
	return time.Date(ty, tm, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// estimate returns a k close to the number of steps between Start and t.
func (c CalendarInterval) estimate(t time.Time) int {
	s := c.Start.In(c.loc())
	t = t.In(c.loc())
	var steps int
	switch c.Unit {
	case UnitSecond:
		steps = int(t.Sub(s) / time.Second)
	case UnitMinute:
		steps = int(t.Sub(s) / time.Minute)
	case UnitHour:
		steps = int(t.Sub(s) / time.Hour)
	case UnitDay:
		steps = int(t.Sub(s) / (24 * time.Hour))
	case UnitWeek:
		steps = int(t.Sub(s) / (7 * 24 * time.Hour))
	case UnitMonth:
		steps = (t.Year()-s.Year())*12 + int(t.Month()) - int(s.Month())
	case UnitYear:
		steps = t.Year() - s.Year()
	}
	if steps < 0 {
		return 0
	}
	return steps / c.Amount
}

func (c CalendarInterval) Next(after time.Time) (time.Time, bool) {
	if c.Amount <= 0 {
		return time.Time{}, false
	}
	if after.Before(c.Start) {
		return c.Start.In(c.loc()), true
	}
	k := c.estimate(after)
	for k > 0 && c.At(k).After(after) {
		k--
	}
	for !c.At(k).After(after) {
		k++
	}
	return c.At(k), true
}

// String renders calendar:[TZ=<loc> ]<start>/<amount>/<unit>.
func (c CalendarInterval) String() string {
	return "calendar:" + tzPrefix(c.loc()) + c.Start.In(c.loc()).Format(time.RFC3339Nano) +
		"/" + strconv.Itoa(c.Amount) + "/" + c.Unit.String()
}

func parseCalendarInterval(orig, body string) (Spec, error) {
	loc, rest, err := splitTZ(orig, body)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return nil, invalid(orig, "", "want <start>/<amount>/<unit>")
	}
	start, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, invalid(orig, "start", "%v", err)
	}
	amount, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, invalid(orig, "amount", "%q is not a number", parts[1])
	}
	unit, ok := ParseUnit(parts[2])
	if !ok {
		return nil, invalid(orig, "unit", "unknown unit %q", parts[2])
	}
	return NewCalendarInterval(start, amount, unit, loc)
}
