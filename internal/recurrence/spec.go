package recurrence

import (
	"strings"
	"time"
)

// Kind tags a recurrence variant.
type Kind string

const (
	KindCron     Kind = "cron"
	KindFixed    Kind = "fixed"
	KindCalendar Kind = "calendar"
	KindCrontab  Kind = "crontab"
)

// Spec is a recurrence rule.
type Spec interface {
	Kind() Kind
	// Next returns the first instant strictly after the argument, or false when
	// the rule has no further instants.
	Next(after time.Time) (time.Time, bool)
	// String is the canonical text form; Parse(s.String()) yields an equivalent rule.
	String() string
}

// Calendar excludes instants from a trigger's timeline.
type Calendar interface {
	Excluded(t time.Time) bool
}

const (
	// maxExclusionSkips bounds how many excluded candidates NextFire skips.
	maxExclusionSkips = 1 << 18
	// exclusionHorizon bounds how far past the first excluded candidate NextFire searches.
	exclusionHorizon = 10 // years
)

// NextFire returns the first instant after `after` that is not past end (zero end
// means unbounded) and not excluded by cal (nil means nothing is excluded).
func NextFire(s Spec, after, end time.Time, cal Calendar) (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	var horizon time.Time
	t := after
	for i := 0; i < maxExclusionSkips; i++ {
		next, ok := s.Next(t)
		if !ok {
			return time.Time{}, false
		}
		if !end.IsZero() && next.After(end) {
			return time.Time{}, false
		}
		if cal == nil || !cal.Excluded(next) {
			return next, true
		}
		if horizon.IsZero() {
			horizon = next.AddDate(exclusionHorizon, 0, 0)
		} else if next.After(horizon) {
			return time.Time{}, false
		}
		t = next
	}
	return time.Time{}, false
}

// FirstFire returns the first instant at or after start.
func FirstFire(s Spec, start, end time.Time, cal Calendar) (time.Time, bool) {
	return NextFire(s, start.Add(-time.Nanosecond), end, cal)
}

// Upcoming lists up to n instants after `after`. Used for previews.
func Upcoming(s Spec, after time.Time, n int, cal Calendar) []time.Time {
	out := make([]time.Time, 0, n)
	t := after
	for len(out) < n {
		next, ok := NextFire(s, t, time.Time{}, cal)
		if !ok {
			break
		}
		out = append(out, next)
		t = next
	}
	return out
}

// Parse reads the canonical text form of any variant.
//
// Without a "kind:" prefix, six or seven fields parse as a cron expression and
// five fields or an "@" descriptor parse as crontab.
func Parse(text string) (Spec, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, invalid(text, "", "empty")
	}
	if kind, rest, ok := strings.Cut(s, ":"); ok {
		switch Kind(strings.ToLower(kind)) {
		case KindCron:
			loc, expr, err := splitTZ(text, rest)
			if err != nil {
				return nil, err
			}
			return ParseCron(expr, loc)
		case KindCrontab:
			return ParseCrontab(strings.TrimSpace(rest))
		case KindFixed:
			return parseFixed(text, rest)
		case KindCalendar:
			return parseCalendarInterval(text, rest)
		}
	}
	if strings.HasPrefix(s, "@") {
		return ParseCrontab(s)
	}
	if strings.HasPrefix(s, "TZ=") {
		loc, expr, err := splitTZ(text, s)
		if err != nil {
			return nil, err
		}
		return ParseCron(expr, loc)
	}
	switch n := len(strings.Fields(s)); n {
	case 5:
		return ParseCrontab(s)
	case 6, 7:
		return ParseCron(s, time.UTC)
	default:
		return nil, invalid(text, "", "expected 5, 6 or 7 fields, got %d", n)
	}
}

// MustParse is Parse for static expressions in tests and examples.
func MustParse(text string) Spec {
	s, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return s
}

// splitTZ strips an optional "TZ=<location> " prefix. Missing TZ means UTC.
func splitTZ(orig, s string) (*time.Location, string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "TZ=") {
		return time.UTC, s, nil
	}
	name, rest, _ := strings.Cut(s[len("TZ="):], " ")
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, "", invalid(orig, "", "unknown time zone %q", name)
	}
	return loc, strings.TrimSpace(rest), nil
}

func tzPrefix(loc *time.Location) string {
	if loc == nil || loc == time.UTC || loc.String() == "UTC" {
		return ""
	}
	return "TZ=" + loc.String() + " "
}
