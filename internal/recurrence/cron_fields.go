package recurrence

import (
	"strconv"
	"strings"
	"time"
)

// bounds describes one cron field.
type bounds struct {
	name   string
	min    int
	max    int
	cyclic bool
	names  map[string]int
}

var (
	secondBounds = bounds{name: "second", min: 0, max: 59, cyclic: true}
	minuteBounds = bounds{name: "minute", min: 0, max: 59, cyclic: true}
	hourBounds   = bounds{name: "hour", min: 0, max: 23, cyclic: true}
	domBounds    = bounds{name: "day-of-month", min: 1, max: 31, cyclic: true}
	monthBounds  = bounds{name: "month", min: 1, max: 12, cyclic: true, names: map[string]int{
		"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
		"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
	}}
	dowBounds = bounds{name: "day-of-week", min: 1, max: 7, cyclic: true, names: map[string]int{
		"SUN": 1, "MON": 2, "TUE": 3, "WED": 4, "THU": 5, "FRI": 6, "SAT": 7,
	}}
	yearBounds = bounds{name: "year", min: 1970, max: 2199}
)

// fieldSet is a bitset of allowed values, offset by the field minimum.
type fieldSet struct {
	min  int
	bits [4]uint64
}

func newFieldSet(b bounds) fieldSet { return fieldSet{min: b.min} }

func (s *fieldSet) add(v int) {
	i := v - s.min
	s.bits[i>>6] |= 1 << (uint(i) & 63)
}

func (s fieldSet) has(v int) bool {
	i := v - s.min
	if i < 0 || i >= 256 {
		return false
	}
	return s.bits[i>>6]&(1<<(uint(i)&63)) != 0
}

func (s fieldSet) empty() bool {
	return s.bits == [4]uint64{}
}

// lowest returns the smallest member, or -1.
func (s fieldSet) lowest() int {
	for i := 0; i < 256; i++ {
		if s.bits[i>>6]&(1<<(uint(i)&63)) != 0 {
			return s.min + i
		}
	}
	return -1
}

func fullSet(b bounds) fieldSet {
	s := newFieldSet(b)
	for v := b.min; v <= b.max; v++ {
		s.add(v)
	}
	return s
}

type fieldParser struct {
	expr string
	b    bounds
}

func (p fieldParser) fail(format string, args ...any) error {
	return invalid(p.expr, p.b.name, format, args...)
}

// value parses a number or, where the field has them, a name.
func (p fieldParser) value(s string) (int, error) {
	if s == "" {
		return 0, p.fail("missing value")
	}
	if v, ok := p.b.names[s]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, p.fail("%q is not a value", s)
	}
	if v < p.b.min || v > p.b.max {
		return 0, p.fail("%d out of range [%d,%d]", v, p.b.min, p.b.max)
	}
	return v, nil
}

// list parses comma-separated values, ranges and steps.
func (p fieldParser) list(field string) (fieldSet, error) {
	set := newFieldSet(p.b)
	for _, part := range strings.Split(field, ",") {
		if err := p.part(&set, part); err != nil {
			return set, err
		}
	}
	return set, nil
}

func (p fieldParser) part(set *fieldSet, part string) error {
	rng, stepText, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		v, err := strconv.Atoi(stepText)
		if err != nil || v < 1 {
			return p.fail("invalid step %q", stepText)
		}
		if v > p.b.max-p.b.min+1 {
			return p.fail("step %d exceeds field range", v)
		}
		step = v
	}

	var lo, hi int
	switch {
	case rng == "*":
		lo, hi = p.b.min, p.b.max
	case strings.Contains(rng, "-"):
		a, b, _ := strings.Cut(rng, "-")
		var err error
		if lo, err = p.value(a); err != nil {
			return err
		}
		if hi, err = p.value(b); err != nil {
			return err
		}
	default:
		v, err := p.value(rng)
		if err != nil {
			return err
		}
		lo, hi = v, v
		if hasStep {
			hi = p.b.max
		}
	}

	if lo <= hi {
		for v := lo; v <= hi; v += step {
			set.add(v)
		}
		return nil
	}
	if !p.b.cyclic {
		return p.fail("range %d-%d is reversed", lo, hi)
	}
	size := p.b.max - p.b.min + 1
	span := (hi - lo + size) % size
	for i := 0; i <= span; i += step {
		set.add(p.b.min + (lo-p.b.min+i)%size)
	}
	return nil
}

// domField is the day-of-month field.
type domField struct {
	noSpec     bool
	days       fieldSet
	last       bool
	lastOffset int
	nearest    int // nW target day, 0 when unused
}

func parseDOM(expr, field string) (domField, error) {
	p := fieldParser{expr: expr, b: domBounds}
	switch {
	case field == "?":
		return domField{noSpec: true}, nil
	case strings.ContainsAny(field, "LW"):
		if strings.Contains(field, ",") {
			return domField{}, p.fail("L and W cannot be used in a list")
		}
		if strings.Contains(field, "L") && strings.Contains(field, "W") {
			return domField{}, p.fail("combined L and W is not supported")
		}
		if field == "L" {
			return domField{last: true}, nil
		}
		if strings.HasPrefix(field, "L-") {
			n, err := strconv.Atoi(field[2:])
			if err != nil || n < 0 || n > 30 {
				return domField{}, p.fail("invalid last-day offset %q", field)
			}
			return domField{last: true, lastOffset: n}, nil
		}
		if strings.HasSuffix(field, "W") {
			d, err := p.value(strings.TrimSuffix(field, "W"))
			if err != nil {
				return domField{}, err
			}
			return domField{nearest: d}, nil
		}
		return domField{}, p.fail("invalid %q", field)
	default:
		set, err := p.list(field)
		return domField{days: set}, err
	}
}

func (f domField) matches(t time.Time) bool {
	y, m, d := t.Date()
	last := daysIn(m, y)
	switch {
	case f.last:
		return d == last-f.lastOffset
	case f.nearest > 0:
		target, ok := nearestWeekday(y, m, f.nearest, last)
		return ok && d == target
	default:
		return f.days.has(d)
	}
}

// nearestWeekday finds the weekday closest to day without leaving the month.
func nearestWeekday(y int, m time.Month, day, last int) (int, bool) {
	if day > last {
		return 0, false
	}
	switch time.Date(y, m, day, 0, 0, 0, 0, time.UTC).Weekday() {
	case time.Saturday:
		if day == 1 {
			return 3, true
		}
		return day - 1, true
	case time.Sunday:
		if day == last {
			return day - 2, true
		}
		return day + 1, true
	}
	return day, true
}

// dowField is the day-of-week field; 1=SUN .. 7=SAT.
type dowField struct {
	noSpec bool
	days   fieldSet
	lastOf int // "6L": last Friday of the month
	nthDay int // "6#3": weekday ...
	nth    int // ... and occurrence
}

func parseDOW(expr, field string) (dowField, error) {
	p := fieldParser{expr: expr, b: dowBounds}
	switch {
	case field == "?":
		return dowField{noSpec: true}, nil
	case field == "L":
		s := newFieldSet(dowBounds)
		s.add(7)
		return dowField{days: s}, nil
	case strings.Contains(field, "#"):
		if strings.Contains(field, ",") {
			return dowField{}, p.fail("# cannot be used in a list")
		}
		day, occ, _ := strings.Cut(field, "#")
		d, err := p.value(day)
		if err != nil {
			return dowField{}, err
		}
		n, err := strconv.Atoi(occ)
		if err != nil || n < 1 || n > 5 {
			return dowField{}, p.fail("occurrence %q must be 1-5", occ)
		}
		return dowField{nthDay: d, nth: n}, nil
	case strings.HasSuffix(field, "L"):
		if strings.Contains(field, ",") {
			return dowField{}, p.fail("L cannot be used in a list")
		}
		d, err := p.value(strings.TrimSuffix(field, "L"))
		if err != nil {
			return dowField{}, err
		}
		return dowField{lastOf: d}, nil
	default:
		set, err := p.list(field)
		return dowField{days: set}, err
	}
}

func (f dowField) matches(t time.Time) bool {
	wd := int(t.Weekday()) + 1
	switch {
	case f.lastOf > 0:
		return wd == f.lastOf && t.Day()+7 > daysIn(t.Month(), t.Year())
	case f.nth > 0:
		return wd == f.nthDay && (t.Day()-1)/7+1 == f.nth
	default:
		return f.days.has(wd)
	}
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// maxDaysIn is the longest a month can be in any year.
func maxDaysIn(m time.Month) int {
	if m == time.February {
		return 29
	}
	return daysIn(m, 2001)
}
