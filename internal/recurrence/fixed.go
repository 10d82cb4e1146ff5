package recurrence

import (
	"strconv"
	"strings"
	"time"
)

// RepeatForever is the RepeatCount of an unbounded fixed interval.
const RepeatForever = -1

// FixedInterval fires at Start + k*Interval for k = 0..RepeatCount.
// RepeatCount 0 is a one-shot; RepeatForever never runs out.
type FixedInterval struct {
	Start       time.Time
	Interval    time.Duration
	RepeatCount int
}

// NewFixedInterval validates and returns a fixed interval rule.
func NewFixedInterval(start time.Time, interval time.Duration, repeat int) (FixedInterval, error) {
	f := FixedInterval{Start: start, Interval: interval, RepeatCount: repeat}
	if start.IsZero() {
		return f, invalid(f.String(), "start", "required")
	}
	if repeat < RepeatForever {
		return f, invalid(f.String(), "repeat", "must be >= -1")
	}
	if interval <= 0 && repeat != 0 {
		return f, invalid(f.String(), "interval", "must be > 0")
	}
	return f, nil
}

// Once is a one-shot rule firing at t.
func Once(t time.Time) FixedInterval {
	return FixedInterval{Start: t, RepeatCount: 0}
}

func (f FixedInterval) Kind() Kind { return KindFixed }

func (f FixedInterval) Next(after time.Time) (time.Time, bool) {
	if after.Before(f.Start) {
		return f.Start, true
	}
	if f.Interval <= 0 {
		return time.Time{}, false
	}
	k := int64(after.Sub(f.Start)/f.Interval) + 1
	if f.RepeatCount != RepeatForever && k > int64(f.RepeatCount) {
		return time.Time{}, false
	}
	return f.At(int(k)), true
}

// At returns the k-th instant (k=0 is Start).
func (f FixedInterval) At(k int) time.Time {
	return f.Start.Add(time.Duration(k) * f.Interval)
}

// CountBefore reports how many instants fall strictly before t, capped at the
// total number of instants for bounded rules.
func (f FixedInterval) CountBefore(t time.Time) int {
	if !t.After(f.Start) {
		return 0
	}
	n := 1
	if f.Interval > 0 {
		d := t.Sub(f.Start)
		n = int(d / f.Interval)
		if d%f.Interval != 0 {
			n++
		}
	}
	if f.RepeatCount != RepeatForever && n > f.RepeatCount+1 {
		n = f.RepeatCount + 1
	}
	return n
}

// Remaining reports instants at or after t, or -1 for unbounded rules.
func (f FixedInterval) Remaining(t time.Time) int {
	if f.RepeatCount == RepeatForever {
		return -1
	}
	return f.RepeatCount + 1 - f.CountBefore(t)
}

// String renders fixed:R<n>/<start>/<interval>; a bare R means forever.
func (f FixedInterval) String() string {
	var b strings.Builder
	b.WriteString("fixed:R")
	if f.RepeatCount != RepeatForever {
		b.WriteString(strconv.Itoa(f.RepeatCount))
	}
	b.WriteByte('/')
	b.WriteString(f.Start.Format(time.RFC3339Nano))
	b.WriteByte('/')
	b.WriteString(f.Interval.String())
	return b.String()
}

func parseFixed(orig, body string) (Spec, error) {
	parts := strings.Split(strings.TrimSpace(body), "/")
	if len(parts) != 3 {
		return nil, invalid(orig, "", "want R<n>/<start>/<interval>")
	}
	rep := strings.TrimSpace(parts[0])
	if !strings.HasPrefix(rep, "R") {
		return nil, invalid(orig, "repeat", "must start with R")
	}
	count := RepeatForever
	if n := rep[1:]; n != "" {
		v, err := strconv.Atoi(n)
		if err != nil {
			return nil, invalid(orig, "repeat", "%q is not a number", n)
		}
		count = v
	}
	start, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, invalid(orig, "start", "%v", err)
	}
	interval, err := time.ParseDuration(strings.TrimSpace(parts[2]))
	if err != nil {
		return nil, invalid(orig, "interval", "%v", err)
	}
	return NewFixedInterval(start, interval, count)
}
