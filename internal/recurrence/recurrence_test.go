package recurrence

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedIntervalSequence(t *testing.T) {
	t.Parallel()
	start := utc(2024, 1, 1, 12, 0, 0)
	f, err := NewFixedInterval(start, time.Minute, 3)
	require.NoError(t, err)

	var got []time.Time
	after := start.Add(-time.Nanosecond)
	for {
		next, ok := f.Next(after)
		if !ok {
			break
		}
		got = append(got, next)
		after = next
	}
	assert.Equal(t, []time.Time{start, start.Add(time.Minute), start.Add(2 * time.Minute), start.Add(3 * time.Minute)}, got)
}

func TestFixedIntervalCounting(t *testing.T) {
	t.Parallel()
	start := utc(2024, 1, 1, 0, 0, 0)
	f := FixedInterval{Start: start, Interval: 10 * time.Second, RepeatCount: 5}

	assert.Equal(t, 0, f.CountBefore(start))
	assert.Equal(t, 2, f.CountBefore(start.Add(20*time.Second)))
	assert.Equal(t, 3, f.CountBefore(start.Add(25*time.Second)))
	assert.Equal(t, 6, f.CountBefore(start.Add(time.Hour)))
	assert.Equal(t, 4, f.Remaining(start.Add(15*time.Second)))
	assert.Equal(t, -1, FixedInterval{Start: start, Interval: time.Second, RepeatCount: RepeatForever}.Remaining(start))
}

func TestFixedIntervalOnce(t *testing.T) {
	t.Parallel()
	at := utc(2024, 1, 1, 0, 0, 0)
	o := Once(at)
	next, ok := o.Next(at.Add(-time.Second))
	require.True(t, ok)
	assert.Equal(t, at, next)
	_, ok = o.Next(at)
	assert.False(t, ok)
}

func TestFixedIntervalRejects(t *testing.T) {
	t.Parallel()
	_, err := NewFixedInterval(time.Time{}, time.Second, 1)
	assert.ErrorIs(t, err, ErrInvalidExpression)
	_, err = NewFixedInterval(utc(2024, 1, 1, 0, 0, 0), 0, 2)
	assert.ErrorIs(t, err, ErrInvalidExpression)
	_, err = NewFixedInterval(utc(2024, 1, 1, 0, 0, 0), time.Second, -2)
	assert.ErrorIs(t, err, ErrInvalidExpression)
}

func TestCalendarIntervalClampsMonths(t *testing.T) {
	t.Parallel()
	c, err := NewCalendarInterval(utc(2024, 1, 31, 9, 0, 0), 1, UnitMonth, time.UTC)
	require.NoError(t, err)

	got := Upcoming(c, utc(2024, 1, 31, 9, 0, 0), 4, nil)
	assert.Equal(t, []time.Time{
		utc(2024, 2, 29, 9, 0, 0),
		utc(2024, 3, 31, 9, 0, 0),
		utc(2024, 4, 30, 9, 0, 0),
		utc(2024, 5, 31, 9, 0, 0),
	}, got)
}

func TestCalendarIntervalUnits(t *testing.T) {
	t.Parallel()
	start := utc(2024, 2, 29, 0, 0, 0)
	tests := []struct {
		unit   Unit
		amount int
		after  time.Time
		want   time.Time
	}{
		{UnitYear, 1, start, utc(2025, 2, 28, 0, 0, 0)},
		{UnitYear, 4, start, utc(2028, 2, 29, 0, 0, 0)},
		{UnitWeek, 2, start.Add(time.Hour), utc(2024, 3, 14, 0, 0, 0)},
		{UnitDay, 3, utc(2024, 3, 10, 0, 0, 0), utc(2024, 3, 12, 0, 0, 0)},
		{UnitHour, 5, start, utc(2024, 2, 29, 5, 0, 0)},
		{UnitMonth, 1, utc(2024, 6, 1, 0, 0, 0), utc(2024, 6, 29, 0, 0, 0)},
		{UnitMonth, 1, utc(2023, 1, 1, 0, 0, 0), start},
	}
	for _, tc := range tests {
		t.Run(tc.unit.String(), func(t *testing.T) {
			c, err := NewCalendarInterval(start, tc.amount, tc.unit, nil)
			require.NoError(t, err)
			got, ok := c.Next(tc.after)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCalendarIntervalKeepsWallClockAcrossDST(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	start := time.Date(2024, 3, 9, 9, 0, 0, 0, loc)
	c, err := NewCalendarInterval(start, 1, UnitDay, loc)
	require.NoError(t, err)
	next, ok := c.Next(start)
	require.True(t, ok)
	assert.Equal(t, 9, next.In(loc).Hour())
	assert.Equal(t, 23*time.Hour, next.Sub(start))
}

func TestNextFireCalendarExclusion(t *testing.T) {
	t.Parallel()
	// Friday 2024-01-05, daily.
	c, err := NewCalendarInterval(utc(2024, 1, 5, 8, 0, 0), 1, UnitDay, nil)
	require.NoError(t, err)
	weekend := NewWeeklyCalendar(time.UTC, time.Saturday, time.Sunday)

	first, ok := FirstFire(c, utc(2024, 1, 5, 8, 0, 0), time.Time{}, weekend)
	require.True(t, ok)
	assert.Equal(t, utc(2024, 1, 5, 8, 0, 0), first)

	next, ok := NextFire(c, first, time.Time{}, weekend)
	require.True(t, ok)
	assert.Equal(t, utc(2024, 1, 8, 8, 0, 0), next)
}

func TestNextFireEndAndPathologicalCalendar(t *testing.T) {
	t.Parallel()
	f := FixedInterval{Start: utc(2024, 1, 1, 0, 0, 0), Interval: time.Hour, RepeatCount: RepeatForever}

	_, ok := NextFire(f, utc(2024, 1, 1, 0, 0, 0), utc(2024, 1, 1, 0, 30, 0), nil)
	assert.False(t, ok, "end bound")

	next, ok := NextFire(f, utc(2024, 1, 1, 0, 0, 0), utc(2024, 1, 1, 1, 0, 0), nil)
	require.True(t, ok, "end is inclusive")
	assert.Equal(t, utc(2024, 1, 1, 1, 0, 0), next)

	everything := CalendarFunc(func(time.Time) bool { return true })
	_, ok = NextFire(f, utc(2024, 1, 1, 0, 0, 0), time.Time{}, everything)
	assert.False(t, ok, "exclusion search must give up")
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()
	texts := []string{
		"cron:0 0/10 * * * ?",
		"cron:TZ=Europe/Berlin 0 0 9 ? * MON-FRI",
		"cron:0 0 0 L-3 * ? 2025-2030",
		"fixed:R/2024-01-01T00:00:00Z/1m0s",
		"fixed:R3/2024-01-01T00:00:00.5+02:00/1h30m0s",
		"calendar:2024-01-31T09:00:00Z/1/month",
		"calendar:TZ=America/New_York 2024-03-09T09:00:00-05:00/2/week",
		"crontab:*/5 * * * *",
		"crontab:@every 1m30s",
	}
	for _, text := range texts {
		t.Run(text, func(t *testing.T) {
			s, err := Parse(text)
			if errors.Is(err, ErrInvalidExpression) && strings.Contains(text, "TZ=") {
				t.Skip("tzdata unavailable")
			}
			require.NoError(t, err)
			assert.Equal(t, text, s.String())
			again, err := Parse(s.String())
			require.NoError(t, err)
			assert.Equal(t, s.String(), again.String())
			assert.Equal(t, s.Kind(), again.Kind())
		})
	}
}

func TestParseHeuristics(t *testing.T) {
	t.Parallel()
	s, err := Parse("0 0 12 ? * MON")
	require.NoError(t, err)
	assert.Equal(t, KindCron, s.Kind())

	s, err = Parse("*/5 * * * *")
	require.NoError(t, err)
	assert.Equal(t, KindCrontab, s.Kind())
	next, ok := s.Next(utc(2024, 1, 1, 12, 1, 0))
	require.True(t, ok)
	assert.Equal(t, utc(2024, 1, 1, 12, 5, 0), next)

	s, err = Parse("@daily")
	require.NoError(t, err)
	assert.Equal(t, KindCrontab, s.Kind())

	for _, bad := range []string{"", "nope", "fixed:R/notatime/1s", "calendar:2024-01-01T00:00:00Z/1/fortnight", "crontab:61 * * * *"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrInvalidExpression, bad)
	}
}

func TestCalendars(t *testing.T) {
	t.Parallel()
	night, err := NewDailyCalendar(time.UTC, 22*time.Hour, 6*time.Hour, false)
	require.NoError(t, err)
	assert.True(t, night.Excluded(utc(2024, 1, 1, 23, 0, 0)))
	assert.True(t, night.Excluded(utc(2024, 1, 1, 5, 59, 59)))
	assert.False(t, night.Excluded(utc(2024, 1, 1, 6, 0, 0)))

	holidays := NewHolidayCalendar(time.UTC, utc(2024, 12, 25, 0, 0, 0))
	assert.True(t, holidays.Excluded(utc(2024, 12, 25, 18, 0, 0)))
	assert.False(t, holidays.Excluded(utc(2024, 12, 26, 0, 0, 0)))

	early, err := NewCronCalendar("* * 0-7 * * ?", time.UTC)
	require.NoError(t, err)
	assert.True(t, early.Excluded(utc(2024, 1, 1, 3, 15, 0)))
	assert.False(t, early.Excluded(utc(2024, 1, 1, 9, 0, 0)))

	reg := NewCalendars()
	require.NoError(t, reg.Add("night", night, false))
	assert.ErrorIs(t, reg.Add("night", holidays, false), ErrCalendarExists)
	require.NoError(t, reg.Add("holidays", Union{holidays, night}, false))
	assert.Equal(t, []string{"holidays", "night"}, reg.Names())

	cal, ok := reg.Get("holidays")
	require.True(t, ok)
	assert.True(t, cal.Excluded(utc(2024, 3, 1, 23, 30, 0)))

	require.NoError(t, reg.Remove("night"))
	assert.ErrorIs(t, reg.Remove("night"), ErrCalendarNotFound)
	assert.Nil(t, reg.Lookup(""))
}
