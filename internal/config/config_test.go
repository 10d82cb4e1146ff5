package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/recurrence"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: Europe/Berlin
  idle_wait: 10s
  misfire_threshold: 1m
dispatcher:
  workers: 4
store:
  driver: sqlite
  path: ./data/ck.db
calendars:
  weekends:
    type: weekly
    days: [sat, sun]
jobs:
  - name: report
    group: billing
    kind: log
    data:
      message: hello
    triggers:
      - name: nightly
        schedule: "0 30 2 * * ?"
        calendar: weekends
        misfire: do_nothing
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestParseYAML(t *testing.T) {
	cfg, err := ParseFile(writeFile(t, "cronkeeper.yaml", sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	require.Len(t, cfg.Jobs, 1)
	assert.Equal(t, "hello", cfg.Jobs[0].Data["message"])
	assert.Equal(t, []string{"sat", "sun"}, cfg.Calendars["weekends"].Days)
}

func TestParseJSONRejectsUnknownFields(t *testing.T) {
	_, err := ParseFile(writeFile(t, "c.json", `{"scheduler":{"idle_wait":"5s","workers":3}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")

	_, err = ParseFile(writeFile(t, "c.json", `{} {}`))
	require.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Logging:   LoggingConfig{Level: "loud"},
		Scheduler: SchedulerConfig{IdleWait: "soon", Timezone: "Mars/Olympus"},
		Store:     StoreConfig{Driver: "postgres"},
		Admin:     AdminConfig{Enabled: true, Addr: "0.0.0.0:8087"},
		Jobs: []JobConfig{
			{Name: "a", Kind: "log", Triggers: []TriggerConfig{{Name: "t", Schedule: "0 0 * * * ?"}}},
			{Name: "a", Kind: "log", Durable: true},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{"logging.level", "scheduler.idle_wait", "timezone", "postgres needs dsn", "requires token", "duplicate work item"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateTriggerProblems(t *testing.T) {
	cfg := &Config{Jobs: []JobConfig{{
		Name: "w", Kind: "log",
		Triggers: []TriggerConfig{
			{Name: "bad", Schedule: "not a schedule at all"},
			{Name: "cal", Schedule: "0 0 * * * ?", Calendar: "nope"},
			{Name: "mis", Schedule: "0 0 * * * ?", Misfire: "reschedule_now_existing_count"},
		},
	}}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "triggers[0]")
	assert.Contains(t, err.Error(), `unknown calendar "nope"`)
	assert.Contains(t, err.Error(), "misfire")
}

func TestTriggerUsesDefaultZone(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	work := domain.NewKey("w", "")

	tr, err := TriggerConfig{Name: "n", Schedule: "0 0 9 * * ?", Start: "2024-01-01T00:00:00Z"}.Trigger(work, berlin)
	require.NoError(t, err)
	next, ok := recurrence.NextFire(tr.Recurrence, tr.StartAt, time.Time{}, nil)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), next.UTC())

	tr, err = TriggerConfig{Name: "n", Schedule: "cron:TZ=UTC 0 0 9 * * ?", Start: "2024-01-01T00:00:00Z"}.Trigger(work, berlin)
	require.NoError(t, err)
	next, _ = recurrence.NextFire(tr.Recurrence, tr.StartAt, time.Time{}, nil)
	assert.Equal(t, 9, next.UTC().Hour(), "explicit zone wins")

	tr, err = TriggerConfig{Name: "n", Schedule: "crontab:@every 10m", Start: "2024-01-01T00:00:00Z", End: "2024-02-01T00:00:00Z"}.Trigger(work, berlin)
	require.NoError(t, err)
	require.NotNil(t, tr.EndAt)
	assert.Equal(t, recurrence.KindCrontab, tr.Recurrence.Kind())
}

func TestCalendarConfigs(t *testing.T) {
	sat := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	mon := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		cc       CalendarConfig
		excluded time.Time
		included time.Time
	}{
		{"weekly", CalendarConfig{Type: "weekly", Days: []string{"Saturday", "sun"}}, sat, mon},
		{"holiday", CalendarConfig{Type: "holiday", Dates: []string{"2024-03-04"}}, mon, sat},
		{"daily", CalendarConfig{Type: "daily", From: "11:00", To: "13:00"}, mon, mon.Add(2 * time.Hour)},
		{"cron", CalendarConfig{Type: "cron", Expr: "* * 12 ? * MON"}, mon, sat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cal, err := tc.cc.Calendar(time.UTC)
			require.NoError(t, err)
			assert.True(t, cal.Excluded(tc.excluded))
			assert.False(t, cal.Excluded(tc.included))
		})
	}

	_, err := CalendarConfig{Type: "lunar"}.Calendar(time.UTC)
	assert.Error(t, err)
	_, err = CalendarConfig{Type: "weekly", Days: []string{"someday"}}.Calendar(time.UTC)
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	old := &Config{Scheduler: SchedulerConfig{IdleWait: "30s"}, Store: StoreConfig{Driver: "memory", DSN: "secret"}}
	live := *old
	live.Scheduler.IdleWait = "5s"
	live.Logging.Level = "debug"

	ch := Summarize(old, &live)
	assert.Equal(t, []string{"logging", "scheduler"}, ch.Sections)
	assert.True(t, ch.Live)

	restart := live
	restart.Store.Driver = "sqlite"
	ch = Summarize(&live, &restart)
	assert.True(t, ch.Changed("store"))
	assert.False(t, ch.Live)

	assert.Empty(t, Summarize(old, old).Sections)
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "cronkeeper.json", `{"scheduler":{"idle_wait":"30s"}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"idle_wait":"oops"}}`), 0o644))
	time.Sleep(2 * reloadDebounce)
	assert.Equal(t, "30s", m.Get().Scheduler.IdleWait, "invalid config is not committed")

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"idle_wait":"5s"}}`), 0o644))
	select {
	case cfg := <-ch:
		assert.Equal(t, "5s", cfg.Scheduler.IdleWait)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
	assert.Equal(t, "5s", m.Get().Scheduler.IdleWait)
}
