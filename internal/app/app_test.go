package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronkeeper/internal/config"
	"cronkeeper/internal/domain"
	"cronkeeper/internal/recurrence"
	"cronkeeper/internal/store"
	"cronkeeper/internal/task/scheduler"
	"cronkeeper/internal/work"
	logx "cronkeeper/pkg/logx"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*scheduler.Scheduler, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	cals := recurrence.NewCalendars()
	s := scheduler.New(scheduler.Config{InstanceID: "test"}, store.NewMemory(store.Options{Calendars: cals.Lookup}), scheduler.Options{
		Log:       logx.Nop(),
		Clock:     clock,
		Calendars: cals,
	})
	_, err := work.RegisterBuiltins(s, logx.Nop())
	require.NoError(t, err)
	return s, clock
}

func reportJobs(hourly string, withNoon bool) *config.Config {
	job := config.JobConfig{
		Name:  "report",
		Group: "reports",
		Kind:  work.KindLog,
		Data:  map[string]string{"message": "report"},
		Triggers: []config.TriggerConfig{
			{Name: "hourly", Schedule: hourly},
		},
	}
	cfg := &config.Config{Jobs: []config.JobConfig{job}}
	if withNoon {
		cfg.Calendars = map[string]config.CalendarConfig{"weekend": {Type: "weekly", Days: []string{"sat", "sun"}}}
		cfg.Jobs[0].Triggers = append(cfg.Jobs[0].Triggers, config.TriggerConfig{Name: "noon", Schedule: "0 0 12 * * ?", Calendar: "weekend"})
	}
	return cfg
}

func TestApplyDeclaredLifecycle(t *testing.T) {
	s, clock := newEngine(t)
	ctx := context.Background()
	hourly := domain.NewKey("hourly", "")
	noon := domain.NewKey("noon", "")

	decl, err := applyDeclared(ctx, s, reportJobs("fixed:R/2030-01-01T00:00:00Z/1h", true), newDeclared(), clock.Now(), logx.Nop())
	require.NoError(t, err)
	assert.True(t, decl.calendars["weekend"])
	assert.True(t, decl.works[domain.NewKey("report", "reports")])
	assert.Len(t, decl.triggers, 2)

	tn, err := s.Trigger(ctx, noon)
	require.NoError(t, err)
	assert.True(t, tn.StartAt.Equal(t0))
	require.NotNil(t, tn.NextFireAt)
	assert.True(t, tn.NextFireAt.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	th, err := s.Trigger(ctx, hourly)
	require.NoError(t, err)

	// Reapplying the same config later keeps both timelines.
	clock.Advance(time.Hour)
	decl, err = applyDeclared(ctx, s, reportJobs("fixed:R/2030-01-01T00:00:00Z/1h", true), decl, clock.Now(), logx.Nop())
	require.NoError(t, err)
	again, err := s.Trigger(ctx, noon)
	require.NoError(t, err)
	assert.Equal(t, tn.Version, again.Version)
	assert.True(t, again.StartAt.Equal(t0))
	again, err = s.Trigger(ctx, hourly)
	require.NoError(t, err)
	assert.Equal(t, th.Version, again.Version)

	// A changed schedule replaces the trigger; dropped entries are removed.
	decl, err = applyDeclared(ctx, s, reportJobs("fixed:R/2030-01-01T00:00:00Z/2h", false), decl, clock.Now(), logx.Nop())
	require.NoError(t, err)
	again, err = s.Trigger(ctx, hourly)
	require.NoError(t, err)
	assert.Greater(t, again.Version, th.Version)
	_, err = s.Trigger(ctx, noon)
	assert.True(t, scheduler.IsNotFound(err))
	_, ok := s.Calendars().Get("weekend")
	assert.False(t, ok)
	assert.False(t, decl.calendars["weekend"])

	decl, err = applyDeclared(ctx, s, &config.Config{}, decl, clock.Now(), logx.Nop())
	require.NoError(t, err)
	assert.Empty(t, decl.works)
	_, err = s.WorkItem(ctx, domain.NewKey("report", "reports"))
	assert.True(t, scheduler.IsNotFound(err))
}

func TestApplyDeclaredLeavesRuntimeObjects(t *testing.T) {
	s, clock := newEngine(t)
	ctx := context.Background()

	adhoc := domain.WorkItem{Key: domain.NewKey("adhoc", "ops"), Kind: work.KindLog, Durable: true}
	require.NoError(t, s.AddWorkItem(ctx, adhoc, false))

	decl, err := applyDeclared(ctx, s, reportJobs("fixed:R/2030-01-01T00:00:00Z/1h", false), newDeclared(), clock.Now(), logx.Nop())
	require.NoError(t, err)
	_, err = applyDeclared(ctx, s, &config.Config{}, decl, clock.Now(), logx.Nop())
	require.NoError(t, err)

	_, err = s.WorkItem(ctx, adhoc.Key)
	assert.NoError(t, err)
}

func TestSameTrigger(t *testing.T) {
	base := domain.Trigger{
		Key:        domain.NewKey("a", "g"),
		WorkKey:    domain.NewKey("w", "g"),
		Recurrence: recurrence.Once(t0),
		StartAt:    t0,
		Data:       domain.DataMap{"k": "v"},
	}
	stored := base.Clone()
	stored.Priority = domain.DefaultPriority
	stored.TimesFired = 3
	assert.True(t, sameTrigger(stored, base))

	undated := base.Clone()
	undated.StartAt = time.Time{}
	assert.True(t, sameTrigger(stored, undated))

	other := base.Clone()
	other.Data = domain.DataMap{"k": "w"}
	assert.False(t, sameTrigger(stored, other))

	other = base.Clone()
	other.Misfire = domain.MisfireFireNow
	assert.False(t, sameTrigger(stored, other))

	other = base.Clone()
	other.EndAt = domain.TimePtr(t0.Add(time.Hour))
	assert.False(t, sameTrigger(stored, other))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cronkeeper.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestAppStartStop(t *testing.T) {
	path := writeConfig(t, `{
		"logging": {"level": "error"},
		"store": {"driver": "memory"},
		"metrics": {"enabled": true},
		"jobs": [{
			"name": "ping", "kind": "log", "durable": true,
			"triggers": [{"name": "ping", "schedule": "fixed:R/2030-01-01T00:00:00Z/1h"}]
		}]
	}`)
	ctx := context.Background()

	a, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	ts, err := a.Scheduler().Triggers(ctx, "")
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, "ping", ts[0].Key.Name)
	assert.Equal(t, scheduler.StateStarted, a.Scheduler().State())

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))
	assert.Equal(t, scheduler.StateShutdown, a.Scheduler().State())
	<-a.Done()
	assert.NoError(t, a.Err())
}

func TestAppRejectsUnknownKind(t *testing.T) {
	path := writeConfig(t, `{
		"logging": {"level": "error"},
		"jobs": [{"name": "x", "kind": "telepathy", "durable": true, "triggers": []}]
	}`)
	ctx := context.Background()

	a, err := New(ctx, path)
	require.NoError(t, err)
	err = a.Start(ctx)
	assert.ErrorIs(t, err, scheduler.ErrUnknownWorkKind)
	require.NoError(t, a.Stop(ctx, StopFatalError))
}

func TestAppReportsEngineHalt(t *testing.T) {
	path := writeConfig(t, `{"logging": {"level": "error"}}`)
	ctx := context.Background()

	a, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	// A shutdown nobody asked the app for ends the run.
	require.NoError(t, a.Scheduler().Shutdown(ctx))
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("app kept running after the engine halted")
	}
	assert.ErrorIs(t, a.Err(), ErrEngineHalted)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopEngineHalted))
}

func TestApplyDeclaredRejectsUnsatisfiableSchedule(t *testing.T) {
	s, clock := newEngine(t)
	ctx := context.Background()

	// April and June have no 31st.
	decl, err := applyDeclared(ctx, s, reportJobs("0 0 0 31 4,6 ?", false), newDeclared(), clock.Now(), logx.Nop())
	require.ErrorIs(t, err, recurrence.ErrInvalidExpression)
	assert.Empty(t, decl.triggers)
	_, err = s.Trigger(ctx, domain.NewKey("hourly", ""))
	assert.True(t, scheduler.IsNotFound(err))
}
