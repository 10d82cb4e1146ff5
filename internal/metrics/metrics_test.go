package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/eventbus"
	"cronkeeper/internal/store"
	"cronkeeper/internal/task/scheduler"
	logx "cronkeeper/pkg/logx"
)

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func counterWithLabel(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	mf := family(t, reg, name)
	if mf == nil {
		return 0
	}
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestHandleCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, "", logx.Nop())

	now := time.Now()
	rec := domain.FireRecord{ID: "f", ScheduledAt: now.Add(-time.Second), FiredAt: now}
	c.Handle(eventbus.Event{Type: eventbus.JobToBeExecuted, Record: &rec})
	c.Handle(eventbus.Event{Type: eventbus.JobWasExecuted, Completion: &domain.Completion{Record: rec, Status: domain.CompletionSucceeded, FinishedAt: now.Add(time.Second)}})
	c.Handle(eventbus.Event{Type: eventbus.JobWasExecuted, Completion: &domain.Completion{Record: rec, Status: domain.CompletionFailed, Err: errors.New("x"), FinishedAt: now}})
	c.Handle(eventbus.Event{Type: eventbus.JobExecutionVetoed, Completion: &domain.Completion{Record: rec, Status: domain.CompletionVetoed}})
	c.Handle(eventbus.Event{Type: eventbus.TriggerMisfired})
	c.Handle(eventbus.Event{Type: eventbus.TriggerComplete})
	c.Handle(eventbus.Event{Type: eventbus.SchedulingError, Err: store.ErrUnavailable})

	assert.Equal(t, 1.0, counterWithLabel(t, reg, "cronkeeper_fires_total", "status", "succeeded"))
	assert.Equal(t, 1.0, counterWithLabel(t, reg, "cronkeeper_fires_total", "status", "failed"))
	assert.Equal(t, 1.0, counterWithLabel(t, reg, "cronkeeper_fires_total", "status", "vetoed"))
	assert.Equal(t, 1.0, family(t, reg, "cronkeeper_misfires_total").GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, family(t, reg, "cronkeeper_triggers_completed_total").GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, family(t, reg, "cronkeeper_scheduling_errors_total").GetMetric()[0].GetCounter().GetValue())

	lateness := family(t, reg, "cronkeeper_start_lateness_seconds").GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(1), lateness.GetSampleCount())
	assert.InDelta(t, 1.0, lateness.GetSampleSum(), 0.001)

	durations := family(t, reg, "cronkeeper_execution_duration_seconds")
	require.NotNil(t, durations)
	assert.Len(t, durations.GetMetric(), 2, "vetoes have no execution time")
}

func TestDuplicateRegistrationIsTolerated(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg, "ck", logx.Nop())
	c := New(reg, "ck", logx.Nop())
	assert.NotPanics(t, func() { c.Handle(eventbus.Event{Type: eventbus.TriggerMisfired}) })
}

func TestObserveAndEngineGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, "ck", logx.Nop())
	s := scheduler.New(scheduler.Config{InstanceID: "n"}, store.NewMemory(store.Options{}), scheduler.Options{})
	c.WatchEngine(s)
	stop := c.Observe(s.Bus())
	defer stop()

	s.Bus().Publish(eventbus.Event{Type: eventbus.TriggerMisfired})
	require.Eventually(t, func() bool {
		mf := family(t, reg, "ck_misfires_total")
		return mf != nil && mf.GetMetric()[0].GetCounter().GetValue() == 1
	}, 2*time.Second, 10*time.Millisecond)

	workers := family(t, reg, "ck_workers")
	require.NotNil(t, workers)
	assert.Equal(t, 10.0, workers.GetMetric()[0].GetGauge().GetValue())
	assert.NotNil(t, family(t, reg, "ck_events_dropped_total"))
}
