// Package metrics exports scheduler activity to Prometheus by listening on
// the event bus.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/eventbus"
	"cronkeeper/internal/task/scheduler"
	logx "cronkeeper/pkg/logx"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "cronkeeper"

// Collector holds the engine metrics. Registration failures are logged and
// leave the affected metric unexported; they never fail the engine.
type Collector struct {
	log logx.Logger
	reg prometheus.Registerer
	ns  string

	fires         *prometheus.CounterVec
	misfires      prometheus.Counter
	completed     prometheus.Counter
	schedErrors   prometheus.Counter
	execDuration  *prometheus.HistogramVec
	startLateness prometheus.Histogram
}

func New(reg prometheus.Registerer, namespace string, log logx.Logger) *Collector {
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultNamespace
	}
	c := &Collector{log: log.With(logx.String("comp", "metrics")), reg: reg, ns: namespace}

	c.fires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fires_total",
		Help:      "Executed or vetoed fires by outcome.",
	}, []string{"status"})
	c.misfires = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "misfires_total",
		Help:      "Triggers acquired later than the misfire threshold.",
	})
	c.completed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "triggers_completed_total",
		Help:      "Triggers that reached their final instant.",
	})
	c.schedErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduling_errors_total",
		Help:      "Store failures while recording fire outcomes, and fatal loop errors.",
	})
	c.execDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_duration_seconds",
		Help:      "Work execution time.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"status"})
	c.startLateness = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "start_lateness_seconds",
		Help:      "Delay between the scheduled instant and the start of execution.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
	})

	c.register(c.fires, "fires_total")
	c.register(c.misfires, "misfires_total")
	c.register(c.completed, "triggers_completed_total")
	c.register(c.schedErrors, "scheduling_errors_total")
	c.register(c.execDuration, "execution_duration_seconds")
	c.register(c.startLateness, "start_lateness_seconds")
	return c
}

func (c *Collector) register(col prometheus.Collector, name string) {
	if err := c.reg.Register(col); err != nil {
		c.log.Warn("metric registration failed", logx.String("name", c.ns+"_"+name), logx.Err(err))
	}
}

// Observe subscribes the collector to bus and returns the unsubscribe func.
func (c *Collector) Observe(bus eventbus.Bus) func() {
	return bus.Listen("metrics", 1024, c.Handle,
		eventbus.TriggerMisfired, eventbus.TriggerComplete, eventbus.JobToBeExecuted,
		eventbus.JobWasExecuted, eventbus.JobExecutionVetoed, eventbus.SchedulingError)
}

// Handle records one event.
func (c *Collector) Handle(e eventbus.Event) {
	switch e.Type {
	case eventbus.TriggerMisfired:
		c.misfires.Inc()
	case eventbus.TriggerComplete:
		c.completed.Inc()
	case eventbus.SchedulingError:
		c.schedErrors.Inc()
	case eventbus.JobToBeExecuted:
		if e.Record != nil && !e.Record.FiredAt.IsZero() && !e.Record.ScheduledAt.IsZero() {
			late := e.Record.FiredAt.Sub(e.Record.ScheduledAt)
			c.startLateness.Observe(max(late.Seconds(), 0))
		}
	case eventbus.JobWasExecuted, eventbus.JobExecutionVetoed:
		if e.Completion == nil {
			return
		}
		status := e.Completion.Status.String()
		c.fires.WithLabelValues(status).Inc()
		if e.Completion.Status != domain.CompletionVetoed {
			c.execDuration.WithLabelValues(status).Observe(e.Completion.Duration().Seconds())
		}
	}
}

// WatchEngine exports gauges read from the engine snapshot at scrape time.
func (c *Collector) WatchEngine(s *scheduler.Scheduler) {
	gauge := func(name, help string, fn func(scheduler.Snapshot) float64) {
		c.register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: c.ns, Name: name, Help: help},
			func() float64 { return fn(s.Snapshot()) }), name)
	}
	gauge("in_flight", "Fires handed to the dispatcher and not yet completed.",
		func(s scheduler.Snapshot) float64 { return float64(s.InFlight) })
	gauge("workers_busy", "Busy execution slots.",
		func(s scheduler.Snapshot) float64 { return float64(s.Dispatcher.Busy) })
	gauge("workers", "Execution slots.",
		func(s scheduler.Snapshot) float64 { return float64(s.Dispatcher.Workers) })
	gauge("store_errors", "Failed acquisition cycles since start.",
		func(s scheduler.Snapshot) float64 { return float64(s.StoreErrors) })
	gauge("owed_writes", "Fire outcomes and releases waiting for the store to recover.",
		func(s scheduler.Snapshot) float64 { return float64(s.Owed) })

	bus := s.Bus()
	c.register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: c.ns,
		Name:      "events_dropped_total",
		Help:      "Listener events dropped because a listener fell behind.",
	}, func() float64 { return float64(bus.Dropped()) }), "events_dropped_total")
}
