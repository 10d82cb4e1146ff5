// Package eventbus is the listener bus: best-effort fan-out of scheduler
// lifecycle events.
package eventbus

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"cronkeeper/internal/domain"
	logx "cronkeeper/pkg/logx"
)

type Kind string

const (
	TriggerFired       Kind = "triggerFired"
	TriggerMisfired    Kind = "triggerMisfired"
	TriggerComplete    Kind = "triggerComplete"
	JobToBeExecuted    Kind = "jobToBeExecuted"
	JobExecutionVetoed Kind = "jobExecutionVetoed"
	JobWasExecuted     Kind = "jobWasExecuted"
	Started            Kind = "started"
	Standby            Kind = "standby"
	Shutdown           Kind = "shutdown"
	SchedulingError    Kind = "schedulingError"
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Trigger-level events carry Trigger and usually Record; execution events
// carry Completion; engine-level events carry neither.
type Event struct {
	Type       Kind
	Time       time.Time
	Trigger    domain.Key
	Record     *domain.FireRecord
	Completion *domain.Completion
	Err        error
}

func (e Event) String() string {
	if e.Trigger.IsZero() {
		return string(e.Type)
	}
	return fmt.Sprintf("%s %s", e.Type, e.Trigger)
}

// Handler observes events. Panics are recovered and logged.
type Handler func(e Event)

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Listen runs h on its own goroutine for every event of the given kinds
	// (all kinds when none are given). Events reach h in publish order.
	Listen(name string, buffer int, h Handler, kinds ...Kind) (unsubscribe func())
	// Dropped counts events not delivered because a subscriber was full.
	Dropped() uint64
	// Close unsubscribes everything.
	Close()
}

// New returns an in-memory fanout bus.
func New(log logx.Logger) Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &memBus{
		subs:     map[uint64]*subscriber{},
		log:      log.With(logx.String("comp", "eventbus")),
		throttle: logx.NewThrottle(5*time.Second, 1),
	}
}

type subscriber struct {
	name  string
	ch    chan Event
	unsub func()
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64

	log      logx.Logger
	throttle *logx.Throttle
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock is cheap; it keeps an
	// unsubscribe from closing a channel mid-send.
	var slow []string
	b.mu.RLock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			slow = append(slow, s.name)
		}
	}
	b.mu.RUnlock()

	for _, name := range slow {
		b.dropped.Add(1)
		if b.throttle.Allow("drop:" + name) {
			b.log.Warn("listener too slow, event dropped",
				logx.String("listener", name), logx.String("event", string(e.Type)),
				logx.Uint64("dropped_total", b.dropped.Load()))
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	s := b.add("subscriber", buffer)
	return s.ch, s.unsub
}

func (b *memBus) add(name string, buffer int) *subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{name: name, ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	s.unsub = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(s.ch)
		})
	}
	return s
}

func (b *memBus) Listen(name string, buffer int, h Handler, kinds ...Kind) func() {
	if h == nil {
		return func() {}
	}
	var want map[Kind]bool
	if len(kinds) > 0 {
		want = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			want[k] = true
		}
	}
	s := b.add(name, buffer)
	log := b.log.With(logx.String("listener", name))
	go func() {
		for e := range s.ch {
			if want != nil && !want[e.Type] {
				continue
			}
			deliver(log, h, e)
		}
	}()
	return s.unsub
}

func deliver(log logx.Logger, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("listener panicked", logx.String("event", string(e.Type)), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	h(e)
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

func (b *memBus) Close() {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.unsub()
	}
}
