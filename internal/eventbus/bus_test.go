package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronkeeper/internal/domain"
	logx "cronkeeper/pkg/logx"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestSubscribeReceivesInOrder(t *testing.T) {
	b := New(logx.Nop())
	defer b.Close()
	ch, unsub := b.Subscribe(8)
	defer unsub()

	k := domain.NewKey("t", "")
	b.Publish(Event{Type: TriggerFired, Trigger: k})
	b.Publish(Event{Type: TriggerComplete, Trigger: k})

	first := recv(t, ch)
	assert.Equal(t, TriggerFired, first.Type)
	assert.False(t, first.Time.IsZero(), "publish stamps the time")
	assert.Equal(t, TriggerComplete, recv(t, ch).Type)
	assert.Equal(t, "triggerComplete DEFAULT.t", Event{Type: TriggerComplete, Trigger: k}.String())
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := New(logx.Nop())
	defer b.Close()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: JobWasExecuted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, uint64(9), b.Dropped())
}

func TestListenFiltersKinds(t *testing.T) {
	b := New(logx.Nop())
	defer b.Close()

	got := make(chan Kind, 4)
	unsub := b.Listen("filter", 8, func(e Event) { got <- e.Type }, Started, Shutdown)
	defer unsub()

	b.Publish(Event{Type: TriggerFired})
	b.Publish(Event{Type: Started})
	b.Publish(Event{Type: Shutdown})

	assert.Equal(t, Started, <-got)
	assert.Equal(t, Shutdown, <-got)
	select {
	case k := <-got:
		t.Fatalf("unexpected %s", k)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPanickingListenerDoesNotStopDelivery(t *testing.T) {
	b := New(logx.Nop())
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	calls := 0
	b.Listen("fragile", 8, func(e Event) {
		defer wg.Done()
		calls++
		if calls == 1 {
			panic("listener bug")
		}
	})
	b.Publish(Event{Type: TriggerFired})
	b.Publish(Event{Type: TriggerFired})
	wg.Wait()
	assert.Equal(t, 2, calls)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(logx.Nop())
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, open := <-ch
	require.False(t, open)
	b.Publish(Event{Type: Standby})
	b.Close()
}

func TestPublishRacesUnsubscribe(t *testing.T) {
	b := New(logx.Nop())
	defer b.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(Event{Type: TriggerFired})
			}
		}
	}()
	for i := 0; i < 200; i++ {
		_, unsub := b.Subscribe(1)
		stopListen := b.Listen("l", 1, func(Event) {})
		unsub()
		stopListen()
	}
	close(stop)
	wg.Wait()
}
