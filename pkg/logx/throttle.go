package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle bounds how often a given key may log.
//
// The firing loop hits the same warning once per cycle when the worker pool is
// saturated or a store is flapping; a keyed limiter keeps those lines readable.
type Throttle struct {
	mu      sync.Mutex
	every   time.Duration
	burst   int
	keys    map[string]*rate.Limiter
	maxKeys int
}

// NewThrottle allows burst events per key, refilled at one per every.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, keys: map[string]*rate.Limiter{}, maxKeys: 4096}
}

// Allow reports whether an event for key may be logged now.
// A nil Throttle always allows.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim := t.keys[key]
	if lim == nil {
		if len(t.keys) >= t.maxKeys {
			// Key churn (e.g. per-trigger keys): start over rather than grow unbounded.
			t.keys = map[string]*rate.Limiter{}
		}
		lim = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.keys[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}
