package scheduler

import (
	"fmt"
	"strings"
	"sync"

	"cronkeeper/internal/task/dispatch"
)

// registry maps work kinds to the code that executes them. Work items name
// a kind; the store only persists the name.
type registry struct {
	mu    sync.RWMutex
	works map[string]dispatch.Work
}

func (r *registry) add(kind string, w dispatch.Work, replace bool) error {
	kind = strings.TrimSpace(kind)
	if kind == "" || w == nil {
		return fmt.Errorf("scheduler: work kind and work required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.works == nil {
		r.works = map[string]dispatch.Work{}
	}
	if _, ok := r.works[kind]; ok && !replace {
		return fmt.Errorf("%w: %q", ErrWorkKindExists, kind)
	}
	r.works[kind] = w
	return nil
}

func (r *registry) get(kind string) dispatch.Work {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.works[kind]
}

func (r *registry) kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.works))
	for k := range r.works {
		out = append(out, k)
	}
	return out
}
