package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cronkeeper/internal/domain"
	logx "cronkeeper/pkg/logx"
)

// Memory is the in-memory reference store. A single mutex makes every
// operation atomic; records are cloned on the way in and out.
type Memory struct {
	opts Options
	log  logx.Logger

	mu       sync.Mutex
	closed   bool
	works    map[domain.Key]*domain.WorkItem
	triggers map[domain.Key]*domain.Trigger
	byWork   map[domain.Key]map[domain.Key]struct{}
}

var _ Store = (*Memory)(nil)

func NewMemory(opts Options) *Memory {
	opts = opts.WithDefaults()
	return &Memory{
		opts:     opts,
		log:      opts.Log.With(logx.String("comp", "store.memory")),
		works:    make(map[domain.Key]*domain.WorkItem),
		triggers: make(map[domain.Key]*domain.Trigger),
		byWork:   make(map[domain.Key]map[domain.Key]struct{}),
	}
}

func (m *Memory) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *Memory) StoreWorkItem(_ context.Context, w domain.WorkItem, replace bool) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.works[w.Key]; ok && !replace {
		return fmt.Errorf("work item %s: %w", w.Key, ErrAlreadyExists)
	}
	cp := w.Clone()
	m.works[w.Key] = &cp
	return nil
}

func (m *Memory) RemoveWorkItem(_ context.Context, key domain.Key) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.works[key]; !ok {
		return fmt.Errorf("work item %s: %w", key, ErrNotFound)
	}
	for tk := range m.byWork[key] {
		delete(m.triggers, tk)
	}
	delete(m.byWork, key)
	delete(m.works, key)
	return nil
}

func (m *Memory) WorkItem(_ context.Context, key domain.Key) (domain.WorkItem, error) {
	if err := m.lock(); err != nil {
		return domain.WorkItem{}, err
	}
	defer m.mu.Unlock()
	w, ok := m.works[key]
	if !ok {
		return domain.WorkItem{}, fmt.Errorf("work item %s: %w", key, ErrNotFound)
	}
	return w.Clone(), nil
}

func (m *Memory) WorkItems(_ context.Context) ([]domain.WorkItem, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]domain.WorkItem, 0, len(m.works))
	for _, w := range m.works {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

func (m *Memory) StoreTrigger(_ context.Context, t domain.Trigger, replace bool) (domain.Trigger, error) {
	t = t.Clone()
	if err := PrepareNew(&t, m.opts.Calendar(t.Calendar)); err != nil {
		return domain.Trigger{}, err
	}
	if err := m.lock(); err != nil {
		return domain.Trigger{}, err
	}
	defer m.mu.Unlock()
	if _, ok := m.works[t.WorkKey]; !ok {
		return domain.Trigger{}, fmt.Errorf("trigger %s: work item %s: %w", t.Key, t.WorkKey, ErrNotFound)
	}
	if old, ok := m.triggers[t.Key]; ok {
		if !replace {
			return domain.Trigger{}, fmt.Errorf("trigger %s: %w", t.Key, ErrAlreadyExists)
		}
		t.Version = old.Version + 1
		m.unindex(old)
	} else {
		t.Version = 1
	}
	m.triggers[t.Key] = &t
	m.index(&t)
	return t.Clone(), nil
}

func (m *Memory) index(t *domain.Trigger) {
	set := m.byWork[t.WorkKey]
	if set == nil {
		set = make(map[domain.Key]struct{})
		m.byWork[t.WorkKey] = set
	}
	set[t.Key] = struct{}{}
}

func (m *Memory) unindex(t *domain.Trigger) {
	if set := m.byWork[t.WorkKey]; set != nil {
		delete(set, t.Key)
		if len(set) == 0 {
			delete(m.byWork, t.WorkKey)
		}
	}
}

func (m *Memory) RemoveTrigger(_ context.Context, key domain.Key) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	t, ok := m.triggers[key]
	if !ok {
		return fmt.Errorf("trigger %s: %w", key, ErrNotFound)
	}
	delete(m.triggers, key)
	m.unindex(t)
	if w, ok := m.works[t.WorkKey]; ok && !w.Durable && len(m.byWork[t.WorkKey]) == 0 {
		delete(m.works, t.WorkKey)
		m.log.Debug("removed orphaned work item", logx.Stringer("work", t.WorkKey))
	}
	return nil
}

func (m *Memory) Trigger(_ context.Context, key domain.Key) (domain.Trigger, error) {
	if err := m.lock(); err != nil {
		return domain.Trigger{}, err
	}
	defer m.mu.Unlock()
	t, ok := m.triggers[key]
	if !ok {
		return domain.Trigger{}, fmt.Errorf("trigger %s: %w", key, ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *Memory) Triggers(_ context.Context, group string) ([]domain.Trigger, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]domain.Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		if group == "" || t.Key.Group == group {
			out = append(out, t.Clone())
		}
	}
	sortByKey(out)
	return out, nil
}

func (m *Memory) TriggersForWorkItem(_ context.Context, key domain.Key) ([]domain.Trigger, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]domain.Trigger, 0, len(m.byWork[key]))
	for tk := range m.byWork[key] {
		out = append(out, m.triggers[tk].Clone())
	}
	sortByKey(out)
	return out, nil
}

func sortByKey(ts []domain.Trigger) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Key.Less(ts[j].Key) })
}

// mutate runs fn on the stored trigger under the lock.
func (m *Memory) mutate(key domain.Key, fn func(t *domain.Trigger) error) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	t, ok := m.triggers[key]
	if !ok {
		return fmt.Errorf("trigger %s: %w", key, ErrNotFound)
	}
	return fn(t)
}

func (m *Memory) PauseTrigger(_ context.Context, key domain.Key) error {
	return m.mutate(key, func(t *domain.Trigger) error { ApplyPause(t); return nil })
}

func (m *Memory) ResumeTrigger(_ context.Context, key domain.Key) error {
	return m.mutate(key, func(t *domain.Trigger) error { ApplyResume(t); return nil })
}

func (m *Memory) ResetTriggerFromError(_ context.Context, key domain.Key) error {
	return m.mutate(key, func(t *domain.Trigger) error { ApplyResetFromError(t); return nil })
}

func (m *Memory) PauseGroup(_ context.Context, group string) (int, error) {
	return m.eachInGroup(group, ApplyPause)
}

func (m *Memory) ResumeGroup(_ context.Context, group string) (int, error) {
	return m.eachInGroup(group, ApplyResume)
}

func (m *Memory) eachInGroup(group string, fn func(*domain.Trigger) bool) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.triggers {
		if t.Key.Group == group && fn(t) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) AcquireDue(_ context.Context, req AcquireRequest) ([]Acquired, error) {
	if req.Max <= 0 {
		return nil, nil
	}
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	horizon := req.Now.Add(req.Window)
	excluded := KeySet(req.ExcludeWork)
	var due []*domain.Trigger
	for _, t := range m.triggers {
		if !IsDue(t, horizon) {
			continue
		}
		if _, skip := excluded[t.WorkKey]; skip {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool { return DueBefore(due[i], due[j]) })

	out := make([]Acquired, 0, min(len(due), req.Max))
	exclusive := make(map[domain.Key]struct{})
	for _, t := range due {
		if len(out) == req.Max {
			break
		}
		w, ok := m.works[t.WorkKey]
		if !ok {
			continue
		}
		if w.DisallowConcurrent {
			if _, taken := exclusive[w.Key]; taken || m.workLocked(w.Key) {
				continue
			}
			exclusive[w.Key] = struct{}{}
		}
		ApplyAcquire(t, m.opts.NewFireID(), req.Owner, req.Now)
		out = append(out, Acquired{Trigger: t.Clone(), Work: w.Clone()})
	}
	return out, nil
}

// workLocked reports whether any trigger of the work item holds a lock,
// whichever engine instance owns it.
func (m *Memory) workLocked(work domain.Key) bool {
	for tk := range m.byWork[work] {
		if t := m.triggers[tk]; t != nil && t.State.Locked() {
			return true
		}
	}
	return false
}

// locked checks that fireID still holds the lock on t.
func locked(t *domain.Trigger, fireID string) error {
	if !t.State.Locked() || t.Lock.FireID != fireID {
		return fmt.Errorf("trigger %s: lock %s not held: %w", t.Key, fireID, ErrConflict)
	}
	return nil
}

func (m *Memory) MarkFiring(_ context.Context, key domain.Key, fireID string) error {
	return m.mutate(key, func(t *domain.Trigger) error {
		if err := locked(t, fireID); err != nil {
			return err
		}
		t.State = domain.StateFiring
		t.Version++
		return nil
	})
}

func (m *Memory) Release(_ context.Context, key domain.Key, fireID string) error {
	return m.mutate(key, func(t *domain.Trigger) error {
		if err := locked(t, fireID); err != nil {
			return err
		}
		ApplyRelease(t)
		return nil
	})
}

func (m *Memory) CommitFired(_ context.Context, key domain.Key, fireID string, c Commit) (domain.Trigger, error) {
	var out domain.Trigger
	err := m.mutate(key, func(t *domain.Trigger) error {
		if err := locked(t, fireID); err != nil {
			return err
		}
		ApplyCommit(t, c, m.opts.Calendar(t.Calendar))
		out = t.Clone()
		return nil
	})
	return out, err
}

func (m *Memory) ReleaseStale(_ context.Context, owner string, olderThan time.Time) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.triggers {
		if IsStale(t, owner, olderThan) {
			ApplyRelease(t)
			n++
		}
	}
	return n, nil
}

func (m *Memory) NextFireTime(_ context.Context, excludeWork []domain.Key) (time.Time, bool, error) {
	if err := m.lock(); err != nil {
		return time.Time{}, false, err
	}
	defer m.mu.Unlock()
	excluded := KeySet(excludeWork)
	var best time.Time
	found := false
	for _, t := range m.triggers {
		if t.State != domain.StateWaiting || t.NextFireAt == nil {
			continue
		}
		if _, skip := excluded[t.WorkKey]; skip {
			continue
		}
		if !found || t.NextFireAt.Before(best) {
			best, found = *t.NextFireAt, true
		}
	}
	return best, found, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
