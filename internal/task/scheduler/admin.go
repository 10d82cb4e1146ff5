package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/misfire"
	"cronkeeper/internal/recurrence"
	"cronkeeper/internal/store"
	"cronkeeper/internal/task/dispatch"
	logx "cronkeeper/pkg/logx"
)

// ManualGroup holds the one-shot triggers created by TriggerNow.
const ManualGroup = "MANUAL"

func (s *Scheduler) live() error {
	if s.State() == StateShutdown {
		return ErrShutdown
	}
	return nil
}

// RegisterWork binds a work kind to its implementation. replace allows
// swapping an existing binding, which hot reload relies on.
func (s *Scheduler) RegisterWork(kind string, w dispatch.Work, replace bool) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.works.add(kind, w, replace)
}

func (s *Scheduler) AddWorkItem(ctx context.Context, w domain.WorkItem, replace bool) error {
	if err := s.live(); err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}
	if s.works.get(w.Kind) == nil {
		return fmt.Errorf("work item %s: %w: %q", w.Key, ErrUnknownWorkKind, w.Kind)
	}
	return s.store.StoreWorkItem(ctx, w, replace)
}

// RemoveWorkItem deletes the item and all of its triggers.
func (s *Scheduler) RemoveWorkItem(ctx context.Context, key domain.Key) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.store.RemoveWorkItem(ctx, key)
}

func (s *Scheduler) WorkItem(ctx context.Context, key domain.Key) (domain.WorkItem, error) {
	return s.store.WorkItem(ctx, key)
}

func (s *Scheduler) WorkItems(ctx context.Context) ([]domain.WorkItem, error) {
	return s.store.WorkItems(ctx)
}

// ScheduleTrigger validates and stores t, returning it with its first fire
// instant filled in.
func (s *Scheduler) ScheduleTrigger(ctx context.Context, t domain.Trigger, replace bool) (domain.Trigger, error) {
	if err := s.live(); err != nil {
		return domain.Trigger{}, err
	}
	if err := t.Validate(); err != nil {
		return domain.Trigger{}, err
	}
	if !misfire.Legal(t.Recurrence.Kind(), t.Misfire) {
		return domain.Trigger{}, fmt.Errorf("trigger %s: %w: %s for %s", t.Key, ErrIllegalMisfire, t.Misfire, t.Recurrence.Kind())
	}
	if _, ok := s.cals.Get(t.Calendar); !ok {
		return domain.Trigger{}, fmt.Errorf("trigger %s: %w: %q", t.Key, recurrence.ErrCalendarNotFound, t.Calendar)
	}
	stored, err := s.store.StoreTrigger(ctx, t, replace)
	if err != nil {
		return domain.Trigger{}, err
	}
	s.log.Debug("trigger scheduled",
		logx.String("trigger", stored.Key.String()),
		logx.String("work", stored.WorkKey.String()),
		logx.Stringer("recurrence", stored.Recurrence),
		logx.Time("next", *stored.NextFireAt))
	s.signal()
	return stored, nil
}

func (s *Scheduler) Unschedule(ctx context.Context, key domain.Key) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.store.RemoveTrigger(ctx, key)
}

func (s *Scheduler) Trigger(ctx context.Context, key domain.Key) (domain.Trigger, error) {
	return s.store.Trigger(ctx, key)
}

// Triggers lists a group, or every trigger for "".
func (s *Scheduler) Triggers(ctx context.Context, group string) ([]domain.Trigger, error) {
	return s.store.Triggers(ctx, group)
}

func (s *Scheduler) PauseTrigger(ctx context.Context, key domain.Key) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.store.PauseTrigger(ctx, key)
}

func (s *Scheduler) ResumeTrigger(ctx context.Context, key domain.Key) error {
	if err := s.live(); err != nil {
		return err
	}
	if err := s.store.ResumeTrigger(ctx, key); err != nil {
		return err
	}
	s.signal()
	return nil
}

func (s *Scheduler) PauseGroup(ctx context.Context, group string) (int, error) {
	if err := s.live(); err != nil {
		return 0, err
	}
	return s.store.PauseGroup(ctx, group)
}

func (s *Scheduler) ResumeGroup(ctx context.Context, group string) (int, error) {
	if err := s.live(); err != nil {
		return 0, err
	}
	n, err := s.store.ResumeGroup(ctx, group)
	if n > 0 {
		s.signal()
	}
	return n, err
}

func (s *Scheduler) ResetTriggerFromError(ctx context.Context, key domain.Key) error {
	if err := s.live(); err != nil {
		return err
	}
	if err := s.store.ResetTriggerFromError(ctx, key); err != nil {
		return err
	}
	s.signal()
	return nil
}

// TriggerNow fires a work item once, as soon as a slot is free. data is
// layered over the work item's own data.
func (s *Scheduler) TriggerNow(ctx context.Context, work domain.Key, data domain.DataMap) (domain.Trigger, error) {
	if err := s.live(); err != nil {
		return domain.Trigger{}, err
	}
	now := s.clock.Now()
	t := domain.Trigger{
		Key:         domain.NewKey("manual-"+uuid.NewString(), ManualGroup),
		WorkKey:     work,
		Description: "triggered manually",
		Recurrence:  recurrence.Once(now),
		StartAt:     now,
		Priority:    domain.MaxPriority,
		Misfire:     domain.MisfireFireNow,
		Data:        data.Clone(),
	}
	return s.ScheduleTrigger(ctx, t, false)
}

// AddCalendar registers an exclusion calendar under name.
func (s *Scheduler) AddCalendar(name string, cal recurrence.Calendar, replace bool) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.cals.Add(name, cal, replace)
}

// RemoveCalendar fails with ErrCalendarInUse while a trigger references name.
func (s *Scheduler) RemoveCalendar(ctx context.Context, name string) error {
	if err := s.live(); err != nil {
		return err
	}
	ts, err := s.store.Triggers(ctx, "")
	if err != nil {
		return err
	}
	for _, t := range ts {
		if t.Calendar == name {
			return fmt.Errorf("%w: %q used by %s", ErrCalendarInUse, name, t.Key)
		}
	}
	return s.cals.Remove(name)
}

// IsNotFound reports errors about unknown triggers, work items or calendars.
func IsNotFound(err error) bool {
	return errors.Is(err, recurrence.ErrCalendarNotFound) || errors.Is(err, store.ErrNotFound)
}
