package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"cronkeeper/internal/config"
	"cronkeeper/internal/domain"
	"cronkeeper/internal/recurrence"
	"cronkeeper/internal/task/scheduler"
	logx "cronkeeper/pkg/logx"
)

// declared remembers what the config file created so a reload can remove
// calendars, work items and triggers that disappeared from it. Objects
// created through the admin API are never touched.
type declared struct {
	calendars map[string]bool
	works     map[domain.Key]bool
	triggers  map[domain.Key]bool
}

func newDeclared() declared {
	return declared{
		calendars: map[string]bool{},
		works:     map[domain.Key]bool{},
		triggers:  map[domain.Key]bool{},
	}
}

// engine is the part of the scheduler declarations are applied to.
type engine interface {
	AddCalendar(name string, cal recurrence.Calendar, replace bool) error
	RemoveCalendar(ctx context.Context, name string) error
	AddWorkItem(ctx context.Context, w domain.WorkItem, replace bool) error
	RemoveWorkItem(ctx context.Context, key domain.Key) error
	WorkItem(ctx context.Context, key domain.Key) (domain.WorkItem, error)
	ScheduleTrigger(ctx context.Context, t domain.Trigger, replace bool) (domain.Trigger, error)
	Unschedule(ctx context.Context, key domain.Key) error
	Trigger(ctx context.Context, key domain.Key) (domain.Trigger, error)
}

var _ engine = (*scheduler.Scheduler)(nil)

// applyDeclared brings the engine in line with cfg's calendars and jobs.
// Unchanged triggers keep their timeline (and so their misfire state across
// restarts on a durable store); changed ones are replaced.
func applyDeclared(ctx context.Context, eng engine, cfg *config.Config, prev declared, now time.Time, log logx.Logger) (declared, error) {
	loc, err := cfg.Location()
	if err != nil {
		return prev, err
	}
	next := newDeclared()
	var errs []error

	for name, cc := range cfg.Calendars {
		cal, err := cc.Calendar(loc)
		if err == nil {
			err = eng.AddCalendar(name, cal, true)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("calendar %s: %w", name, err))
			continue
		}
		next.calendars[name] = true
	}

	for _, j := range cfg.Jobs {
		w := j.WorkItem()
		if err := putWork(ctx, eng, w); err != nil {
			errs = append(errs, err)
			continue
		}
		next.works[w.Key] = true
		for _, tc := range j.Triggers {
			t, err := tc.Trigger(w.Key, loc)
			if err != nil {
				errs = append(errs, fmt.Errorf("trigger %s: %w", tc.Name, err))
				continue
			}
			changed, err := putTrigger(ctx, eng, t, now)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			next.triggers[t.Key] = true
			if changed {
				log.Debug("declared trigger scheduled", logx.String("trigger", t.Key.String()), logx.Stringer("recurrence", t.Recurrence))
			}
		}
	}

	for k := range prev.triggers {
		if next.triggers[k] {
			continue
		}
		if err := eng.Unschedule(ctx, k); err != nil && !scheduler.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("unschedule %s: %w", k, err))
			next.triggers[k] = true
		}
	}
	for k := range prev.works {
		if next.works[k] {
			continue
		}
		if err := eng.RemoveWorkItem(ctx, k); err != nil && !scheduler.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove work %s: %w", k, err))
			next.works[k] = true
		}
	}
	for name := range prev.calendars {
		if next.calendars[name] {
			continue
		}
		if err := eng.RemoveCalendar(ctx, name); err != nil && !scheduler.IsNotFound(err) {
			// Still referenced by a trigger someone added at runtime.
			errs = append(errs, fmt.Errorf("remove calendar %s: %w", name, err))
			next.calendars[name] = true
		}
	}
	return next, errors.Join(errs...)
}

func putWork(ctx context.Context, eng engine, w domain.WorkItem) error {
	if cur, err := eng.WorkItem(ctx, w.Key); err == nil && sameWork(cur, w) {
		return nil
	}
	if err := eng.AddWorkItem(ctx, w, true); err != nil {
		return fmt.Errorf("work %s: %w", w.Key, err)
	}
	return nil
}

// putTrigger stores t unless an identical trigger exists. A cron trigger
// declared without a start keeps the start of the stored one, or starts now.
func putTrigger(ctx context.Context, eng engine, t domain.Trigger, now time.Time) (bool, error) {
	cur, err := eng.Trigger(ctx, t.Key)
	found := err == nil
	if t.StartAt.IsZero() {
		switch t.Recurrence.(type) {
		case recurrence.FixedInterval, recurrence.CalendarInterval:
		default:
			t.StartAt = now
			if found {
				t.StartAt = cur.StartAt
			}
		}
	}
	if found && sameTrigger(cur, t) {
		return false, nil
	}
	if _, err := eng.ScheduleTrigger(ctx, t, true); err != nil {
		return false, fmt.Errorf("trigger %s: %w", t.Key, err)
	}
	return true, nil
}

func sameWork(a, b domain.WorkItem) bool {
	return a.Kind == b.Kind && a.Description == b.Description && a.Durable == b.Durable &&
		a.DisallowConcurrent == b.DisallowConcurrent && maps.Equal(a.Data, b.Data)
}

// sameTrigger compares the declared part of two triggers.
func sameTrigger(a, b domain.Trigger) bool {
	if a.WorkKey != b.WorkKey || a.Description != b.Description || a.Calendar != b.Calendar {
		return false
	}
	if a.Recurrence == nil || b.Recurrence == nil || a.Recurrence.String() != b.Recurrence.String() {
		return false
	}
	pa, pb := a.Priority, b.Priority
	if pa == 0 {
		pa = domain.DefaultPriority
	}
	if pb == 0 {
		pb = domain.DefaultPriority
	}
	if pa != pb || a.Misfire != b.Misfire {
		return false
	}
	if !b.StartAt.IsZero() && !a.StartAt.Equal(b.StartAt) {
		return false
	}
	if !a.End().Equal(b.End()) {
		return false
	}
	return maps.Equal(a.Data, b.Data)
}
