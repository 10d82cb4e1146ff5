package main

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"cronkeeper/internal/config"
	"cronkeeper/internal/recurrence"
	"cronkeeper/internal/task/dispatch"
	"cronkeeper/internal/task/scheduler"
	"cronkeeper/internal/work"
	logx "cronkeeper/pkg/logx"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config]",
		Short: "Check a config file and preview its triggers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.config
			if len(args) == 1 {
				path = args[0]
			}
			return validate(cmd, path, time.Now())
		},
	}
}

// kindSet records the kinds the built-in works register.
type kindSet map[string]bool

func (k kindSet) RegisterWork(kind string, _ dispatch.Work, _ bool) error {
	k[kind] = true
	return nil
}

func validate(cmd *cobra.Command, path string, now time.Time) error {
	cfg, err := config.ParseFile(path)
	if err != nil {
		return err
	}
	kinds := kindSet{}
	closer, err := work.RegisterBuiltins(kinds, logx.Nop())
	if err != nil {
		return err
	}
	defer closer.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	cals := recurrence.NewCalendars()
	names := make([]string, 0, len(cfg.Calendars))
	for name := range cfg.Calendars {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		cal, err := cfg.Calendars[name].Calendar(loc)
		if err == nil {
			err = cals.Add(name, cal, true)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("calendar %s: %w", name, err))
		}
	}

	out := cmd.OutOrStdout()
	triggers := 0
	for _, j := range cfg.Jobs {
		w := j.WorkItem()
		if !kinds[w.Kind] {
			errs = append(errs, fmt.Errorf("job %s: %w: %q", w.Key, scheduler.ErrUnknownWorkKind, w.Kind))
			continue
		}
		for _, tc := range j.Triggers {
			t, err := tc.Trigger(w.Key, loc)
			if err != nil {
				errs = append(errs, fmt.Errorf("job %s trigger %s: %w", w.Key, tc.Name, err))
				continue
			}
			var cal recurrence.Calendar
			if t.Calendar != "" {
				c, ok := cals.Get(t.Calendar)
				if !ok {
					errs = append(errs, fmt.Errorf("trigger %s: unknown calendar %q", t.Key, t.Calendar))
					continue
				}
				cal = c
			}
			triggers++
			var (
				next time.Time
				ok   bool
			)
			if t.StartAt.After(now) {
				next, ok = recurrence.FirstFire(t.Recurrence, t.StartAt, t.End(), cal)
			} else {
				next, ok = recurrence.NextFire(t.Recurrence, now, t.End(), cal)
			}
			if !ok {
				fmt.Fprintf(out, "%-32s %-40s never fires\n", t.Key, t.Recurrence)
				continue
			}
			fmt.Fprintf(out, "%-32s %-40s next %s\n", t.Key, t.Recurrence, next.In(loc).Format(time.RFC3339))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: ok (%d jobs, %d triggers, %d calendars)\n", path, len(cfg.Jobs), triggers, len(names))
	return nil
}
