package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cronkeeper/internal/recurrence"
)

func newNextCommand() *cobra.Command {
	var (
		count int
		tz    string
		from  string
	)
	cmd := &cobra.Command{
		Use:   "next <schedule>",
		Short: "Print the upcoming fire times of a schedule",
		Long: `Print the upcoming fire times of a schedule.

The schedule takes any form a trigger accepts, for example
"0 30 9 ? * MON-FRI", "@every 90m", "fixed:R3/2024-01-01T00:00:00Z/1h"
or "calendar:2024-01-31T00:00:00Z/1/month".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be positive, got %d", count)
			}
			loc := time.UTC
			if tz != "" {
				var err error
				if loc, err = time.LoadLocation(tz); err != nil {
					return fmt.Errorf("--tz: %w", err)
				}
			}
			after := time.Now()
			if from != "" {
				var err error
				if after, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}
			spec, err := recurrence.Parse(withZone(args[0], tz))
			if err != nil {
				return err
			}
			times := recurrence.Upcoming(spec, after, count, nil)
			out := cmd.OutOrStdout()
			if len(times) == 0 {
				fmt.Fprintln(out, "no upcoming fire times")
				return nil
			}
			for _, t := range times {
				fmt.Fprintln(out, t.In(loc).Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times")
	cmd.Flags().StringVar(&tz, "tz", "", "zone for bare cron expressions and output")
	cmd.Flags().StringVar(&from, "from", "", "RFC3339 instant to start after (default now)")
	return cmd
}

// withZone puts a bare six or seven field cron expression in tz.
func withZone(schedule, tz string) string {
	s := strings.TrimSpace(schedule)
	if tz == "" || strings.Contains(s, ":") || strings.HasPrefix(s, "@") || strings.HasPrefix(s, "TZ=") {
		return s
	}
	if n := len(strings.Fields(s)); n != 6 && n != 7 {
		return s
	}
	return "TZ=" + tz + " " + s
}
