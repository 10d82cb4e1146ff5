// Package recurrence computes fire instants for trigger recurrence rules.
//
// Every rule implements Spec. Next is pure: the same rule and reference
// instant always give the same answer, and the result is strictly after the
// reference. Rules have a canonical text form (Spec.String) accepted by Parse,
// which is what durable stores persist.
//
// Supported forms:
//   - cron:     Quartz-style expression with seconds and an optional year field
//   - fixed:    start + k*interval, bounded by a repeat count
//   - calendar: start + k*amount units where units follow the calendar (months clamp)
//   - crontab:  classic five-field crontab and descriptors, evaluated by robfig/cron
//
// Exclusion calendars are applied by NextFire, not by the rules themselves.
package recurrence
