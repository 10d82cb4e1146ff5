// Package misfire decides what happens to a trigger whose fire instant passed
// before it could be dispatched.
//
// The resolver is pure: it never touches the store. The firing loop applies
// the returned plan through the store's commit.
package misfire

import (
	"fmt"
	"time"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/recurrence"
)

// DefaultThreshold is how late a trigger may be before it counts as misfired.
const DefaultThreshold = 60 * time.Second

// Decision is the resolver outcome.
type Decision int

const (
	// FireNow fires the missed instant; later instants follow from the scheduled one.
	FireNow Decision = iota
	// FireAndRecomputeNext fires now; the next instant is searched from the actual fire.
	FireAndRecomputeNext
	// SkipToNext drops the missed instant without executing.
	SkipToNext
	// Discard drops the instant and completes the trigger.
	Discard
)

func (d Decision) String() string {
	switch d {
	case FireNow:
		return "fire_now"
	case FireAndRecomputeNext:
		return "fire_and_recompute_next"
	case SkipToNext:
		return "skip_to_next"
	case Discard:
		return "discard"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Fires reports whether the decision executes the work.
func (d Decision) Fires() bool { return d == FireNow || d == FireAndRecomputeNext }

// Resolution is a decision plus the timeline change to commit with it.
type Resolution struct {
	Decision    Decision
	Instruction domain.MisfireInstruction // effective instruction after smart-policy expansion
	Plan        domain.FirePlan
}

// Resolver holds the misfire threshold.
type Resolver struct {
	Threshold time.Duration
}

func New(threshold time.Duration) Resolver {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Resolver{Threshold: threshold}
}

// Misfired reports whether t lags now by more than the threshold. Triggers that
// ignore misfires are never late.
func (r Resolver) Misfired(t *domain.Trigger, now time.Time) bool {
	if t.Misfire == domain.MisfireIgnorePolicy {
		return false
	}
	return t.Lateness(now) > r.threshold()
}

func (r Resolver) threshold() time.Duration {
	if r.Threshold <= 0 {
		return DefaultThreshold
	}
	return r.Threshold
}

// Resolve maps the trigger's instruction onto a decision. cal is the trigger's
// exclusion calendar (nil for none).
func (r Resolver) Resolve(t *domain.Trigger, now time.Time, cal recurrence.Calendar) Resolution {
	instr := Effective(t.Recurrence, t.Misfire)
	res := Resolution{Instruction: instr}
	end := t.End()

	if !end.IsZero() && now.After(end) && instr != domain.MisfireIgnorePolicy {
		res.Decision = Discard
		res.Plan.Complete = true
		return res
	}

	switch instr {
	case domain.MisfireIgnorePolicy:
		res.Decision = FireNow
	case domain.MisfireFireNow:
		res.Decision = FireAndRecomputeNext
		res.Plan.FromActual = true
	case domain.MisfireDoNothing:
		r.skip(&res, t.Recurrence, now, end, cal)
	case domain.MisfireRescheduleNowWithExistingCount, domain.MisfireRescheduleNowWithRemainingCount:
		fixed, ok := t.Recurrence.(recurrence.FixedInterval)
		if !ok {
			res.Decision = FireAndRecomputeNext
			res.Plan.FromActual = true
			return res
		}
		count := fixed.RepeatCount
		if count != recurrence.RepeatForever {
			if instr == domain.MisfireRescheduleNowWithExistingCount {
				count -= fixed.CountBefore(scheduled(t))
			} else {
				count -= fixed.CountBefore(now.Add(time.Nanosecond))
			}
			if count < 0 {
				count = 0
			}
		}
		res.Decision = FireAndRecomputeNext
		res.Plan.FromActual = true
		res.Plan.Recurrence = recurrence.FixedInterval{Start: now, Interval: fixed.Interval, RepeatCount: count}
	case domain.MisfireRescheduleNextWithRemainingCount:
		r.skip(&res, t.Recurrence, now, end, cal)
	case domain.MisfireRescheduleNextWithExistingCount:
		fixed, ok := t.Recurrence.(recurrence.FixedInterval)
		if !ok {
			r.skip(&res, t.Recurrence, now, end, cal)
			return res
		}
		next, ok := recurrence.NextFire(fixed, now, end, cal)
		if !ok {
			res.Decision = Discard
			res.Plan.Complete = true
			return res
		}
		count := fixed.RepeatCount
		if count != recurrence.RepeatForever {
			count -= fixed.CountBefore(scheduled(t))
			if count < 0 {
				count = 0
			}
		}
		rebased := recurrence.FixedInterval{Start: next, Interval: fixed.Interval, RepeatCount: count}
		res.Decision = SkipToNext
		res.Plan.Recurrence = rebased
		// Searching from just before the rebased start lands on it.
		res.Plan.After = next.Add(-time.Nanosecond)
	default:
		res.Decision = FireAndRecomputeNext
		res.Plan.FromActual = true
	}
	return res
}

func (r Resolver) skip(res *Resolution, spec recurrence.Spec, now, end time.Time, cal recurrence.Calendar) {
	if _, ok := recurrence.NextFire(spec, now, end, cal); !ok {
		res.Decision = Discard
		res.Plan.Complete = true
		return
	}
	res.Decision = SkipToNext
	res.Plan.After = now
}

func scheduled(t *domain.Trigger) time.Time {
	if t.NextFireAt == nil {
		return time.Time{}
	}
	return *t.NextFireAt
}

// Effective expands the smart policy for the given recurrence.
func Effective(spec recurrence.Spec, instr domain.MisfireInstruction) domain.MisfireInstruction {
	if instr != domain.MisfireSmartPolicy {
		return instr
	}
	fixed, ok := spec.(recurrence.FixedInterval)
	if !ok {
		return domain.MisfireFireNow
	}
	switch fixed.RepeatCount {
	case 0:
		return domain.MisfireFireNow
	case recurrence.RepeatForever:
		return domain.MisfireRescheduleNextWithRemainingCount
	default:
		return domain.MisfireRescheduleNowWithExistingCount
	}
}

// Legal reports whether instr applies to the recurrence kind. Repeat-count
// instructions only make sense for fixed intervals.
func Legal(kind recurrence.Kind, instr domain.MisfireInstruction) bool {
	switch instr {
	case domain.MisfireSmartPolicy, domain.MisfireIgnorePolicy, domain.MisfireFireNow, domain.MisfireDoNothing:
		return true
	case domain.MisfireRescheduleNowWithExistingCount, domain.MisfireRescheduleNowWithRemainingCount,
		domain.MisfireRescheduleNextWithExistingCount, domain.MisfireRescheduleNextWithRemainingCount:
		return kind == recurrence.KindFixed
	}
	return false
}
