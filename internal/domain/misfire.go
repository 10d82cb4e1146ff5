package domain

import "fmt"

// MisfireInstruction selects how a late trigger is handled. Which values are
// legal depends on the trigger's recurrence kind; see misfire.Legal.
type MisfireInstruction int

const (
	// MisfireSmartPolicy picks a per-kind default.
	MisfireSmartPolicy MisfireInstruction = iota
	// MisfireIgnorePolicy fires every missed instant as if it were on time.
	MisfireIgnorePolicy
	// MisfireFireNow fires once immediately, the next instant is computed from the actual fire.
	MisfireFireNow
	// MisfireDoNothing drops the missed instant and waits for the next one after now.
	MisfireDoNothing
	// MisfireRescheduleNowWithExistingCount fires now and keeps every remaining repeat.
	MisfireRescheduleNowWithExistingCount
	// MisfireRescheduleNowWithRemainingCount fires now; missed repeats are consumed.
	MisfireRescheduleNowWithRemainingCount
	// MisfireRescheduleNextWithExistingCount waits for the next instant and keeps every remaining repeat.
	MisfireRescheduleNextWithExistingCount
	// MisfireRescheduleNextWithRemainingCount waits for the next instant; missed repeats are consumed.
	MisfireRescheduleNextWithRemainingCount
)

// MisfireSkipToNext is an alias used by configs and the admin API.
const MisfireSkipToNext = MisfireDoNothing

var misfireNames = map[MisfireInstruction]string{
	MisfireSmartPolicy:                      "smart",
	MisfireIgnorePolicy:                     "ignore",
	MisfireFireNow:                          "fire_now",
	MisfireDoNothing:                        "do_nothing",
	MisfireRescheduleNowWithExistingCount:   "reschedule_now_existing_count",
	MisfireRescheduleNowWithRemainingCount:  "reschedule_now_remaining_count",
	MisfireRescheduleNextWithExistingCount:  "reschedule_next_existing_count",
	MisfireRescheduleNextWithRemainingCount: "reschedule_next_remaining_count",
}

func (m MisfireInstruction) String() string {
	if n, ok := misfireNames[m]; ok {
		return n
	}
	return fmt.Sprintf("misfire(%d)", int(m))
}

// ParseMisfireInstruction accepts the String form plus "skip_to_next" and "" (smart).
func ParseMisfireInstruction(s string) (MisfireInstruction, error) {
	switch s {
	case "":
		return MisfireSmartPolicy, nil
	case "skip_to_next":
		return MisfireDoNothing, nil
	}
	for k, v := range misfireNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown misfire instruction %q", s)
}
