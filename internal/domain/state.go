package domain

import "fmt"

// TriggerState is the position of a trigger in the firing cycle.
//
//	Waiting -> Acquired -> Firing -> Waiting
//
// Paused is entered and left only by administrative calls. Complete is
// terminal. Error is entered when a fire could not be carried out (missing
// work item, unknown work kind, commit failure) and left via ResetFromError.
type TriggerState int

const (
	StateWaiting TriggerState = iota
	StateAcquired
	StateFiring
	StatePaused
	StateComplete
	StateError
)

var stateNames = [...]string{"waiting", "acquired", "firing", "paused", "complete", "error"}

func (s TriggerState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ParseTriggerState is the inverse of String, used by durable stores.
func ParseTriggerState(s string) (TriggerState, error) {
	for i, n := range stateNames {
		if n == s {
			return TriggerState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown trigger state %q", s)
}

// Locked reports whether the trigger is held by a firing loop.
func (s TriggerState) Locked() bool { return s == StateAcquired || s == StateFiring }

// Terminal reports whether the trigger will never fire again without intervention.
func (s TriggerState) Terminal() bool { return s == StateComplete }
