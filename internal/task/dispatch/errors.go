package dispatch

import "errors"

var (
	ErrNoCapacity = errors.New("dispatch: no free execution slot")
	ErrStopped    = errors.New("dispatch: stopped")
	// ErrExclusiveBusy rejects a fire of a non-concurrent work item that is
	// already executing.
	ErrExclusiveBusy = errors.New("dispatch: work item already executing")
	ErrNotStarted    = errors.New("dispatch: not started")
)
