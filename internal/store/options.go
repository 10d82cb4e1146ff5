package store

import (
	"github.com/google/uuid"

	"cronkeeper/internal/recurrence"
	logx "cronkeeper/pkg/logx"
)

// Options configure a store implementation.
type Options struct {
	Calendars CalendarLookup
	Log       logx.Logger
	// NewFireID generates fire instance IDs. Defaults to random UUIDs.
	NewFireID func() string
}

// Calendar resolves name through the configured lookup.
func (o Options) Calendar(name string) recurrence.Calendar {
	if name == "" || o.Calendars == nil {
		return nil
	}
	return o.Calendars(name)
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	if o.NewFireID == nil {
		o.NewFireID = func() string { return uuid.NewString() }
	}
	return o
}
