package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Durations parses many duration fields, collecting every error.
type Durations struct {
	errs []error
}

func (p *Durations) Get(path, raw string, def time.Duration) time.Duration {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err))
		return def
	}
	if d < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: duration must be >= 0", path))
		return def
	}
	return d
}

func (p *Durations) Err() error { return errors.Join(p.errs...) }

// ParseDuration parses one optional duration field.
func ParseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	var p Durations
	d := p.Get(path, raw, def)
	return d, p.Err()
}
