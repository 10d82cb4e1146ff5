package storage

import (
	"errors"
	"time"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// Config configures storage.
//
// If Driver is empty, the memory backend is used.
type Config struct {
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	OpTimeout    time.Duration
	MaxOpenConns int // postgres only
}

// Durable reports whether the configured backend survives restarts.
func (c Config) Durable() bool {
	switch normalizeDriver(c.Driver) {
	case "sqlite", "postgres":
		return true
	default:
		return false
	}
}
