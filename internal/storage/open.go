package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cronkeeper/internal/store"
	"cronkeeper/internal/store/sqlstore"
	logx "cronkeeper/pkg/logx"
)

const defaultBusyTimeout = 5 * time.Second

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, opts store.Options) (store.Store, error) {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}

	driver := normalizeDriver(cfg.Driver)
	switch driver {
	case "memory":
		opts.Log.Info("using in-memory store; triggers are lost on exit")
		return store.NewMemory(opts), nil
	case "sqlite":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("storage.path is required for the sqlite driver")
		}
		busy := cfg.BusyTimeout
		if busy <= 0 {
			busy = defaultBusyTimeout
		}
		return openSQL(ctx, sqlstore.Config{
			Driver:      "sqlite",
			DSN:         cfg.Path,
			BusyTimeout: busy,
			OpTimeout:   cfg.OpTimeout,
		}, opts)
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("storage.dsn is required for the postgres driver")
		}
		return openSQL(ctx, sqlstore.Config{
			Driver:       "postgres",
			DSN:          cfg.DSN,
			OpTimeout:    cfg.OpTimeout,
			MaxOpenConns: cfg.MaxOpenConns,
		}, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}

func openSQL(ctx context.Context, cfg sqlstore.Config, opts store.Options) (store.Store, error) {
	s, err := sqlstore.Open(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func normalizeDriver(s string) string {
	switch d := strings.ToLower(strings.TrimSpace(s)); d {
	case "", "memory", "mem":
		return "memory"
	case "sqlite", "sqlite3":
		return "sqlite"
	case "postgres", "postgresql", "pg":
		return "postgres"
	default:
		return d
	}
}
