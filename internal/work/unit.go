package work

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cronkeeper/internal/domain"
	logx "cronkeeper/pkg/logx"
)

// ErrUnsupported is returned where systemd is not available.
var ErrUnsupported = errors.New("work: systemd is linux only")

// UnitConn is the subset of the systemd D-Bus connection Unit uses.
type UnitConn interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	ReloadUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	TryRestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	ReloadOrRestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	Close()
}

// Unit runs a systemd job on data["unit"] (".service" is implied when the
// name has no suffix). data["action"] is one of start, stop, restart
// (default), reload, try-restart or reload-or-restart; data["mode"] is the
// job mode (default "replace"). The fire succeeds when the job ends "done".
type Unit struct {
	Log logx.Logger
	// Dial opens the bus connection. Nil dials the system bus.
	Dial func(ctx context.Context) (UnitConn, error)

	mu   sync.Mutex
	conn UnitConn
}

type unitJob func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (w *Unit) Execute(ctx context.Context, rec domain.FireRecord) error {
	name := unitName(rec.Data["unit"])
	if name == "" {
		return fmt.Errorf("%w: unit", ErrMissingData)
	}
	action := strings.ToLower(strings.TrimSpace(rec.Data["action"]))
	if action == "" {
		action = "restart"
	}
	mode := strings.TrimSpace(rec.Data["mode"])
	if mode == "" {
		mode = "replace"
	}

	conn, err := w.connect(ctx)
	if err != nil {
		return err
	}
	var job unitJob
	switch action {
	case "start":
		job = conn.StartUnitContext
	case "stop":
		job = conn.StopUnitContext
	case "restart":
		job = conn.RestartUnitContext
	case "reload":
		job = conn.ReloadUnitContext
	case "try-restart":
		job = conn.TryRestartUnitContext
	case "reload-or-restart":
		job = conn.ReloadOrRestartUnitContext
	default:
		return fmt.Errorf("unit %s: unknown action %q", name, action)
	}

	done := make(chan string, 1)
	if _, err := job(ctx, name, mode, done); err != nil {
		// The bus may be gone (systemd restarted); redial on the next fire.
		w.drop(conn)
		return fmt.Errorf("failed to %s %s: %w", action, name, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("%s %s: job %s", action, name, result)
		}
	}
	if !w.Log.IsZero() {
		w.Log.Debug("unit job finished",
			logx.String("trigger", rec.TriggerKey.String()),
			logx.String("unit", name),
			logx.String("action", action))
	}
	return nil
}

func (w *Unit) connect(ctx context.Context) (UnitConn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return w.conn, nil
	}
	dial := w.Dial
	if dial == nil {
		dial = dialSystemBus
	}
	conn, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	w.conn = conn
	return conn, nil
}

func (w *Unit) drop(conn UnitConn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == conn {
		w.conn.Close()
		w.conn = nil
	}
}

// Close releases the bus connection, if one was opened.
func (w *Unit) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	return nil
}

func unitName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, ".") {
		return s
	}
	return s + ".service"
}
