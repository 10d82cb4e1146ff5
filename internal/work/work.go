// Package work holds the built-in work kinds declarative jobs can use.
package work

import (
	"context"
	"errors"
	"io"
	"strings"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/task/dispatch"
	logx "cronkeeper/pkg/logx"
)

const (
	KindLog   = "log"
	KindShell = "shell"
	KindHTTP  = "http"
	KindUnit  = "systemd"
)

// ErrMissingData means a required data key is absent.
var ErrMissingData = errors.New("work: missing data")

// Registrar is the part of the scheduler that binds kinds to work.
type Registrar interface {
	RegisterWork(kind string, w dispatch.Work, replace bool) error
}

// RegisterBuiltins binds log, shell, http and systemd. The returned closer
// releases the systemd bus connection.
func RegisterBuiltins(r Registrar, log logx.Logger) (io.Closer, error) {
	unit := &Unit{Log: log}
	for kind, w := range map[string]dispatch.Work{
		KindLog:   Log{Log: log},
		KindShell: Shell{Log: log},
		KindHTTP:  NewHTTP(nil),
		KindUnit:  unit,
	} {
		if err := r.RegisterWork(kind, w, true); err != nil {
			return nil, err
		}
	}
	return unit, nil
}

// Log writes data["message"] at data["level"] (default info).
type Log struct {
	Log logx.Logger
}

func (w Log) Execute(_ context.Context, rec domain.FireRecord) error {
	msg := rec.Data["message"]
	if msg == "" {
		msg = "fired"
	}
	log := w.Log.With(
		logx.String("trigger", rec.TriggerKey.String()),
		logx.String("work", rec.WorkKey.String()),
		logx.Time("scheduled", rec.ScheduledAt))
	switch strings.ToLower(rec.Data["level"]) {
	case "debug":
		log.Debug(msg)
	case "warn", "warning":
		log.Warn(msg)
	case "error":
		log.Error(msg)
	default:
		log.Info(msg)
	}
	return nil
}
