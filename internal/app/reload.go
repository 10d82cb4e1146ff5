package app

import (
	"context"
	"strings"

	"cronkeeper/internal/config"
	logx "cronkeeper/pkg/logx"
)

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyReload(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.Summarize(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)
	if !ch.Live {
		a.log.Warn("some config changes need a restart to take effect", logx.String("changed", strings.Join(ch.Sections, ",")))
	}

	if ch.Changed("logging") {
		a.logs.Apply(mapLogging(newCfg))
	}
	if ch.Changed("scheduler") {
		sc, err := mapSchedulerConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(sc)
		}
	}
	if ch.Changed("admin") {
		ac, err := mapAdminConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
		} else {
			a.admin.Reconfigure(ctx, ac)
		}
	}
	if ch.Changed("calendars") || ch.Changed("jobs") {
		a.declMu.Lock()
		decl, err := applyDeclared(ctx, a.sched, newCfg, a.decl, a.sched.Clock().Now(), a.log)
		a.decl = decl
		a.declMu.Unlock()
		if err != nil {
			a.log.Warn("jobs partially applied", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}
