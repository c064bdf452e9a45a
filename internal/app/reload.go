package app

import (
	"context"
	"slices"
	"strings"

	"tabrotate/internal/config"
	logx "tabrotate/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.notify.Reloading()
			a.apply(ctx, last, next)
			a.notify.Ready()
			last = next
		}
	}
}

// restartOnly names sections that are read once at boot.
var restartOnly = []string{"browser", "storage"}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if prev.Telegram.Enabled != next.Telegram.Enabled || prev.Telegram.Token != next.Telegram.Token {
		a.log.Warn("telegram transport changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(next))

	if rs, err := mapRotation(next); err != nil {
		a.log.Warn("invalid rotation config; keeping previous", logx.Err(err))
	} else {
		a.disp.SetDefaults(rs.behavior, rs.defaultInterval)
		a.rot.SetActivateTimeout(rs.activateTimeout)
		a.limiter.Reconfigure(rs.rateLimit, rs.rateWindow)
		a.prov.SetMaxParallel(rs.maxParallel)
	}
	a.guard.set(next.Provisioning.BlockedDomains)

	tabs := tabInputs(next)
	a.tabs.Store(&tabs)
	a.sched.Apply(mapSchedule(next))

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else if err := a.http.Apply(ctx, hc); err != nil {
		a.log.Error("http control api not applied", logx.Err(err))
	}

	if a.router != nil {
		a.router.SetOwners(next.Telegram.OwnerUserIDs)
		a.alerts.Apply(mapAlerts(next))
	}

	a.log.Info("config reloaded", fields...)
}
