package app

import (
	"context"
	"strings"

	"chatwarden/internal/config"
	logx "chatwarden/pkg/logx"
)

// reloadLoop applies published configs. Only logging changes take effect
// live; every other section is reported as needing a restart.
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
			next = latest(sub, next)
			a.applyConfig(last, next)
			last = next
		}
	}
}

// latest drains queued configs and keeps only the newest.
func latest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if a.logs != nil {
		applyLogging(a.logs, next)
	}
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(pending, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
