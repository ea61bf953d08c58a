package config

import (
	"reflect"
	"strings"

	logx "chatwarden/pkg/logx"
)

// SummarizeConfigChange lists the top-level sections that differ and safe
// fields for logging. Secrets are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.String("telegram.poll_timeout", newCfg.Telegram.PollTimeout),
			logx.Int("telegram.rate_per_sec", newCfg.Telegram.RatePerSec),
			logx.Bool("telegram.group_log_set", newCfg.Telegram.GroupLog != 0),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.On()),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.String("dispatcher.schedule", newCfg.Dispatcher.Schedule),
			logx.String("dispatcher.delete_policy", newCfg.Dispatcher.DeletePolicy),
		)
	}
	if !reflect.DeepEqual(oldCfg.Reaper, newCfg.Reaper) {
		changed = append(changed, "reaper")
		attrs = append(attrs, logx.String("reaper.schedule", newCfg.Reaper.Schedule))
	}
	if !reflect.DeepEqual(oldCfg.Clear, newCfg.Clear) {
		changed = append(changed, "clear")
		attrs = append(attrs, logx.Int("clear.workers", newCfg.Clear.Workers))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	return changed, attrs
}

// LiveSections are applied without a restart.
var LiveSections = map[string]bool{"logging": true}

// RestartRequired filters sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
