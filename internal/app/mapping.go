package app

import (
	"strings"
	"time"

	"chatwarden/internal/api"
	"chatwarden/internal/broadcast"
	"chatwarden/internal/config"
	"chatwarden/internal/platform/telegram"
	"chatwarden/internal/storage"
	logx "chatwarden/pkg/logx"
)

// Config values below were validated by config.Validate, so parse errors
// fall back to defaults instead of failing.

func storageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:         strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:           strings.TrimSpace(sc.Path),
		DSN:            strings.TrimSpace(sc.DSN),
		BusyTimeout:    config.DurationOr(sc.BusyTimeout, time.Second),
		ConnectTimeout: config.DurationOr(sc.ConnectTimeout, 30*time.Second),
	}
}

func logConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func telegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.DurationOr(cfg.Telegram.PollTimeout, 10*time.Second),
		RatePerSec:  cfg.Telegram.RatePerSec,
		ParseMode:   cfg.Dispatcher.ParseMode,
		APIURL:      cfg.Telegram.APIURL,
	}
}

func apiConfig(cfg *config.Config) api.Config {
	hc := cfg.HTTP
	return api.Config{
		Addr:           hc.Addr,
		AllowedOrigins: hc.AllowedOrigins,
		Token:          hc.Token,
		ReadTimeout:    config.DurationOr(hc.ReadTimeout, 30*time.Second),
		WriteTimeout:   config.DurationOr(hc.WriteTimeout, 5*time.Minute),
		IdleTimeout:    config.DurationOr(hc.IdleTimeout, 2*time.Minute),
	}
}

func dispatcherConfig(cfg *config.Config) broadcast.Config {
	policy, _ := broadcast.ParsePolicy(cfg.Dispatcher.DeletePolicy)
	return broadcast.Config{AlbumSize: cfg.Dispatcher.AlbumSize, DeletePolicy: policy}
}

// applyLogging updates the operator chat target before Apply so enabling the
// Telegram sink never warns about a missing target.
func applyLogging(svc *logx.Service, cfg *config.Config) {
	svc.SetTelegramTarget(cfg.Telegram.GroupLog, cfg.Logging.Telegram.ThreadID)
	svc.Apply(logConfig(cfg))
}
