package config

import (
	"errors"
	"fmt"
	"strings"

	"chatwarden/internal/broadcast"
	"chatwarden/internal/platform"
	"chatwarden/internal/task/scheduler"
)

const (
	DefaultHTTPAddr           = "0.0.0.0:3030"
	DefaultDispatcherSchedule = "15s"
	DefaultReaperSchedule     = "300s"
	DefaultParseMode          = "MarkdownV2"
	DefaultRatePerSec         = 25
)

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(c *Config) {
	if c.Telegram.PollTimeout == "" {
		c.Telegram.PollTimeout = "10s"
	}
	if c.Telegram.RatePerSec <= 0 {
		c.Telegram.RatePerSec = DefaultRatePerSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" && c.Storage.Driver != "postgres" {
		c.Storage.Path = "./data/chatwarden.db"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"*"}
	}
	if c.Dispatcher.Schedule == "" {
		c.Dispatcher.Schedule = DefaultDispatcherSchedule
	}
	if c.Dispatcher.DeletePolicy == "" {
		c.Dispatcher.DeletePolicy = string(broadcast.PolicyAttempt)
	}
	if c.Dispatcher.ParseMode == "" {
		c.Dispatcher.ParseMode = DefaultParseMode
	}
	if c.Dispatcher.AlbumSize <= 0 || c.Dispatcher.AlbumSize > platform.MaxAlbum {
		c.Dispatcher.AlbumSize = platform.MaxAlbum
	}
	if c.Reaper.Schedule == "" {
		c.Reaper.Schedule = DefaultReaperSchedule
	}
	if c.Clear.Workers <= 0 {
		c.Clear.Workers = 1
	}
}

// Validate reports every invalid field at once.
func Validate(c *Config) error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or BOT_TOKEN)"))
	}
	durations := map[string]string{
		"telegram.poll_timeout":   c.Telegram.PollTimeout,
		"storage.busy_timeout":    c.Storage.BusyTimeout,
		"storage.connect_timeout": c.Storage.ConnectTimeout,
		"http.read_timeout":       c.HTTP.ReadTimeout,
		"http.write_timeout":      c.HTTP.WriteTimeout,
		"http.idle_timeout":       c.HTTP.IdleTimeout,
		"clear.job_ttl":           c.Clear.JobTTL,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Dispatcher.On() {
		if _, err := scheduler.ParseSchedule(c.Dispatcher.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher.schedule: %w", err))
		}
	}
	if c.Reaper.On() {
		if _, err := scheduler.ParseSchedule(c.Reaper.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("reaper.schedule: %w", err))
		}
	}
	if _, err := broadcast.ParsePolicy(c.Dispatcher.DeletePolicy); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher.delete_policy: %w", err))
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required"))
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres (or DATABASE_URL)"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}
