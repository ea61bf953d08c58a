package config

import (
	"os"
	"strings"
)

// ApplyEnv overrides file values with the deployment environment:
// BOT_TOKEN, DATABASE_URL and HTTP_ADDR. A DATABASE_URL with a postgres
// scheme also switches the driver to postgres.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup("BOT_TOKEN"); ok && strings.TrimSpace(v) != "" {
		c.Telegram.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup("DATABASE_URL"); ok && strings.TrimSpace(v) != "" {
		c.Storage.DSN = strings.TrimSpace(v)
		if strings.HasPrefix(c.Storage.DSN, "postgres://") || strings.HasPrefix(c.Storage.DSN, "postgresql://") {
			c.Storage.Driver = "postgres"
		}
	}
	if v, ok := lookup("HTTP_ADDR"); ok && strings.TrimSpace(v) != "" {
		c.HTTP.Addr = strings.TrimSpace(v)
	}
}
