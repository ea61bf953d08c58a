package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func noEnv(string) (string, bool) { return "", false }

func envOf(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func TestLoadFormatsAgree(t *testing.T) {
	files := map[string]string{
		"config.json": `{"telegram":{"token":"t"},"storage":{"driver":"file","path":"s.json"},"clear":{"workers":3}}`,
		"config.yaml": "telegram:\n  token: t\nstorage:\n  driver: file\n  path: s.json\nclear:\n  workers: 3\n",
		"config.toml": "[telegram]\ntoken = \"t\"\n[storage]\ndriver = \"file\"\npath = \"s.json\"\n[clear]\nworkers = 3\n",
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			m := NewConfigManager(writeFile(t, name, body))
			m.SetEnv(noEnv)
			cfg, err := m.Load()
			require.NoError(t, err)
			assert.Equal(t, "t", cfg.Telegram.Token)
			assert.Equal(t, "file", cfg.Storage.Driver)
			assert.Equal(t, 3, cfg.Clear.Workers)
			assert.Equal(t, DefaultHTTPAddr, cfg.HTTP.Addr)
			assert.Equal(t, "15s", cfg.Dispatcher.Schedule)
			assert.Equal(t, "300s", cfg.Reaper.Schedule)
			assert.Equal(t, 10, cfg.Dispatcher.AlbumSize)
			assert.Equal(t, []string{"*"}, cfg.HTTP.AllowedOrigins)
			assert.True(t, cfg.HTTP.On())
			assert.Same(t, cfg, m.Get())
		})
	}
}

func TestParseIsStrict(t *testing.T) {
	m := NewConfigManager(writeFile(t, "c.json", `{"telegram":{"token":"t","owner":1}}`))
	_, err := m.Parse()
	assert.Error(t, err)

	m = NewConfigManager(writeFile(t, "c.json", `{"telegram":{"token":"t"}}{}`))
	_, err = m.Parse()
	assert.ErrorContains(t, err, "trailing data")
}

func TestEnvOverrides(t *testing.T) {
	m := NewConfigManager(writeFile(t, "c.json", `{"telegram":{"token":"file"}}`))
	m.SetEnv(envOf(map[string]string{
		"BOT_TOKEN":    "env-token",
		"DATABASE_URL": "postgres://u:p@db/warden",
		"HTTP_ADDR":    "127.0.0.1:9000",
	}))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://u:p@db/warden", cfg.Storage.DSN)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Telegram:   TelegramConfig{PollTimeout: "soon"},
		Storage:    StorageConfig{Driver: "postgres"},
		Dispatcher: DispatcherConfig{Schedule: "sometimes", DeletePolicy: "never"},
	}
	ApplyDefaults(cfg)
	err := Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{"telegram.token", "telegram.poll_timeout", "dispatcher.schedule", "dispatcher.delete_policy", "storage.dsn"} {
		assert.ErrorContains(t, err, want)
	}

	off := false
	cfg = &Config{Telegram: TelegramConfig{Token: "t"}, Reaper: ReaperConfig{Enabled: &off, Schedule: "bogus"}}
	ApplyDefaults(cfg)
	assert.NoError(t, Validate(cfg))
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{Telegram: TelegramConfig{Token: "a"}}
	ApplyDefaults(a)
	b := *a
	b.Logging.Level = "debug"
	b.Reaper.Schedule = "10m"

	changed, attrs := SummarizeConfigChange(a, &b)
	assert.Equal(t, []string{"logging", "reaper"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"reaper"}, RestartRequired(changed))
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "c.yaml", "telegram:\n  token: t\nlogging:\n  level: info\n")
	m := NewConfigManager(path)
	m.SetEnv(noEnv)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("telegram:\n  token: t\nlogging:\n  level: debug\n"), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	cancel()
	<-done
}

func TestDurationOr(t *testing.T) {
	assert.Equal(t, 5*time.Second, DurationOr("", 5*time.Second))
	assert.Equal(t, time.Minute, DurationOr("1m", 5*time.Second))
	assert.Equal(t, 5*time.Second, DurationOr("bad", 5*time.Second))
}
