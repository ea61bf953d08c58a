package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))

	log.Info("hello", Int64("group_id", -100), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "hello", m["message"])
	assert.Equal(t, "test", m["comp"])
	assert.EqualValues(t, -100, m["group_id"])
	assert.Equal(t, "boom", m["err"])
	assert.Contains(t, m["caller"], "logging_test.go")
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("dropped")
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in, zerolog.InfoLevel), in)
	}
}

func TestRenderLine(t *testing.T) {
	line := []byte(`{"level":"warn","comp":"moderation","message":"sweep failed","group_id":-42,"caller":"x.go:1","time":"x"}`)
	assert.Equal(t, "[WARN] moderation: sweep failed\ngroup_id=-42", renderLine(line))

	assert.Equal(t, "plain text", renderLine([]byte("  plain text \n")))
	assert.Len(t, renderLine([]byte(strings.Repeat("a", 5000))), maxLineLen)
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	ch   chan struct{}
}

func (c *captureSender) SendLog(_ context.Context, chatID int64, _ int, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	c.ch <- struct{}{}
	return nil
}

func TestServiceTelegramSinkRespectsMinLevel(t *testing.T) {
	sender := &captureSender{ch: make(chan struct{}, 4)}
	svc, log := New(Config{Level: "debug", Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}}, sender)
	svc.SetTelegramTarget(-1001, 0)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("not forwarded")
	log.Warn("forwarded")

	select {
	case <-sender.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("telegram sink did not deliver")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.msgs, 1)
	assert.Contains(t, sender.msgs[0], "forwarded")
}
