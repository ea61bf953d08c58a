package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "cron with seconds", raw: "*/15 * * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 5m", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "15s", kind: SpecInterval, source: "duration", duration: 15 * time.Second},
		{name: "prefixed interval", raw: "interval:300s", kind: SpecInterval, source: "duration", duration: 5 * time.Minute},
		{name: "every prefix hhmm", raw: "every:00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
			_, err = got.Schedule()
			assert.NoError(t, err)
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "500ms", "00:75", "cron:", "* * *", "-5m"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}

func TestIntervalScheduleNext(t *testing.T) {
	t.Parallel()
	ps, err := ParseSchedule("15s")
	require.NoError(t, err)
	sched, err := ps.Schedule()
	require.NoError(t, err)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(15*time.Second), sched.Next(now))
	assert.Equal(t, "@every 15s", ps.String())
}
