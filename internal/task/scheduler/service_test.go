package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwarden/internal/runtime/supervisor"
	logx "chatwarden/pkg/logx"
)

func TestRunAtStartAndRunNow(t *testing.T) {
	s := New(Config{}, logx.Nop())
	var runs atomic.Int32
	require.NoError(t, s.AddSchedule("tick", "1h", 0, true, func(context.Context) error {
		runs.Add(1)
		return errors.New("handled")
	}))
	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.RunNow("tick") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.RunNow("missing"))

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap) == 1 && snap[0].Runs == 2 && !snap[0].Running
	}, time.Second, 5*time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap[0].Failures)
	assert.Equal(t, "handled", snap[0].LastErr)
	assert.False(t, snap[0].Next.IsZero())
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	s := New(Config{}, logx.Nop())
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.AddSchedule("slow", "1h", 0, true, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}))
	s.Start(context.Background())

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.RunNow("slow"))
	close(release)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, uint64(1), s.Snapshot()[0].Skipped)
}

func TestPanicReachesSupervisor(t *testing.T) {
	sup := supervisor.New(context.Background(), supervisor.WithCancelOnError(true))
	s := New(Config{}, logx.Nop(), WithSupervisor(sup))
	require.NoError(t, s.AddSchedule("boom", "1h", 0, true, func(context.Context) error {
		panic("loop crashed")
	}))
	s.Start(context.Background())

	select {
	case <-sup.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor was not cancelled")
	}
	assert.ErrorContains(t, sup.Err(), "loop crashed")
	_ = s.Stop(context.Background())
}

func TestAddScheduleRejectsBadInput(t *testing.T) {
	s := New(Config{}, logx.Nop())
	assert.Error(t, s.AddSchedule("", "1m", 0, false, func(context.Context) error { return nil }))
	assert.Error(t, s.AddSchedule("x", "1m", 0, false, nil))
	assert.Error(t, s.AddSchedule("x", "whenever", 0, false, func(context.Context) error { return nil }))
}
