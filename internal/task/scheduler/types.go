package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"chatwarden/internal/runtime/supervisor"
	logx "chatwarden/pkg/logx"
)

type Config struct {
	Timezone string // IANA name; empty means local time
}

// Job is one periodic run. Returned errors are logged; the schedule keeps going.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name       string
	spec       ParsedSpec
	timeout    time.Duration
	runAtStart bool
	job        Job
	entryID    cron.EntryID

	running atomic.Bool

	mu       sync.Mutex
	runs     uint64
	skipped  uint64
	failures uint64
	lastRun  time.Time
	lastDur  time.Duration
	lastErr  string
}

type Service struct {
	mu sync.Mutex

	cfg  Config
	log  logx.Logger
	loc  *time.Location
	sup  *supervisor.Supervisor
	own  bool
	c    *cron.Cron
	defs []*scheduleDef
}

// ScheduleInfo is the reported state of one schedule.
type ScheduleInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Next     time.Time     `json:"next,omitzero"`
	Prev     time.Time     `json:"prev,omitzero"`
	Running  bool          `json:"running"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	Failures uint64        `json:"failures"`
	LastRun  time.Time     `json:"last_run,omitzero"`
	LastDur  time.Duration `json:"last_duration"`
	LastErr  string        `json:"last_error,omitempty"`
}
