package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"chatwarden/internal/runtime/supervisor"
	logx "chatwarden/pkg/logx"
)

type Option func(*Service)

// WithSupervisor runs jobs under sup. Without it the scheduler creates its
// own supervisor in Start.
func WithSupervisor(sup *supervisor.Supervisor) Option {
	return func(s *Service) { s.sup = sup }
}

func New(cfg Config, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, log: log.With(logx.String("comp", "scheduler"))}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddSchedule registers or replaces the job called name. runAtStart also
// fires it once right after Start.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, runAtStart bool, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	d := &scheduleDef{name: name, spec: ps, timeout: timeout, runAtStart: runAtStart, job: job}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.addCronLocked(d); err != nil {
			return err
		}
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", ps.String()))
	}
	return nil
}

// Remove drops a schedule; it reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	sched, err := d.spec.Schedule()
	if err != nil {
		return err
	}
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.trigger(d) }))
	return nil
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start begins triggering. Jobs registered with runAtStart fire immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	if s.sup == nil {
		s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
		s.own = true
	}
	s.loc = s.loadLocation()
	s.c = cron.New(cron.WithLocation(s.loc))
	var first []*scheduleDef
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
			continue
		}
		if d.runAtStart {
			first = append(first, d)
		}
	}
	s.c.Start()
	n := len(s.defs)
	s.mu.Unlock()

	for _, d := range first {
		s.trigger(d)
	}
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", n))
}

// Stop halts triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	sup, own := s.sup, s.own
	if own {
		s.sup, s.own = nil, false
	}
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if own {
		return sup.Stop(ctx)
	}
	return s.waitIdle(ctx)
}

func (s *Service) waitIdle(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		busy := false
		s.mu.Lock()
		for _, d := range s.defs {
			busy = busy || d.running.Load()
		}
		s.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RunNow fires a schedule outside its timer. It reports false for unknown
// names and for jobs that are already running.
func (s *Service) RunNow(name string) bool {
	s.mu.Lock()
	var d *scheduleDef
	for _, def := range s.defs {
		if def.name == name {
			d = def
		}
	}
	started := s.c != nil
	s.mu.Unlock()
	if d == nil || !started {
		return false
	}
	return s.trigger(d)
}

func (s *Service) trigger(d *scheduleDef) bool {
	if !d.running.CompareAndSwap(false, true) {
		d.mu.Lock()
		d.skipped++
		d.mu.Unlock()
		s.log.Debug("previous run still active, skipping", logx.String("name", d.name))
		return false
	}
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		d.running.Store(false)
		return false
	}
	sup.Go("schedule."+d.name, func(ctx context.Context) error {
		defer d.running.Store(false)
		runCtx := ctx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		start := time.Now()
		err := d.job(runCtx)
		took := time.Since(start)

		d.mu.Lock()
		d.runs++
		d.lastRun = start
		d.lastDur = took
		d.lastErr = ""
		if err != nil {
			d.failures++
			d.lastErr = err.Error()
		}
		d.mu.Unlock()

		switch {
		case err != nil && ctx.Err() == nil:
			s.log.Warn("scheduled run failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
		case err == nil:
			s.log.Debug("scheduled run done", logx.String("name", d.name), logx.Duration("took", took))
		}
		return nil
	})
	return true
}

func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defs := append([]*scheduleDef(nil), s.defs...)
	c := s.c
	s.mu.Unlock()

	out := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		d.mu.Lock()
		info := ScheduleInfo{
			Name:     d.name,
			Spec:     d.spec.String(),
			Running:  d.running.Load(),
			Runs:     d.runs,
			Skipped:  d.skipped,
			Failures: d.failures,
			LastRun:  d.lastRun,
			LastDur:  d.lastDur,
			LastErr:  d.lastErr,
		}
		d.mu.Unlock()
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
