package moderation

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"chatwarden/internal/runtime/supervisor"
	"chatwarden/internal/status"
	logx "chatwarden/pkg/logx"
)

// Orchestrator claims groups and drives the cleaner over them. Claims are
// the only exclusivity guard: a group that is Queued or InProgress is
// skipped, so each group has at most one sweep at a time whatever the
// worker count.
type Orchestrator struct {
	cleaner *Cleaner
	reg     *status.Registry
	sup     *supervisor.Supervisor
	log     logx.Logger
	workers int
	jobs    *jobTable
	now     func() time.Time
}

type OrchestratorOption func(*Orchestrator)

// WithWorkers bounds how many groups are swept at once. 1 is sequential.
func WithWorkers(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithJobLimits(ttl time.Duration, max int) OrchestratorOption {
	return func(o *Orchestrator) { o.jobs = newJobTable(ttl, max) }
}

// WithSupervisor runs background clears under sup so they stop with it.
func WithSupervisor(sup *supervisor.Supervisor) OrchestratorOption {
	return func(o *Orchestrator) { o.sup = sup }
}

func NewOrchestrator(cleaner *Cleaner, reg *status.Registry, log logx.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		cleaner: cleaner,
		reg:     reg,
		log:     log.With(logx.String("comp", "clear")),
		workers: 1,
		jobs:    newJobTable(0, 0),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// claim moves every eligible id to Queued and records the outcome on j.
func (o *Orchestrator) claim(j *Job, ids []int64) {
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ok, err := o.reg.Claim(id)
		switch {
		case errors.Is(err, status.ErrNotFound):
			j.Unknown = append(j.Unknown, id)
			o.log.Warn("clear requested for unknown group", logx.Int64("group_id", id))
		case !ok:
			j.Skipped = append(j.Skipped, id)
			o.log.Debug("group already queued or running", logx.Int64("group_id", id))
		default:
			j.Claimed = append(j.Claimed, id)
		}
	}
}

func (o *Orchestrator) newJob(ids []int64) *Job {
	j := &Job{ID: uuid.NewString(), Requested: slices.Clone(ids), CreatedAt: o.now()}
	o.claim(j, ids)
	j.Running = len(j.Claimed) > 0
	if !j.Running {
		j.DoneAt = j.CreatedAt
	}
	o.jobs.add(j)
	return j
}

// ClearGroups claims ids and sweeps the claimed ones before returning.
func (o *Orchestrator) ClearGroups(ctx context.Context, ids []int64) Job {
	j := o.newJob(ids)
	o.run(ctx, j.ID, j.Claimed)
	out, _ := o.jobs.get(j.ID)
	return out
}

// StartClear claims ids now and sweeps in the background. The returned job
// already lists claimed, skipped and unknown ids; poll Job for the rest.
func (o *Orchestrator) StartClear(ids []int64) Job {
	j := o.newJob(ids)
	snap, _ := o.jobs.get(j.ID)
	if len(j.Claimed) == 0 {
		return snap
	}
	claimed := slices.Clone(j.Claimed)
	fn := func(ctx context.Context) { o.run(ctx, j.ID, claimed) }
	if o.sup != nil {
		o.sup.Go0("clear.job", fn)
	} else {
		go fn(context.Background())
	}
	return snap
}

// Job returns a snapshot of a clear job.
func (o *Orchestrator) Job(id string) (Job, bool) { return o.jobs.get(id) }

func (o *Orchestrator) run(ctx context.Context, jobID string, claimed []int64) {
	log := o.log.With(logx.String("job", jobID))
	if len(claimed) > 0 {
		log.Info("clear started", logx.Int64s("groups", claimed), logx.Int("workers", o.workers))
	}
	p := pool.New().WithMaxGoroutines(o.workers)
	for _, id := range claimed {
		p.Go(func() {
			if ctx.Err() != nil {
				o.release(id)
				return
			}
			res, err := o.sweep(ctx, id)
			o.jobs.update(jobID, func(j *Job) {
				j.Removed += res.Removed
				var ce *ChatError
				if errors.As(err, &ce) {
					j.Failed = append(j.Failed, JobFailure{GroupID: id, Reason: ce.Reason()})
				} else {
					j.Done = append(j.Done, id)
				}
			})
		})
	}
	p.Wait()
	o.jobs.update(jobID, func(j *Job) {
		j.Running = false
		j.DoneAt = o.now()
	})
	if len(claimed) > 0 {
		log.Info("clear finished")
	}
}

// sweep runs the cleaner on a claimed group and settles its final status.
func (o *Orchestrator) sweep(ctx context.Context, id int64) (SweepResult, error) {
	res, err := o.cleaner.CleanupAndRemoveAll(ctx, id)
	var ce *ChatError
	switch {
	case err == nil:
	case errors.As(err, &ce):
		o.log.Error("group sweep failed", logx.Int64("group_id", id), logx.Err(ce.Err))
		if serr := o.reg.Set(id, status.Error(ce.Reason())); serr != nil {
			o.log.Warn("record sweep error", logx.Int64("group_id", id), logx.Err(serr))
		}
	default:
		o.log.Warn("group sweep aborted", logx.Int64("group_id", id), logx.Err(err))
		o.release(id)
	}
	return res, err
}

// release puts a claimed group back to Idle without sweeping it.
func (o *Orchestrator) release(id int64) {
	if err := o.reg.Set(id, status.Idle); err != nil && !errors.Is(err, status.ErrNotFound) {
		o.log.Warn("release group failed", logx.Int64("group_id", id), logx.Err(err))
	}
}

// ClearOne sweeps a single group synchronously. It returns ErrUnknownGroup,
// ErrBusy or the sweep's *ChatError.
func (o *Orchestrator) ClearOne(ctx context.Context, id int64) (SweepResult, error) {
	ok, err := o.reg.Claim(id)
	if errors.Is(err, status.ErrNotFound) {
		return SweepResult{}, ErrUnknownGroup
	}
	if err != nil {
		return SweepResult{}, err
	}
	if !ok {
		return SweepResult{}, ErrBusy
	}
	return o.sweep(ctx, id)
}
