package moderation

import (
	"context"
	"fmt"

	"chatwarden/internal/platform"
	"chatwarden/internal/status"
	"chatwarden/internal/storage"
	logx "chatwarden/pkg/logx"
)

// SweepResult counts what one sweep did. Member failures are reported here
// for logs and jobs only; they never turn into a group error.
type SweepResult struct {
	Reconciled int `json:"reconciled"`
	Removed    int `json:"removed"`
	Failed     int `json:"failed"`
}

// Cleaner runs the reconcile-then-remove sweep over one group.
type Cleaner struct {
	store storage.Store
	reg   *status.Registry
	plat  platform.Platform
	log   logx.Logger
}

func NewCleaner(store storage.Store, reg *status.Registry, plat platform.Platform, log logx.Logger) *Cleaner {
	return &Cleaner{store: store, reg: reg, plat: plat, log: log.With(logx.String("comp", "cleaner"))}
}

// CleanupAndRemoveAll sweeps a claimed group. A *ChatError means the group
// itself could not be read and the caller should record Error(reason); the
// status is then left InProgress for the caller to overwrite. Any other
// error means the sweep never started.
func (c *Cleaner) CleanupAndRemoveAll(ctx context.Context, groupID int64) (SweepResult, error) {
	var res SweepResult
	if err := c.reg.Set(groupID, status.InProgress); err != nil {
		return res, fmt.Errorf("mark group %d in progress: %w", groupID, err)
	}
	log := c.log.With(logx.Int64("group_id", groupID))

	grp, err := c.plat.FetchGroup(ctx, groupID)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, &ChatError{GroupID: groupID, Err: err}
	}

	n, err := c.reconcile(ctx, groupID, log)
	if err != nil {
		return res, &ChatError{GroupID: groupID, Err: err}
	}
	res.Reconciled = n

	members, err := c.store.ListMembers(ctx, groupID)
	if err != nil {
		return res, &ChatError{GroupID: groupID, Err: err}
	}
	mode := platform.ModeFor(grp)
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := c.plat.RemoveMember(ctx, groupID, m.ID, mode); err != nil {
			res.Failed++
			log.Warn("remove member failed", logx.Int64("user_id", m.ID), logx.String("mode", mode.String()), logx.Err(err))
			continue
		}
		if err := c.store.DeleteMember(ctx, groupID, m.ID); err != nil {
			log.Warn("delete removed member failed", logx.Int64("user_id", m.ID), logx.Err(err))
		}
		res.Removed++
	}

	if err := c.reg.Set(groupID, status.Idle); err != nil {
		// the reaper deleted the group mid-sweep
		log.Warn("group vanished during sweep", logx.Err(err))
	}
	log.Info("sweep finished", logx.Int("removed", res.Removed), logx.Int("failed", res.Failed), logx.Int("reconciled", res.Reconciled))
	return res, nil
}

// reconcile drops local records for members whose live role is no longer
// member or restricted. It only touches the directory.
func (c *Cleaner) reconcile(ctx context.Context, groupID int64, log logx.Logger) (int, error) {
	members, err := c.store.ListMembers(ctx, groupID)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, m := range members {
		role, err := c.plat.FetchMembership(ctx, groupID, m.ID)
		if err != nil {
			log.Warn("fetch member failed", logx.Int64("user_id", m.ID), logx.Err(err))
			continue
		}
		if role.Trackable() {
			continue
		}
		if err := c.store.DeleteMember(ctx, groupID, m.ID); err != nil {
			log.Warn("drop untracked member failed", logx.Int64("user_id", m.ID), logx.Err(err))
			continue
		}
		dropped++
		log.Debug("member no longer tracked", logx.Int64("user_id", m.ID), logx.String("role", string(role)))
	}
	return dropped, nil
}
