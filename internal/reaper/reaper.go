// Package reaper removes groups the bot has been evicted from.
package reaper

import (
	"context"
	"fmt"

	"chatwarden/internal/moderation"
	"chatwarden/internal/platform"
	logx "chatwarden/pkg/logx"
)

// Reaper deletes a group only on a positive "bot is gone" signal from the
// platform. Any other membership error keeps the group.
type Reaper struct {
	groups *moderation.Groups
	plat   platform.Platform
	log    logx.Logger
}

func New(groups *moderation.Groups, plat platform.Platform, log logx.Logger) *Reaper {
	return &Reaper{groups: groups, plat: plat, log: log.With(logx.String("comp", "reaper"))}
}

// Result lists what one pass did.
type Result struct {
	Checked int     `json:"checked"`
	Removed []int64 `json:"removed"`
	Errors  int     `json:"errors"`
}

// Tick checks the bot's own membership in every stored group.
func (r *Reaper) Tick(ctx context.Context) (Result, error) {
	var res Result
	groups, err := r.groups.All(ctx)
	if err != nil {
		return res, fmt.Errorf("list groups: %w", err)
	}
	self, err := r.plat.FetchOwnIdentity(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch own identity: %w", err)
	}
	for _, g := range groups {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		_, err := r.plat.FetchMembership(ctx, g.ID, self.ID)
		if err == nil {
			continue
		}
		cat := platform.CategoryOf(err)
		if !cat.BotGone() {
			res.Errors++
			r.log.Warn("membership check failed", logx.Int64("group_id", g.ID), logx.Err(err))
			continue
		}
		if err := r.groups.Delete(ctx, g.ID); err != nil {
			res.Errors++
			r.log.Error("delete stale group failed", logx.Int64("group_id", g.ID), logx.Err(err))
			continue
		}
		res.Removed = append(res.Removed, g.ID)
		r.log.Info("removed stale group", logx.Int64("group_id", g.ID), logx.String("name", g.Name), logx.String("reason", cat.String()))
	}
	return res, nil
}
