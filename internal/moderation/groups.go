// Package moderation holds the group directory facade, the membership
// tracker fed by platform updates, and the member clearing workflow.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chatwarden/internal/eventbus"
	"chatwarden/internal/status"
	"chatwarden/internal/storage"
	logx "chatwarden/pkg/logx"
)

// Groups is the only writer of group records. Every mutation updates the
// store and the status registry together so that a registry entry exists
// exactly for the stored groups.
type Groups struct {
	store storage.Store
	reg   *status.Registry
	bus   eventbus.Bus
	log   logx.Logger

	// stripes serialize mutations of the same group id.
	stripes [64]sync.Mutex
}

// lock takes the stripes of ids in index order and returns the unlock.
func (g *Groups) lock(ids ...int64) func() {
	var idx []int
	for _, id := range ids {
		i := int(uint64(id) % uint64(len(g.stripes)))
		dup := false
		for _, j := range idx {
			dup = dup || j == i
		}
		if !dup {
			idx = append(idx, i)
		}
	}
	if len(idx) == 2 && idx[1] < idx[0] {
		idx[0], idx[1] = idx[1], idx[0]
	}
	for _, i := range idx {
		g.stripes[i].Lock()
	}
	return func() {
		for k := len(idx) - 1; k >= 0; k-- {
			g.stripes[idx[k]].Unlock()
		}
	}
}

func NewGroups(store storage.Store, reg *status.Registry, bus eventbus.Bus, log logx.Logger) *Groups {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Groups{store: store, reg: reg, bus: bus, log: log.With(logx.String("comp", "groups"))}
}

// GroupStatus is a stored group with its live cleaning status.
type GroupStatus struct {
	ID     int64         `json:"id"`
	Name   string        `json:"name"`
	Status status.Status `json:"status"`
}

// Add upserts a group and makes sure it has a status entry.
func (g *Groups) Add(ctx context.Context, grp storage.Group) error {
	defer g.lock(grp.ID)()
	return g.add(ctx, grp)
}

func (g *Groups) add(ctx context.Context, grp storage.Group) error {
	if err := g.store.UpsertGroup(ctx, grp); err != nil {
		return fmt.Errorf("upsert group %d: %w", grp.ID, err)
	}
	if g.reg.Ensure(grp.ID) {
		g.log.Info("group added", logx.Int64("group_id", grp.ID), logx.String("name", grp.Name))
	}
	return nil
}

// Delete drops a group, its members and its status entry.
func (g *Groups) Delete(ctx context.Context, id int64) error {
	defer g.lock(id)()
	if _, err := g.store.GetGroup(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// keep the registry honest even if the two drifted
			g.reg.Remove(id)
			return fmt.Errorf("%w: %d", ErrUnknownGroup, id)
		}
		return err
	}
	if err := g.store.DeleteGroup(ctx, id); err != nil {
		return fmt.Errorf("delete group %d: %w", id, err)
	}
	g.reg.Remove(id)
	g.bus.Publish(eventbus.Event{Type: eventbus.GroupRemoved, Data: id})
	g.log.Info("group deleted", logx.Int64("group_id", id))
	return nil
}

// Migrate moves a group, its members and its status to newID after the
// platform upgraded it. An untracked oldID just registers newID.
func (g *Groups) Migrate(ctx context.Context, oldID, newID int64, name string) error {
	defer g.lock(oldID, newID)()
	err := g.store.MigrateGroup(ctx, oldID, newID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		g.reg.Remove(oldID)
		return g.add(ctx, storage.Group{ID: newID, Name: name})
	case err != nil:
		return fmt.Errorf("migrate group %d -> %d: %w", oldID, newID, err)
	}
	if err := g.reg.Migrate(oldID, newID); err != nil {
		g.reg.Ensure(newID)
	}
	if name != "" {
		if err := g.store.UpsertGroup(ctx, storage.Group{ID: newID, Name: name}); err != nil {
			g.log.Warn("rename after migration failed", logx.Int64("group_id", newID), logx.Err(err))
		}
	}
	g.log.Info("group migrated", logx.Int64("from", oldID), logx.Int64("to", newID))
	return nil
}

// All returns the stored groups.
func (g *Groups) All(ctx context.Context) ([]storage.Group, error) {
	return g.store.ListGroups(ctx)
}

// List returns the stored groups with their status. A group whose status
// entry vanished in a concurrent delete is skipped.
func (g *Groups) List(ctx context.Context) ([]GroupStatus, error) {
	groups, err := g.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]GroupStatus, 0, len(groups))
	for _, grp := range groups {
		st, ok := g.reg.Get(grp.ID)
		if !ok {
			continue
		}
		out = append(out, GroupStatus{ID: grp.ID, Name: grp.Name, Status: st})
	}
	return out, nil
}

// Fill creates Idle entries for every stored group. It runs once at startup
// before anything else touches the registry.
func (g *Groups) Fill(ctx context.Context) (int, error) {
	groups, err := g.store.ListGroups(ctx)
	if err != nil {
		return 0, err
	}
	for _, grp := range groups {
		g.reg.Ensure(grp.ID)
	}
	return len(groups), nil
}
