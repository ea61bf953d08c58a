// Package status holds the in-memory cleaning state machine of every known group.
//
// A group moves Idle|Error -> Queued (Claim) -> InProgress -> Idle, or ends in
// Error(reason) when its sweep could not read the group. The registry is kept
// in lockstep with the directory by moderation.Groups: an entry exists exactly
// for the groups stored there.
package status

import (
	"errors"
	"sync"

	"chatwarden/internal/eventbus"
)

var ErrNotFound = errors.New("status: group not found")

const shardCount = 32

// Change is the payload of eventbus.StatusChanged events.
type Change struct {
	GroupID int64  `json:"group_id"`
	Status  Status `json:"status"`
	Removed bool   `json:"removed,omitempty"`
}

type shard struct {
	mu sync.Mutex
	m  map[int64]Status
}

// Registry is a sharded concurrent map from group id to Status. Every
// mutation is a single update under the owning shard's lock, so unrelated
// groups never contend on one lock.
type Registry struct {
	shards [shardCount]shard
	bus    eventbus.Bus
}

type Option func(*Registry)

// WithBus publishes a StatusChanged event after every mutation.
func WithBus(bus eventbus.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{bus: eventbus.Nop{}}
	for i := range r.shards {
		r.shards[i].m = map[int64]Status{}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func shardIndex(id int64) int {
	// Fibonacci hashing spreads the sequential and negative ids Telegram uses.
	return int((uint64(id) * 11400714819323198485) >> 59)
}

func (r *Registry) shard(id int64) *shard { return &r.shards[shardIndex(id)] }

func (r *Registry) publish(c Change) {
	r.bus.Publish(eventbus.Event{Type: eventbus.StatusChanged, Data: c})
}

// Ensure inserts Idle for id when absent. It reports whether an entry was created.
func (r *Registry) Ensure(id int64) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	_, ok := sh.m[id]
	if !ok {
		sh.m[id] = Idle
	}
	sh.mu.Unlock()
	if !ok {
		r.publish(Change{GroupID: id, Status: Idle})
	}
	return !ok
}

func (r *Registry) Get(id int64) (Status, bool) {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.m[id]
	return st, ok
}

// Set overwrites the status of a known group.
func (r *Registry) Set(id int64, st Status) error {
	sh := r.shard(id)
	sh.mu.Lock()
	if _, ok := sh.m[id]; !ok {
		sh.mu.Unlock()
		return ErrNotFound
	}
	sh.m[id] = st
	sh.mu.Unlock()
	r.publish(Change{GroupID: id, Status: st})
	return nil
}

// Claim atomically moves a group from Idle or Error to Queued. It returns
// false without error when the group is already Queued or InProgress.
func (r *Registry) Claim(id int64) (bool, error) {
	sh := r.shard(id)
	sh.mu.Lock()
	st, ok := sh.m[id]
	if !ok {
		sh.mu.Unlock()
		return false, ErrNotFound
	}
	if !st.Claimable() {
		sh.mu.Unlock()
		return false, nil
	}
	sh.m[id] = Queued
	sh.mu.Unlock()
	r.publish(Change{GroupID: id, Status: Queued})
	return true, nil
}

func (r *Registry) Remove(id int64) {
	sh := r.shard(id)
	sh.mu.Lock()
	st, ok := sh.m[id]
	delete(sh.m, id)
	sh.mu.Unlock()
	if ok {
		r.publish(Change{GroupID: id, Status: st, Removed: true})
	}
}

// Migrate moves oldID's status to newID in one step, replacing any entry
// already present under newID.
func (r *Registry) Migrate(oldID, newID int64) error {
	a, b := shardIndex(oldID), shardIndex(newID)
	first, second := &r.shards[min(a, b)], &r.shards[max(a, b)]
	first.mu.Lock()
	if second != first {
		second.mu.Lock()
	}
	unlock := func() {
		if second != first {
			second.mu.Unlock()
		}
		first.mu.Unlock()
	}

	src, dst := &r.shards[a], &r.shards[b]
	st, ok := src.m[oldID]
	if !ok {
		unlock()
		return ErrNotFound
	}
	delete(src.m, oldID)
	dst.m[newID] = st
	unlock()

	r.publish(Change{GroupID: oldID, Status: st, Removed: true})
	r.publish(Change{GroupID: newID, Status: st})
	return nil
}

// Snapshot returns a point-in-time copy per shard; there is no ordering
// guarantee across shards.
func (r *Registry) Snapshot() map[int64]Status {
	out := make(map[int64]Status)
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for id, st := range sh.m {
			out[id] = st
		}
		sh.mu.Unlock()
	}
	return out
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}
