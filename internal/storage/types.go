package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + journal)
//   - "sqlite": SQLite database file (modernc, no cgo)
//   - "postgres": PostgreSQL through bun; DSN is a postgres:// URL
type Config struct {
	Driver         string
	Path           string
	DSN            string
	BusyTimeout    time.Duration // sqlite only; 0 means default
	ConnectTimeout time.Duration // total time Open keeps retrying the first ping
}

// Group is a chat the bot moderates.
type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Member is a non-privileged user tracked for removal. (ID, GroupID) is unique.
type Member struct {
	ID      int64   `json:"id"`
	GroupID int64   `json:"group_id"`
	Handle  *string `json:"handle,omitempty"`
	Name    string  `json:"name"`
}

// QueuedMessage is a scheduled broadcast. Images hold base64 payloads and
// ScheduledAt is RFC3339 text; both are validated by the dispatcher.
type QueuedMessage struct {
	ID          int64    `json:"id"`
	Targets     []int64  `json:"targets"`
	Text        string   `json:"text"`
	Images      []string `json:"images"`
	ScheduledAt string   `json:"scheduled_at"`
}

// Store persists the group directory and the broadcast queue.
//
// Upserts update non-key fields on conflict. Deleting a group deletes its
// members. Deletes of missing rows are not errors.
type Store interface {
	UpsertGroup(ctx context.Context, g Group) error
	GetGroup(ctx context.Context, id int64) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	DeleteGroup(ctx context.Context, id int64) error
	// MigrateGroup re-keys a group and its members to newID. It returns
	// ErrNotFound when oldID is unknown.
	MigrateGroup(ctx context.Context, oldID, newID int64) error

	UpsertMember(ctx context.Context, m Member) error
	ListMembers(ctx context.Context, groupID int64) ([]Member, error)
	DeleteMember(ctx context.Context, groupID, userID int64) error

	// EnqueueMessage stores m and returns its assigned id.
	EnqueueMessage(ctx context.Context, m QueuedMessage) (int64, error)
	ListQueue(ctx context.Context) ([]QueuedMessage, error)
	DeleteQueued(ctx context.Context, id int64) error

	Close() error
}
