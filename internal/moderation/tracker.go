package moderation

import (
	"context"
	"fmt"
	"sync"

	"chatwarden/internal/platform"
	"chatwarden/internal/storage"
	"chatwarden/internal/transport"
	logx "chatwarden/pkg/logx"
)

// Tracker keeps the directory in sync with what the bot sees in groups.
type Tracker struct {
	groups *Groups
	store  storage.Store
	plat   platform.Platform
	log    logx.Logger

	selfMu sync.Mutex
	selfID int64
}

func NewTracker(groups *Groups, store storage.Store, plat platform.Platform, log logx.Logger) *Tracker {
	return &Tracker{groups: groups, store: store, plat: plat, log: log.With(logx.String("comp", "tracker"))}
}

// Handle applies one inbound update. Private chats are ignored.
func (t *Tracker) Handle(ctx context.Context, up transport.Update) error {
	if up.Kind == transport.UpdateMigrated {
		return t.groups.Migrate(ctx, up.Chat.ID, up.MigrateTo, up.Chat.Title)
	}
	if up.Chat.Private || up.Chat.ID == 0 {
		return nil
	}
	if err := t.groups.Add(ctx, storage.Group{ID: up.Chat.ID, Name: up.Chat.Title}); err != nil {
		return err
	}

	switch up.Kind {
	case transport.UpdateMessage, transport.UpdateUserJoined:
		if up.From != nil {
			if err := t.TrackMember(ctx, up.Chat.ID, *up.From); err != nil {
				return err
			}
		}
		if up.Kind == transport.UpdateUserJoined {
			t.deleteServiceMessage(ctx, up)
		}
	case transport.UpdateUserLeft:
		if up.From != nil {
			if err := t.store.DeleteMember(ctx, up.Chat.ID, up.From.ID); err != nil {
				return fmt.Errorf("delete member %d: %w", up.From.ID, err)
			}
			t.log.Info("member left", logx.Int64("group_id", up.Chat.ID), logx.Int64("user_id", up.From.ID))
		}
		t.deleteServiceMessage(ctx, up)
	}
	return nil
}

// TrackMember stores a non-privileged user of a group. The bot itself and
// admins are skipped after a live role check.
func (t *Tracker) TrackMember(ctx context.Context, groupID int64, u transport.User) error {
	self, err := t.self(ctx)
	if err != nil {
		return fmt.Errorf("fetch own identity: %w", err)
	}
	if u.ID == self {
		return nil
	}
	role, err := t.plat.FetchMembership(ctx, groupID, u.ID)
	if err != nil {
		return fmt.Errorf("fetch role of %d: %w", u.ID, err)
	}
	if role.Privileged() {
		t.log.Debug("skipping privileged member", logx.Int64("group_id", groupID), logx.Int64("user_id", u.ID))
		return nil
	}
	m := storage.Member{ID: u.ID, GroupID: groupID, Name: u.DisplayName()}
	if u.Username != "" {
		handle := u.Username
		m.Handle = &handle
	}
	if err := t.store.UpsertMember(ctx, m); err != nil {
		return fmt.Errorf("upsert member %d: %w", u.ID, err)
	}
	return nil
}

// self caches the bot's own id after the first successful lookup.
func (t *Tracker) self(ctx context.Context) (int64, error) {
	t.selfMu.Lock()
	defer t.selfMu.Unlock()
	if t.selfID != 0 {
		return t.selfID, nil
	}
	id, err := t.plat.FetchOwnIdentity(ctx)
	if err != nil {
		return 0, err
	}
	t.selfID = id.ID
	return t.selfID, nil
}

func (t *Tracker) deleteServiceMessage(ctx context.Context, up transport.Update) {
	if up.MessageID == 0 {
		return
	}
	if err := t.plat.DeleteMessage(ctx, up.Chat.ID, up.MessageID); err != nil {
		t.log.Warn("delete service message failed", logx.Int64("group_id", up.Chat.ID), logx.Int("message_id", up.MessageID), logx.Err(err))
	}
}
