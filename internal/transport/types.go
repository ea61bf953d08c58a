package transport

import "context"

type UpdateKind string

const (
	// UpdateMessage is any ordinary message posted in a group.
	UpdateMessage UpdateKind = "message"
	// UpdateUserJoined is a "user joined" service message; one update per user.
	UpdateUserJoined UpdateKind = "user_joined"
	UpdateUserLeft   UpdateKind = "user_left"
	// UpdateGroupSeen is emitted when the bot is added to a group or a group is created with it.
	UpdateGroupSeen UpdateKind = "group_seen"
	// UpdateMigrated is emitted when a group is upgraded to a supergroup under a new id.
	UpdateMigrated UpdateKind = "migrated"
)

type Chat struct {
	ID      int64
	Title   string
	Private bool
}

type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	IsBot     bool
}

// DisplayName joins first and last name the way Telegram clients show them.
func (u User) DisplayName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	if u.FirstName == "" {
		return u.LastName
	}
	return u.FirstName + " " + u.LastName
}

type Update struct {
	Kind      UpdateKind
	Chat      Chat
	MessageID int
	// From is the message sender, or the joined/left user for membership updates.
	From *User
	// MigrateTo is the new chat id for UpdateMigrated; Chat.ID holds the old one.
	MigrateTo int64
}

// Adapter is an inbound update source.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
