// Package platform describes the messaging platform capability the
// moderation core depends on. The Telegram implementation lives in
// platform/telegram; tests use in-memory fakes.
package platform

import "context"

// MaxAlbum is the largest media group the platform accepts in one call.
const MaxAlbum = 10

type GroupKind uint8

const (
	KindPrivate GroupKind = iota
	KindGroup
	KindSupergroup
	KindChannel
)

func (k GroupKind) String() string {
	switch k {
	case KindPrivate:
		return "private"
	case KindGroup:
		return "group"
	case KindSupergroup:
		return "supergroup"
	case KindChannel:
		return "channel"
	default:
		return "unknown"
	}
}

type Group struct {
	ID    int64
	Title string
	Kind  GroupKind
}

// Large reports whether members must be removed with unban semantics.
func (g Group) Large() bool { return g.Kind == KindSupergroup || g.Kind == KindChannel }

// Role is a user's membership role in a group.
type Role string

const (
	RoleCreator       Role = "creator"
	RoleAdministrator Role = "administrator"
	RoleMember        Role = "member"
	RoleRestricted    Role = "restricted"
	RoleLeft          Role = "left"
	RoleKicked        Role = "kicked"
)

func (r Role) Privileged() bool { return r == RoleCreator || r == RoleAdministrator }

// Trackable reports whether a user with this role is kept in the directory.
func (r Role) Trackable() bool { return r == RoleMember || r == RoleRestricted }

type RemoveMode uint8

const (
	// RemoveKick ejects the user without leaving a lasting ban.
	RemoveKick RemoveMode = iota
	// RemoveUnban removes the user and lets them rejoin later.
	RemoveUnban
)

func (m RemoveMode) String() string {
	if m == RemoveUnban {
		return "unban"
	}
	return "kick"
}

// ModeFor picks the removal semantics for a group.
func ModeFor(g Group) RemoveMode {
	if g.Large() {
		return RemoveUnban
	}
	return RemoveKick
}

type Identity struct {
	ID       int64
	Username string
}

// Image is a decoded still image ready for upload.
type Image struct {
	Name string
	Data []byte
}

type Platform interface {
	FetchOwnIdentity(ctx context.Context) (Identity, error)
	FetchGroup(ctx context.Context, groupID int64) (Group, error)
	FetchMembership(ctx context.Context, groupID, userID int64) (Role, error)
	RemoveMember(ctx context.Context, groupID, userID int64, mode RemoveMode) error
	SendText(ctx context.Context, groupID int64, text string) error
	// SendMediaGroup sends at most MaxAlbum images as one album.
	SendMediaGroup(ctx context.Context, groupID int64, images []Image) error
	DeleteMessage(ctx context.Context, groupID int64, messageID int) error
}
