// Package platformtest provides an in-memory platform.Platform for tests.
package platformtest

import (
	"context"
	"sync"

	"chatwarden/internal/platform"
)

// Removal records one RemoveMember call.
type Removal struct {
	GroupID int64
	UserID  int64
	Mode    platform.RemoveMode
}

// Fake is a scriptable platform. Maps are keyed by group id; a missing
// role defaults to member. Set the *Err maps to make calls fail.
type Fake struct {
	mu sync.Mutex

	Self   platform.Identity
	Groups map[int64]platform.Group
	Roles  map[int64]map[int64]platform.Role

	GroupErr      map[int64]error
	MembershipErr map[int64]map[int64]error
	RemoveErr     map[int64]map[int64]error
	SendErr       map[int64]error

	Removed []Removal
	Texts   map[int64][]string
	Albums  map[int64][][]platform.Image
	Deleted map[int64][]int
	// Order lists "album" and "text" deliveries per group in call order.
	Order map[int64][]string
}

func New(self int64) *Fake {
	return &Fake{
		Self:          platform.Identity{ID: self, Username: "warden_bot"},
		Groups:        map[int64]platform.Group{},
		Roles:         map[int64]map[int64]platform.Role{},
		GroupErr:      map[int64]error{},
		MembershipErr: map[int64]map[int64]error{},
		RemoveErr:     map[int64]map[int64]error{},
		SendErr:       map[int64]error{},
		Texts:         map[int64][]string{},
		Albums:        map[int64][][]platform.Image{},
		Deleted:       map[int64][]int{},
		Order:         map[int64][]string{},
	}
}

func (f *Fake) SetRole(groupID, userID int64, r platform.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Roles[groupID] == nil {
		f.Roles[groupID] = map[int64]platform.Role{}
	}
	f.Roles[groupID][userID] = r
}

func (f *Fake) FailMembership(groupID, userID int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MembershipErr[groupID] == nil {
		f.MembershipErr[groupID] = map[int64]error{}
	}
	f.MembershipErr[groupID][userID] = err
}

func (f *Fake) FailRemove(groupID, userID int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveErr[groupID] == nil {
		f.RemoveErr[groupID] = map[int64]error{}
	}
	f.RemoveErr[groupID][userID] = err
}

func (f *Fake) FetchOwnIdentity(context.Context) (platform.Identity, error) {
	return f.Self, nil
}

func (f *Fake) FetchGroup(_ context.Context, groupID int64) (platform.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.GroupErr[groupID]; err != nil {
		return platform.Group{}, err
	}
	if g, ok := f.Groups[groupID]; ok {
		return g, nil
	}
	return platform.Group{ID: groupID, Kind: platform.KindGroup}, nil
}

func (f *Fake) FetchMembership(_ context.Context, groupID, userID int64) (platform.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.MembershipErr[groupID][userID]; err != nil {
		return "", err
	}
	if r, ok := f.Roles[groupID][userID]; ok {
		return r, nil
	}
	return platform.RoleMember, nil
}

func (f *Fake) RemoveMember(_ context.Context, groupID, userID int64, mode platform.RemoveMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.RemoveErr[groupID][userID]; err != nil {
		return err
	}
	f.Removed = append(f.Removed, Removal{GroupID: groupID, UserID: userID, Mode: mode})
	return nil
}

func (f *Fake) SendText(_ context.Context, groupID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.SendErr[groupID]; err != nil {
		return err
	}
	f.Texts[groupID] = append(f.Texts[groupID], text)
	f.Order[groupID] = append(f.Order[groupID], "text")
	return nil
}

func (f *Fake) SendMediaGroup(_ context.Context, groupID int64, images []platform.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.SendErr[groupID]; err != nil {
		return err
	}
	f.Albums[groupID] = append(f.Albums[groupID], images)
	f.Order[groupID] = append(f.Order[groupID], "album")
	return nil
}

func (f *Fake) DeleteMessage(_ context.Context, groupID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted[groupID] = append(f.Deleted[groupID], messageID)
	return nil
}

// Snapshot helpers copy under the lock so tests can read while loops run.

func (f *Fake) RemovedCalls() []Removal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Removal(nil), f.Removed...)
}

func (f *Fake) TextsTo(groupID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Texts[groupID]...)
}

func (f *Fake) AlbumsTo(groupID int64) [][]platform.Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]platform.Image(nil), f.Albums[groupID]...)
}

func (f *Fake) OrderFor(groupID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Order[groupID]...)
}

func (f *Fake) DeletedIn(groupID int64) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.Deleted[groupID]...)
}
