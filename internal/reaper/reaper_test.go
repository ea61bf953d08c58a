package reaper

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwarden/internal/moderation"
	"chatwarden/internal/platform"
	"chatwarden/internal/platform/platformtest"
	"chatwarden/internal/status"
	"chatwarden/internal/storage"
	logx "chatwarden/pkg/logx"
)

const botID = 77

func setup(t *testing.T) (storage.Store, *status.Registry, *platformtest.Fake, *Reaper) {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	reg := status.NewRegistry()
	groups := moderation.NewGroups(st, reg, nil, logx.Nop())
	for _, id := range []int64{-1, -2, -3} {
		require.NoError(t, groups.Add(ctx, storage.Group{ID: id, Name: "g"}))
		require.NoError(t, st.UpsertMember(ctx, storage.Member{ID: 5, GroupID: id, Name: "m"}))
	}
	p := platformtest.New(botID)
	return st, reg, p, New(groups, p, logx.Nop())
}

func TestTickDeletesGroupsTheBotLeft(t *testing.T) {
	ctx := context.Background()
	st, reg, p, r := setup(t)
	p.FailMembership(-1, botID, platform.Wrap("get member", platform.CategoryBotRemovedFromLargeGroup, errors.New("bot was kicked from the supergroup chat")))
	p.FailMembership(-2, botID, errors.New("i/o timeout"))

	res, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, []int64{-1}, res.Removed)
	assert.Equal(t, 1, res.Errors)

	_, err = st.GetGroup(ctx, -1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	members, err := st.ListMembers(ctx, -1)
	require.NoError(t, err)
	assert.Empty(t, members)
	_, ok := reg.Get(-1)
	assert.False(t, ok)

	for _, id := range []int64{-2, -3} {
		_, err := st.GetGroup(ctx, id)
		assert.NoError(t, err)
		_, ok := reg.Get(id)
		assert.True(t, ok)
		members, err := st.ListMembers(ctx, id)
		require.NoError(t, err)
		assert.Len(t, members, 1)
	}
}

func TestTickHandlesEveryGoneCategory(t *testing.T) {
	ctx := context.Background()
	_, reg, p, r := setup(t)
	p.FailMembership(-1, botID, platform.Wrap("", platform.CategoryNotFound, errors.New("chat not found")))
	p.FailMembership(-2, botID, platform.Wrap("", platform.CategoryBotRemoved, errors.New("bot was kicked")))
	p.FailMembership(-3, botID, platform.Wrap("", platform.CategoryOther, errors.New("too many requests")))

	res, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{-1, -2}, res.Removed)
	assert.Equal(t, 1, reg.Len())
}
