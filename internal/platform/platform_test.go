package platform

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeFor(t *testing.T) {
	tests := []struct {
		kind GroupKind
		want RemoveMode
	}{
		{KindGroup, RemoveKick},
		{KindPrivate, RemoveKick},
		{KindSupergroup, RemoveUnban},
		{KindChannel, RemoveUnban},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ModeFor(Group{Kind: tt.kind}))
		})
	}
}

func TestRoles(t *testing.T) {
	assert.True(t, RoleCreator.Privileged())
	assert.True(t, RoleAdministrator.Privileged())
	assert.False(t, RoleMember.Privileged())

	assert.True(t, RoleMember.Trackable())
	assert.True(t, RoleRestricted.Trackable())
	assert.False(t, RoleLeft.Trackable())
	assert.False(t, RoleAdministrator.Trackable())
}

func TestCategoryOfWrappedError(t *testing.T) {
	cause := errors.New("Forbidden: bot was kicked from the supergroup chat")
	err := fmt.Errorf("reaper: %w", Wrap("membership", CategoryBotRemovedFromLargeGroup, cause))

	assert.Equal(t, CategoryBotRemovedFromLargeGroup, CategoryOf(err))
	assert.True(t, CategoryOf(err).BotGone())
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "bot_removed_from_large_group")

	assert.Equal(t, CategoryOther, CategoryOf(errors.New("timeout")))
	assert.False(t, CategoryOther.BotGone())
	assert.NoError(t, Wrap("x", CategoryOther, nil))
}
