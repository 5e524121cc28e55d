package registry_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomchat/internal/chaterr"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/registry"
	"github.com/roomchat/internal/repository/memory"
	"github.com/roomchat/internal/retry"
)

func newRegistry(t *testing.T) (*registry.Registry, *memory.Store) {
	t.Helper()
	backend := memory.New()
	return registry.New(backend, registry.WithRetry(retry.Policy{Attempts: 1})), backend
}

func group(t *testing.T, reg *registry.Registry, settings *model.Settings, members ...string) *model.Room {
	t.Helper()
	room, err := reg.Create(context.Background(), registry.CreateRoom{
		Type:      model.RoomTypeGroup,
		Name:      "climbers",
		CreatorID: "owner",
		Settings:  settings,
		Members:   members,
	})
	require.NoError(t, err)
	return room
}

func TestCreateValidation(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, registry.CreateRoom{Type: "forum", Name: "x", CreatorID: "u"})
	assert.ErrorIs(t, err, chaterr.ErrValidation)

	_, err = reg.Create(ctx, registry.CreateRoom{Type: model.RoomTypeGroup, CreatorID: "u"})
	assert.ErrorIs(t, err, chaterr.ErrValidation)

	_, err = reg.Create(ctx, registry.CreateRoom{Type: model.RoomTypeEvent, Name: "gig", CreatorID: "u"})
	assert.ErrorIs(t, err, chaterr.ErrValidation, "event rooms need a ref id")

	_, err = reg.Create(ctx, registry.CreateRoom{Type: model.RoomTypeDirect, Name: "dm", CreatorID: "u"})
	assert.ErrorIs(t, err, chaterr.ErrValidation)

	_, err = reg.Create(ctx, registry.CreateRoom{
		Type: model.RoomTypeGroup, Name: "slow", CreatorID: "u",
		Settings: &model.Settings{SlowModeSeconds: -1},
	})
	assert.ErrorIs(t, err, chaterr.ErrValidation)
}

func TestCreateAssignsOwnerAndPersists(t *testing.T) {
	reg, _ := newRegistry(t)
	room := group(t, reg, nil, "alice", "bob", "owner")

	assert.Equal(t, model.RoleOwner, room.Members["owner"])
	assert.Equal(t, model.RoleMember, room.Members["alice"])
	assert.Len(t, room.Members, 3)
	assert.Equal(t, model.DefaultSettings(), room.Settings)

	loaded, err := reg.Get(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.Members, loaded.Members)

	_, err = reg.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, chaterr.ErrNotFound)
}

func TestGetOrCreateDirectIsStable(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			room, err := reg.GetOrCreateDirect(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = room.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	_, err := reg.GetOrCreateDirect(ctx, "alice", "alice")
	assert.ErrorIs(t, err, chaterr.ErrValidation)
}

func TestJoinPublicAndPrivate(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	public := group(t, reg, nil)
	joined, err := reg.Join(ctx, public, "carol")
	require.NoError(t, err)
	assert.True(t, joined)
	joined, err = reg.Join(ctx, public, "carol")
	require.NoError(t, err)
	assert.False(t, joined, "second join is a no-op")

	private := group(t, reg, &model.Settings{IsPrivate: true, AllowInvites: true}, "alice")
	_, err = reg.Join(ctx, private, "carol")
	assert.ErrorIs(t, err, chaterr.ErrForbidden)

	require.NoError(t, reg.Invite(ctx, private, "alice", "carol"))
	joined, err = reg.Join(ctx, private, "carol")
	require.NoError(t, err)
	assert.True(t, joined)

	// the invite was consumed
	_, err = reg.Leave(ctx, private, "carol")
	require.NoError(t, err)
	_, err = reg.Join(ctx, private, "carol")
	assert.ErrorIs(t, err, chaterr.ErrForbidden)
}

func TestJoinDirectIsClosed(t *testing.T) {
	reg, _ := newRegistry(t)
	room, err := reg.GetOrCreateDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)
	_, err = reg.Join(context.Background(), room, "mallory")
	assert.ErrorIs(t, err, chaterr.ErrForbidden)
}

func TestInviteRules(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	room := group(t, reg, &model.Settings{IsPrivate: true}, "alice")

	assert.ErrorIs(t, reg.Invite(ctx, room, "alice", "carol"), chaterr.ErrForbidden)
	assert.ErrorIs(t, reg.Invite(ctx, room, "stranger", "carol"), chaterr.ErrForbidden)
	assert.NoError(t, reg.Invite(ctx, room, "owner", "carol"))
}

func TestSetRoleRules(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	room := group(t, reg, nil, "alice", "bob", "carol")

	assert.ErrorIs(t, reg.SetRole(ctx, room, "alice", "bob", model.RoleModerator), chaterr.ErrForbidden)
	require.NoError(t, reg.SetRole(ctx, room, "owner", "alice", model.RoleAdmin))
	assert.Equal(t, model.RoleAdmin, room.Members["alice"])

	require.NoError(t, reg.SetRole(ctx, room, "alice", "bob", model.RoleModerator))
	assert.Equal(t, model.RoleModerator, room.Members["bob"])

	assert.ErrorIs(t, reg.SetRole(ctx, room, "alice", "owner", model.RoleMember), chaterr.ErrForbidden,
		"the owner cannot be demoted")
	assert.ErrorIs(t, reg.SetRole(ctx, room, "owner", "carol", model.RoleOwner), chaterr.ErrForbidden)
	assert.ErrorIs(t, reg.SetRole(ctx, room, "owner", "nobody", model.RoleMember), chaterr.ErrNotFound)
	assert.ErrorIs(t, reg.SetRole(ctx, room, "owner", "carol", "superuser"), chaterr.ErrValidation)

	loaded, err := reg.Get(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleModerator, loaded.Members["bob"])
}

func TestOwnerMayLeave(t *testing.T) {
	reg, _ := newRegistry(t)
	room := group(t, reg, nil, "alice")
	left, err := reg.Leave(context.Background(), room, "owner")
	require.NoError(t, err)
	assert.True(t, left)
	assert.False(t, room.IsMember("owner"))

	left, err = reg.Leave(context.Background(), room, "owner")
	require.NoError(t, err)
	assert.False(t, left)
}

func TestUpdateSettings(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	room := group(t, reg, nil, "alice")

	s := room.Settings
	s.SlowModeSeconds = 5
	assert.ErrorIs(t, reg.UpdateSettings(ctx, room, "alice", s), chaterr.ErrForbidden)
	require.NoError(t, reg.UpdateSettings(ctx, room, "owner", s))
	assert.Equal(t, 5, room.Settings.SlowModeSeconds)

	loaded, err := reg.Get(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Settings.SlowModeSeconds)
}

func TestPinPermissions(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	room := group(t, reg, nil, "alice")

	_, err := reg.Pin(ctx, room, "alice", "m1")
	assert.ErrorIs(t, err, chaterr.ErrForbidden)

	changed, err := reg.Pin(ctx, room, "owner", "m1")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = reg.Pin(ctx, room, "owner", "m1")
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = reg.Pin(ctx, room, "owner", "m2")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, room.Pinned)

	changed, err = reg.Unpin(ctx, room, "owner", "m1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"m2"}, room.Pinned)

	direct, err := reg.GetOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	changed, err = reg.Pin(ctx, direct, "bob", "m9")
	require.NoError(t, err)
	assert.True(t, changed, "either side of a direct room may pin")
}

func TestStoreFailureSurfacesAsUnavailable(t *testing.T) {
	reg, backend := newRegistry(t)
	room := group(t, reg, nil)
	backend.SetFailure(assert.AnError)

	_, err := reg.Join(context.Background(), room, "carol")
	assert.ErrorIs(t, err, chaterr.ErrStoreUnavailable)
	assert.False(t, room.IsMember("carol"), "room is not mutated when the store fails")
}
