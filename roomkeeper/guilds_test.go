package roomkeeper

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestEnablePrivateRooms(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	ctx := context.Background()

	cfg := enablePrivateRooms(t, k, session, true)
	assert.True(t, cfg.TextChannels)
	assert.Equal(t, DefaultRoomName, cfg.DefaultName)

	category, ok := session.channel(cfg.CategoryID)
	require.True(t, ok)
	assert.Equal(t, DefaultCategoryName, category.Name)
	assert.Equal(t, discordgo.ChannelTypeGuildCategory, category.Type)

	creation, ok := session.channel(cfg.CreationChannelID)
	require.True(t, ok)
	assert.Equal(t, DefaultCreationChannelName, creation.Name)
	assert.Equal(t, cfg.CategoryID, creation.ParentID)
	assert.Equal(t, discordgo.ChannelTypeGuildVoice, creation.Type)

	settings, ok := session.channel(cfg.SettingsChannelID)
	require.True(t, ok)
	assert.Equal(t, DefaultSettingsChannelName, settings.Name)
	assert.Equal(t, cfg.CategoryID, settings.ParentID)

	everyone, ok := session.overwrite(cfg.SettingsChannelID, testGuildID)
	require.True(t, ok)
	assert.Equal(t, int64(permView|permSend), everyone.Deny)

	saved, err := k.db.GuildConfig(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, cfg.CreationChannelID, saved.CreationChannelID)

	_, err = k.controller.EnablePrivateRooms(ctx, testGuildID, false)
	assert.ErrorIs(t, err, ErrPrivateRoomsEnabled)
}

func TestEnablePrivateRooms_CleanupOnFailure(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	ctx := context.Background()

	session.mu.Lock()
	session.failCreate = errors.New("missing permissions")
	session.allowCreates = 2
	session.mu.Unlock()

	_, err := k.controller.EnablePrivateRooms(ctx, testGuildID, false)
	require.Error(t, err)
	assert.Equal(t, 0, session.channelCount())

	_, err = k.db.GuildConfig(ctx, testGuildID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisablePrivateRooms(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, true)
	room := createRoom(t, k, session, cfg, "u1")
	ctx := context.Background()

	require.NoError(t, k.controller.DisablePrivateRooms(ctx, testGuildID))

	for _, channelID := range []string{
		cfg.CategoryID, cfg.CreationChannelID, cfg.SettingsChannelID,
		room.VoiceChannelID, room.TextChannelID,
	} {
		assert.False(t, session.channelExists(channelID), channelID)
	}
	assertRoomDeleted(t, k, room.ID)
	_, err := k.db.GuildConfig(ctx, testGuildID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, k.controller.DisablePrivateRooms(ctx, testGuildID), ErrPrivateRoomsDisabled)

	// and it can be enabled again
	_, err = k.controller.EnablePrivateRooms(ctx, testGuildID, false)
	require.NoError(t, err)
}

func TestDisablePrivateRooms_KeepRooms(t *testing.T) {
	t.Parallel()
	config := DefaultTestConfig(t)
	config.Rooms.DeleteRoomsOnDisable = false
	k, session := newRoomKeeperWithConfig(t, config)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")
	ctx := context.Background()

	require.NoError(t, k.controller.DisablePrivateRooms(ctx, testGuildID))
	assert.False(t, session.channelExists(cfg.CreationChannelID))
	assert.True(t, session.channelExists(room.VoiceChannelID))
	getRoom(t, k, room.ID)

	// the room still goes away once its owner leaves
	require.NoError(t, moveMember(t, k, session, "u1", ""))
	assertRoomDeleted(t, k, room.ID)
	assert.False(t, session.channelExists(room.VoiceChannelID))
}

func TestUpdateGuildConfig(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	ctx := context.Background()

	before := session.messageIDs(cfg.SettingsChannelID)
	limit := 5
	updated, err := k.controller.UpdateGuildConfig(
		ctx, testGuildID, GuildConfigUpdate{DefaultUserLimit: &limit},
	)
	require.NoError(t, err)
	assert.Equal(t, 5, updated.DefaultUserLimit)
	assert.Equal(t, before, session.messageIDs(cfg.SettingsChannelID), "panels shouldn't be reposted")

	allow := false
	updated, err = k.controller.UpdateGuildConfig(
		ctx, testGuildID, GuildConfigUpdate{AllowVisibility: &allow},
	)
	require.NoError(t, err)
	assert.False(t, updated.AllowVisibility)

	after := session.messageIDs(cfg.SettingsChannelID)
	assert.Len(t, after, len(settingsPanels)-1)
	for _, id := range before {
		assert.NotContains(t, after, id)
	}
	msgs, err := k.db.SettingsMessages(ctx, testGuildID)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.NotEqual(t, PanelVisibility, m.Panel)
	}

	_, err = k.controller.UpdateGuildConfig(ctx, "other-guild", GuildConfigUpdate{AllowVisibility: &allow})
	assert.ErrorIs(t, err, ErrPrivateRoomsDisabled)
}

func TestStaffRoles(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, true)
	room := createRoom(t, k, session, cfg, "u1")
	ctx := context.Background()

	require.NoError(t, k.controller.AddStaffRole(ctx, testGuildID, "mods", ""))
	roles, err := k.controller.StaffRoles(ctx, testGuildID)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, StaffRoleModerator, roles[0].Kind)

	voice, ok := session.overwrite(room.VoiceChannelID, "mods")
	require.True(t, ok)
	assert.Equal(t, int64(permView|permConnect), voice.Allow)
	text, ok := session.overwrite(room.TextChannelID, "mods")
	require.True(t, ok)
	assert.Equal(t, int64(permView|permSend), text.Allow)
	settings, ok := session.overwrite(cfg.SettingsChannelID, "mods")
	require.True(t, ok)
	assert.Equal(t, int64(permView), settings.Allow)

	// staff can join locked and hidden rooms
	_, err = k.controller.ToggleLock(ctx, room.ID)
	require.NoError(t, err)
	room = getRoom(t, k, room.ID)
	move, ok := session.overwrite(room.MoveChannelID, "mods")
	require.True(t, ok)
	assert.Equal(t, int64(permView), move.Allow)

	// new rooms are created with staff overwrites
	other := createRoom(t, k, session, cfg, "u2")
	_, ok = session.overwrite(other.VoiceChannelID, "mods")
	assert.True(t, ok)

	removed, err := k.controller.RemoveStaffRole(ctx, testGuildID, "mods")
	require.NoError(t, err)
	assert.True(t, removed)
	for _, channelID := range []string{
		room.VoiceChannelID, room.TextChannelID, room.MoveChannelID,
		other.VoiceChannelID, cfg.SettingsChannelID,
	} {
		_, ok = session.overwrite(channelID, "mods")
		assert.False(t, ok, channelID)
	}

	removed, err = k.controller.RemoveStaffRole(ctx, testGuildID, "mods")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestHandleChannelDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run(
		"voice channel", func(t *testing.T) {
			t.Parallel()
			k, session := newRoomKeeper(t)
			cfg := enablePrivateRooms(t, k, session, true)
			room := createRoom(t, k, session, cfg, "u1")

			session.removeChannel(room.VoiceChannelID)
			require.NoError(t, k.controller.HandleChannelDelete(ctx, testGuildID, room.VoiceChannelID))
			assertRoomDeleted(t, k, room.ID)
			assert.False(t, session.channelExists(room.TextChannelID))
		},
	)

	t.Run(
		"move channel", func(t *testing.T) {
			t.Parallel()
			k, session := newRoomKeeper(t)
			cfg := enablePrivateRooms(t, k, session, false)
			room := createRoom(t, k, session, cfg, "u1")
			_, err := k.controller.ToggleLock(ctx, room.ID)
			require.NoError(t, err)
			room = getRoom(t, k, room.ID)

			session.removeChannel(room.MoveChannelID)
			require.NoError(t, k.controller.HandleChannelDelete(ctx, testGuildID, room.MoveChannelID))
			room = getRoom(t, k, room.ID)
			assert.False(t, room.Locked())
			assert.False(t, room.Settings.Locked)
			_, ok := session.overwrite(room.VoiceChannelID, testGuildID)
			assert.False(t, ok)
		},
	)

	t.Run(
		"text channel", func(t *testing.T) {
			t.Parallel()
			k, session := newRoomKeeper(t)
			cfg := enablePrivateRooms(t, k, session, true)
			room := createRoom(t, k, session, cfg, "u1")

			session.removeChannel(room.TextChannelID)
			require.NoError(t, k.controller.HandleChannelDelete(ctx, testGuildID, room.TextChannelID))
			room = getRoom(t, k, room.ID)
			assert.Empty(t, room.TextChannelID)
			assert.True(t, session.channelExists(room.VoiceChannelID))
		},
	)

	t.Run(
		"creation channel", func(t *testing.T) {
			t.Parallel()
			k, session := newRoomKeeper(t)
			cfg := enablePrivateRooms(t, k, session, false)
			room := createRoom(t, k, session, cfg, "u1")

			session.removeChannel(cfg.CreationChannelID)
			require.NoError(t, k.controller.HandleChannelDelete(ctx, testGuildID, cfg.CreationChannelID))
			_, err := k.db.GuildConfig(ctx, testGuildID)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.False(t, session.channelExists(cfg.SettingsChannelID))
			assertRoomDeleted(t, k, room.ID)
		},
	)

	t.Run(
		"unrelated channel", func(t *testing.T) {
			t.Parallel()
			k, session := newRoomKeeper(t)
			cfg := enablePrivateRooms(t, k, session, false)
			channelID := session.addChannel(testGuildID, discordgo.ChannelTypeGuildText)

			session.removeChannel(channelID)
			require.NoError(t, k.controller.HandleChannelDelete(ctx, testGuildID, channelID))
			_, err := k.db.GuildConfig(ctx, testGuildID)
			require.NoError(t, err)
			assert.True(t, session.channelExists(cfg.CreationChannelID))
		},
	)
}

func TestHandleGuildDelete(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")
	require.NoError(t, k.controller.AddStaffRole(context.Background(), testGuildID, "mods", StaffRoleAdmin))
	ctx := context.Background()

	require.NoError(t, k.controller.HandleGuildDelete(ctx, testGuildID))

	assertRoomDeleted(t, k, room.ID)
	_, err := k.db.GuildConfig(ctx, testGuildID)
	assert.ErrorIs(t, err, ErrNotFound)
	roles, err := k.db.StaffRoles(ctx, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, roles)
	msgs, err := k.db.SettingsMessages(ctx, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	guilds, err := k.db.Guilds(ctx)
	require.NoError(t, err)
	assert.Empty(t, guilds)

	// the guild's channels went with it, so nothing's deleted
	assert.True(t, session.channelExists(room.VoiceChannelID))
}

func TestHandleGuildCreate(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")
	ctx := context.Background()

	// the owner left while the bot was away
	session.connect(testGuildID, "u1", "")

	require.NoError(t, k.controller.HandleGuildCreate(ctx, Guild{ID: testGuildID, Name: "renamed"}))
	guilds, err := k.db.Guilds(ctx)
	require.NoError(t, err)
	require.Len(t, guilds, 1)
	assert.Equal(t, "renamed", guilds[0].Name)
	assertRoomDeleted(t, k, room.ID)
}
