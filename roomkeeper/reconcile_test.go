package roomkeeper

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestReconcile(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, true)
	ctx := context.Background()
	session.addMember(testGuildID, "u4", "dave", false)
	session.addMember(testGuildID, "u5", "erin", false)

	// voice channel deleted while the bot was away
	gone := createRoom(t, k, session, cfg, "u1")
	session.removeChannel(gone.VoiceChannelID)

	// everyone left
	empty := createRoom(t, k, session, cfg, "u2")
	session.connect(testGuildID, "u2", "")

	// owner left, someone else stayed
	abandoned := createRoom(t, k, session, cfg, "u3")
	session.connect(testGuildID, "u4", abandoned.VoiceChannelID)
	session.connect(testGuildID, "u3", "")

	// locked, but its move channel and text channel are gone
	locked := createRoom(t, k, session, cfg, "u5")
	_, err := k.controller.ToggleLock(ctx, locked.ID)
	require.NoError(t, err)
	locked = getRoom(t, k, locked.ID)
	session.removeChannel(locked.MoveChannelID)
	session.removeChannel(locked.TextChannelID)

	require.NoError(t, k.controller.Reconcile(ctx, testGuildID))

	assertRoomDeleted(t, k, gone.ID)
	assert.False(t, session.channelExists(gone.TextChannelID))

	assertRoomDeleted(t, k, empty.ID)
	assert.False(t, session.channelExists(empty.VoiceChannelID))

	abandoned = getRoom(t, k, abandoned.ID)
	assert.Equal(t, "u4", abandoned.OwnerID)
	assert.Equal(t, "dave's Room", abandoned.Name)

	locked = getRoom(t, k, locked.ID)
	assert.False(t, locked.Locked())
	assert.False(t, locked.Settings.Locked)
	assert.Empty(t, locked.TextChannelID)
	_, ok := session.overwrite(locked.VoiceChannelID, testGuildID)
	assert.False(t, ok)
}

func TestReconcile_ConfigChannelMissing(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")
	ctx := context.Background()

	session.removeChannel(cfg.SettingsChannelID)
	require.NoError(t, k.controller.Reconcile(ctx, testGuildID))

	_, err := k.db.GuildConfig(ctx, testGuildID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, session.channelExists(cfg.CategoryID))
	assertRoomDeleted(t, k, room.ID)
}

func TestReconcile_LockedWithoutMoveChannel(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")
	ctx := context.Background()

	require.NoError(
		t,
		k.db.UpdateRoom(ctx, room.ID, nil, map[string]any{"locked": true}),
	)
	require.NoError(t, k.controller.Reconcile(ctx, testGuildID))
	assert.False(t, getRoom(t, k, room.ID).Settings.Locked)
}

func TestReconcileAll(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	ctx := context.Background()

	kept := createRoom(t, k, session, cfg, "u1")
	orphan := createRoom(t, k, session, cfg, "u2")
	session.connect(testGuildID, "u2", "")

	// a room in a guild whose config is gone
	const otherGuild = "guild-2"
	session.addMember(otherGuild, "u9", "zed", false)
	voiceID := session.addChannel(otherGuild, discordgo.ChannelTypeGuildVoice)
	require.NoError(
		t, k.db.InsertRoom(
			ctx, &Room{
				ID:             "zzzzz",
				GuildID:        otherGuild,
				OwnerID:        "u9",
				VoiceChannelID: voiceID,
				Name:           "zed's Room",
				Settings:       RoomSettings{RoomID: "zzzzz"},
			},
		),
	)

	require.NoError(
		t,
		k.db.DB().Create(
			&PendingResponse{ID: "stale", GuildID: testGuildID, UserID: "u1", ChannelID: cfg.SettingsChannelID},
		).Error,
	)

	require.NoError(t, k.controller.ReconcileAll(ctx))

	getRoom(t, k, kept.ID)
	assertRoomDeleted(t, k, orphan.ID)
	assertRoomDeleted(t, k, "zzzzz")
	assert.False(t, session.channelExists(voiceID))
	assert.Zero(t, pendingCount(t, k))
}
