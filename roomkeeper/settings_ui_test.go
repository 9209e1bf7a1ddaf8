package roomkeeper

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

// panelMessage returns the ID of the message posted for the panel
func panelMessage(t testing.TB, k *RoomKeeper, panel SettingsPanel) string {
	t.Helper()
	msgs, err := k.db.SettingsMessages(context.Background(), testGuildID)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.Panel == panel {
			return m.MessageID
		}
	}
	t.Fatalf("no %s panel posted", panel)
	return ""
}

func react(t testing.TB, k *RoomKeeper, cfg *GuildConfig, panel SettingsPanel, userID, emoji string) error {
	t.Helper()
	return k.controller.HandleReaction(
		context.Background(), Reaction{
			GuildID:   testGuildID,
			ChannelID: cfg.SettingsChannelID,
			MessageID: panelMessage(t, k, panel),
			UserID:    userID,
			Emoji:     emoji,
		},
	)
}

// reactAsync reacts in the background, for reactions that prompt the
// member, and waits for the prompt to start
func reactAsync(
	t testing.TB,
	k *RoomKeeper,
	cfg *GuildConfig,
	panel SettingsPanel,
	userID, emoji string,
) <-chan error {
	t.Helper()
	messageID := panelMessage(t, k, panel)
	errCh := make(chan error, 1)
	go func() {
		errCh <- k.controller.HandleReaction(
			context.Background(), Reaction{
				GuildID:   testGuildID,
				ChannelID: cfg.SettingsChannelID,
				MessageID: messageID,
				UserID:    userID,
				Emoji:     emoji,
			},
		)
	}()
	require.Eventually(
		t, func() bool {
			return k.mediator.Waiting() == 1 &&
				pendingExists(t, k.mediator, userID, cfg.SettingsChannelID)
		}, 5*time.Second, 10*time.Millisecond,
	)
	return errCh
}

func TestPostPanels(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)

	msgs, err := k.db.SettingsMessages(context.Background(), testGuildID)
	require.NoError(t, err)
	require.Len(t, msgs, len(settingsPanels))
	assert.Len(t, session.messageIDs(cfg.SettingsChannelID), len(settingsPanels))

	limitMsg := panelMessage(t, k, PanelLimit)
	session.mu.Lock()
	reactions := session.reactions[limitMsg]
	session.mu.Unlock()
	assert.Equal(t, []string{emojiResetLimit, emojiSetLimit}, reactions)
}

func TestHandleReaction_Lock(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")

	require.NoError(t, react(t, k, cfg, PanelPrivacy, "u1", emojiLock))
	assert.True(t, getRoom(t, k, room.ID).Locked())

	require.NoError(t, react(t, k, cfg, PanelPrivacy, "u1", emojiLock))
	assert.False(t, getRoom(t, k, room.ID).Locked())
}

func TestHandleReaction_Ignored(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")
	ctx := context.Background()

	// not an owner
	require.NoError(t, react(t, k, cfg, PanelPrivacy, "u2", emojiLock))
	assert.Empty(t, session.directMessages("u2"))

	// emoji that doesn't belong to the panel
	require.NoError(t, react(t, k, cfg, PanelName, "u1", emojiLock))

	// bots
	require.NoError(
		t, k.controller.HandleReaction(
			ctx, Reaction{
				GuildID:   testGuildID,
				ChannelID: cfg.SettingsChannelID,
				MessageID: panelMessage(t, k, PanelPrivacy),
				UserID:    "u1",
				Emoji:     emojiLock,
				Bot:       true,
			},
		),
	)

	// messages that aren't panels
	require.NoError(
		t, k.controller.HandleReaction(
			ctx, Reaction{
				GuildID:   testGuildID,
				ChannelID: cfg.SettingsChannelID,
				MessageID: "some-message",
				UserID:    "u1",
				Emoji:     emojiLock,
			},
		),
	)

	assert.False(t, getRoom(t, k, room.ID).Locked())
}

func TestHandleReaction_Info(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")

	require.NoError(t, react(t, k, cfg, PanelInfo, "u1", emojiInfo))
	dms := session.directMessages("u1")
	require.Len(t, dms, 1)
	assert.Equal(t, room.Name, dms[0].Title)
	assert.Equal(t, "Room "+room.ID, dms[0].Footer.Text)
}

func TestHandleReaction_VisibilityAndGameActivity(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")

	require.NoError(t, react(t, k, cfg, PanelVisibility, "u1", emojiVisibility))
	assert.True(t, getRoom(t, k, room.ID).Settings.Hidden)

	session.setGame(testGuildID, "u1", "Factorio")
	require.NoError(t, react(t, k, cfg, PanelGameActivity, "u1", emojiGameActivity))
	room = getRoom(t, k, room.ID)
	assert.True(t, room.Settings.GameActivity)
	assert.Equal(t, "Playing Factorio", room.Name)
}

func TestHandleReaction_SettingDisabled(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")

	// disabled without reposting, so the old panel is still up
	require.NoError(
		t,
		k.db.DB().Model(&GuildConfig{}).
			Where("guild_id = ?", testGuildID).
			Update("allow_privacy", false).Error,
	)

	require.NoError(t, react(t, k, cfg, PanelPrivacy, "u1", emojiLock))
	assert.False(t, getRoom(t, k, room.ID).Locked())

	dms := session.directMessages("u1")
	require.Len(t, dms, 1)
	assert.Equal(t, ErrSettingDisabled.Error(), dms[0].Description)
}

func TestHandleReaction_Cooldown(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Rooms.ReactionCooldown = time.Hour
	k, session := newRoomKeeperWithConfig(t, cfg)
	guildCfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, guildCfg, "u1")

	require.NoError(t, react(t, k, guildCfg, PanelPrivacy, "u1", emojiLock))
	require.NoError(t, react(t, k, guildCfg, PanelPrivacy, "u1", emojiLock))
	assert.True(t, getRoom(t, k, room.ID).Locked(), "second reaction should be ignored")
}

func TestHandleReaction_ResetLimit(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")

	_, err := k.controller.SetLimit(context.Background(), room.ID, 4)
	require.NoError(t, err)
	require.NoError(t, react(t, k, cfg, PanelLimit, "u1", emojiResetLimit))
	assert.Equal(t, 0, getRoom(t, k, room.ID).Settings.UserLimit)
}

func TestPromptName(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")
	ctx := context.Background()

	errCh := reactAsync(t, k, cfg, PanelName, "u1", emojiName)

	// the owner can type in the settings channel while prompted
	eventuallyOverwrite(t, session, cfg.SettingsChannelID, "u1", permView|permSend, 0)

	// other members' messages aren't captured
	captured, err := k.controller.HandleMessage(ctx, cfg.SettingsChannelID, "m1", "u2", "hijacked", false)
	require.NoError(t, err)
	assert.False(t, captured)

	captured, err = k.controller.HandleMessage(ctx, cfg.SettingsChannelID, "m2", "u1", "game night", false)
	require.NoError(t, err)
	assert.True(t, captured)

	select {
	case err = <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reaction")
	}

	room = getRoom(t, k, room.ID)
	assert.Equal(t, "game night", room.Name)
	assert.Equal(t, 0, k.mediator.Waiting())

	ow, ok := session.overwrite(cfg.SettingsChannelID, "u1")
	require.True(t, ok)
	assert.Equal(t, int64(permView), ow.Allow, "write access should be revoked")

	// nobody's waiting anymore
	captured, err = k.controller.HandleMessage(ctx, cfg.SettingsChannelID, "m3", "u1", "again", false)
	require.NoError(t, err)
	assert.False(t, captured)
}

func TestPromptName_Invalid(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")

	errCh := reactAsync(t, k, cfg, PanelName, "u1", emojiName)
	_, err := k.controller.HandleMessage(
		context.Background(), cfg.SettingsChannelID, "m1", "u1",
		strings.Repeat("x", MaxRoomNameLength+1), false,
	)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, "alice's Room", getRoom(t, k, room.ID).Name)
	dms := session.directMessages("u1")
	require.Len(t, dms, 1)
	assert.Equal(t, ErrInvalidName.Error(), dms[0].Description)
}

func TestPromptLimit(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")
	ctx := context.Background()

	errCh := reactAsync(t, k, cfg, PanelLimit, "u1", emojiSetLimit)
	_, err := k.controller.HandleMessage(ctx, cfg.SettingsChannelID, "m1", "u1", "seven", false)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	dms := session.directMessages("u1")
	require.Len(t, dms, 1)
	assert.Equal(t, ErrInvalidLimit.Error(), dms[0].Description)

	errCh = reactAsync(t, k, cfg, PanelLimit, "u1", emojiSetLimit)
	_, err = k.controller.HandleMessage(ctx, cfg.SettingsChannelID, "m2", "u1", " 7 ", false)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, 7, getRoom(t, k, room.ID).Settings.UserLimit)
	voice, _ := session.channel(room.VoiceChannelID)
	assert.Equal(t, 7, voice.UserLimit)
}

func TestPromptName_Timeout(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Rooms.ResponseTimeout = 100 * time.Millisecond
	k, session := newRoomKeeperWithConfig(t, cfg)
	guildCfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, guildCfg, "u1")

	require.NoError(t, react(t, k, guildCfg, PanelName, "u1", emojiName))
	assert.Equal(t, "alice's Room", getRoom(t, k, room.ID).Name)
	assert.Equal(t, 0, k.mediator.Waiting())

	var pending int64
	require.NoError(t, k.db.DB().Model(&PendingResponse{}).Count(&pending).Error)
	assert.Zero(t, pending)
}

func TestPromptName_OwnerLeaves(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	room := createRoom(t, k, session, cfg, "u1")

	errCh := reactAsync(t, k, cfg, PanelName, "u1", emojiName)
	require.NoError(t, moveMember(t, k, session, "u1", ""))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("prompt wasn't cancelled")
	}
	assertRoomDeleted(t, k, room.ID)
	assert.Equal(t, 0, k.mediator.Waiting())
}

func TestRoomInfoEmbed(t *testing.T) {
	t.Parallel()
	room := Room{
		ID:   "abcde",
		Name: "late night",
		Settings: RoomSettings{
			Locked:    true,
			UserLimit: 5,
		},
	}
	embed := roomInfoEmbed(room)
	assert.Equal(t, "late night", embed.Title)
	values := map[string]string{}
	for _, f := range embed.Fields {
		values[f.Name] = f.Value
	}
	assert.Equal(t, "Locked", values["Privacy"])
	assert.Equal(t, "Visible", values["Visibility"])
	assert.Equal(t, "5", values["User limit"])
	assert.Equal(t, "Default", values["Custom name"])
	assert.Equal(t, "Off", values["Game activity"])
}
