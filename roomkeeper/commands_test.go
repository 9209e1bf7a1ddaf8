package roomkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync/atomic"
	"testing"
)

var interactionSeq atomic.Int64

// commandInteraction builds a slash command interaction from userID in
// testGuildID
func commandInteraction(
	userID string,
	command string,
	subcommand string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        fmt.Sprintf("interaction-%d", interactionSeq.Add(1)),
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   testGuildID,
			ChannelID: "some-channel",
			Member: &discordgo.Member{
				User: &discordgo.User{ID: userID, Username: userID},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				ID:   "cmd-" + command,
				Name: command,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:    subcommand,
						Type:    discordgo.ApplicationCommandOptionSubCommand,
						Options: options,
					},
				},
			},
		},
	}
}

func boolOpt(name string, v bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionBoolean,
		Value: v,
	}
}

func intOpt(name string, v int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(v),
	}
}

func stringOpt(name string, v string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: v,
	}
}

func roleOpt(roleID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  "role",
		Type:  discordgo.ApplicationCommandOptionRole,
		Value: roleID,
	}
}

// runInteraction handles the interaction via the gateway handler, and
// returns the content of the edited response
func runInteraction(t testing.TB, k *RoomKeeper, session *mockDiscordSession, i *discordgo.InteractionCreate) *discordgo.WebhookEdit {
	t.Helper()
	k.handleInteraction(context.Background(), k.newGatewayHandler(i))
	k.interactionWG.Wait()

	session.mu.Lock()
	require.NotEmpty(t, session.responses)
	resp := session.responses[len(session.responses)-1]
	session.mu.Unlock()
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, resp.Type)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)

	edit := session.lastEdit()
	require.NotNil(t, edit)
	return edit
}

func editContent(edit *discordgo.WebhookEdit) string {
	if edit.Content == nil {
		return ""
	}
	return *edit.Content
}

func TestSlashCommands(t *testing.T) {
	t.Parallel()
	cmds := slashCommands()
	names := map[string]bool{}
	for _, c := range cmds {
		names[c.Name] = true
		assert.NotEmpty(t, c.Description)
		require.NotNil(t, c.DMPermission)
		assert.False(t, *c.DMPermission)
	}
	assert.True(t, names[DiscordSlashCommandPrivateRooms])
	assert.True(t, names[DiscordSlashCommandStaffRole])
	assert.True(t, names[DiscordSlashCommandRoom])
}

func TestRegisterSlashCommands(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cmds, err := k.RegisterSlashCommands()
	require.NoError(t, err)
	assert.Len(t, cmds, len(slashCommands()))
	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Len(t, session.commands, len(cmds))
}

func TestRegisterCommandsOnce(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cmds, err := k.RegisterCommandsOnce()
	require.NoError(t, err)
	assert.Len(t, cmds, len(slashCommands()))
	assert.Same(t, session, k.discord.session, "an existing session should be reused")
}

func TestPrivateRoomsCommand(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	ctx := context.Background()

	edit := runInteraction(
		t, k, session,
		commandInteraction("admin", DiscordSlashCommandPrivateRooms, "enable", boolOpt("text_channels", true)),
	)
	cfg, err := k.db.GuildConfig(ctx, testGuildID)
	require.NoError(t, err)
	assert.True(t, cfg.TextChannels)
	assert.Contains(t, editContent(edit), "<#"+cfg.CreationChannelID+">")

	edit = runInteraction(
		t, k, session,
		commandInteraction("admin", DiscordSlashCommandPrivateRooms, "enable"),
	)
	assert.Equal(t, capitalize(ErrPrivateRoomsEnabled.Error()), editContent(edit))

	edit = runInteraction(
		t, k, session,
		commandInteraction(
			"admin", DiscordSlashCommandPrivateRooms, "defaults",
			stringOpt("name", "<owner>'s den"),
			intOpt("limit", 8),
			boolOpt("locked", true),
		),
	)
	require.NotNil(t, edit.Embeds)
	require.Len(t, *edit.Embeds, 1)
	cfg, err = k.db.GuildConfig(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "<owner>'s den", cfg.DefaultName)
	assert.Equal(t, 8, cfg.DefaultUserLimit)
	assert.True(t, cfg.DefaultLocked)

	edit = runInteraction(
		t, k, session,
		commandInteraction("admin", DiscordSlashCommandPrivateRooms, "defaults", stringOpt("name", "")),
	)
	assert.Contains(t, editContent(edit), "Invalid settings")

	edit = runInteraction(
		t, k, session,
		commandInteraction("admin", DiscordSlashCommandPrivateRooms, "status"),
	)
	require.NotNil(t, edit.Embeds)
	assert.Equal(t, "Private rooms", (*edit.Embeds)[0].Title)

	edit = runInteraction(
		t, k, session,
		commandInteraction("admin", DiscordSlashCommandPrivateRooms, "disable"),
	)
	assert.Equal(t, "Private rooms disabled.", editContent(edit))
	_, err = k.db.GuildConfig(ctx, testGuildID)
	assert.ErrorIs(t, err, ErrNotFound)

	var logs []InteractionLog
	require.NoError(t, k.db.DB().Order("id").Find(&logs).Error)
	require.Len(t, logs, 6)
	assert.Equal(t, "privaterooms enable", logs[0].Command)
	assert.Equal(t, discordInteractionReceiveMethodGateway, logs[0].Method)
	assert.Empty(t, logs[0].Error)
	assert.Equal(t, ErrPrivateRoomsEnabled.Error(), logs[1].Error)
}

func TestStaffRoleCommand(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	enablePrivateRooms(t, k, session, false)

	edit := runInteraction(
		t, k, session,
		commandInteraction("admin", DiscordSlashCommandStaffRole, "list"),
	)
	assert.Equal(t, "No staff roles.", editContent(edit))

	edit = runInteraction(
		t, k, session,
		commandInteraction(
			"admin", DiscordSlashCommandStaffRole, "add",
			roleOpt("mods"), stringOpt("kind", string(StaffRoleAdmin)),
		),
	)
	assert.Equal(t, "<@&mods> added as admin.", editContent(edit))

	edit = runInteraction(
		t, k, session,
		commandInteraction("admin", DiscordSlashCommandStaffRole, "list"),
	)
	assert.Equal(t, "<@&mods> (admin)", editContent(edit))

	edit = runInteraction(
		t, k, session,
		commandInteraction("admin", DiscordSlashCommandStaffRole, "remove", roleOpt("mods")),
	)
	assert.Equal(t, "<@&mods> removed.", editContent(edit))

	edit = runInteraction(
		t, k, session,
		commandInteraction("admin", DiscordSlashCommandStaffRole, "remove", roleOpt("mods")),
	)
	assert.Equal(t, "<@&mods> isn't a staff role.", editContent(edit))
}

func TestRoomCommand(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)

	edit := runInteraction(t, k, session, commandInteraction("u1", DiscordSlashCommandRoom, "lock"))
	assert.Equal(t, capitalize(ErrNotOwner.Error()), editContent(edit))

	room := createRoom(t, k, session, cfg, "u1")

	edit = runInteraction(t, k, session, commandInteraction("u1", DiscordSlashCommandRoom, "lock"))
	assert.Equal(t, "Your room is now locked.", editContent(edit))
	assert.True(t, getRoom(t, k, room.ID).Locked())

	edit = runInteraction(t, k, session, commandInteraction("u1", DiscordSlashCommandRoom, "hide"))
	assert.Equal(t, "Your room is now hidden.", editContent(edit))

	edit = runInteraction(
		t, k, session,
		commandInteraction("u1", DiscordSlashCommandRoom, "name", stringOpt("name", "quiet room")),
	)
	assert.Equal(t, "Your room is now named **quiet room**.", editContent(edit))

	edit = runInteraction(
		t, k, session,
		commandInteraction("u1", DiscordSlashCommandRoom, "name", stringOpt("name", "this name is far too long")),
	)
	assert.Equal(t, capitalize(ErrInvalidName.Error()), editContent(edit))

	edit = runInteraction(
		t, k, session,
		commandInteraction("u1", DiscordSlashCommandRoom, "limit", intOpt("limit", 12)),
	)
	assert.Equal(t, "Your room's user limit is now 12.", editContent(edit))

	edit = runInteraction(t, k, session, commandInteraction("u1", DiscordSlashCommandRoom, "reset-limit"))
	assert.Equal(t, "Your room no longer has a user limit.", editContent(edit))

	edit = runInteraction(t, k, session, commandInteraction("u1", DiscordSlashCommandRoom, "game-activity"))
	assert.Equal(t, "Game activity naming is now on.", editContent(edit))

	edit = runInteraction(t, k, session, commandInteraction("u1", DiscordSlashCommandRoom, "info"))
	require.NotNil(t, edit.Embeds)
	assert.Equal(t, "Room "+room.ID, (*edit.Embeds)[0].Footer.Text)

	room = getRoom(t, k, room.ID)
	assert.True(t, room.Settings.Hidden)
	assert.Equal(t, "quiet room", room.Settings.CustomName)
	assert.Equal(t, 0, room.Settings.UserLimit)
	assert.True(t, room.Settings.GameActivity)
}

func TestHandleInteraction_Bot(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	i := commandInteraction("robot", DiscordSlashCommandRoom, "info")
	i.Member.User.Bot = true

	k.handleInteraction(context.Background(), k.newGatewayHandler(i))
	k.interactionWG.Wait()

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Empty(t, session.responses)
}

func TestHandleInteraction_GuildOnly(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	i := commandInteraction("u1", DiscordSlashCommandRoom, "info")
	i.GuildID = ""
	i.User = i.Member.User
	i.Member = nil

	edit := runInteraction(t, k, session, i)
	assert.Equal(t, capitalize(errGuildOnly.Error()), editContent(edit))
}

func TestCommandErrorResponse(t *testing.T) {
	t.Parallel()
	k, _ := newRoomKeeper(t)
	k.config.Discord.ErrorMessage = "Something broke, sorry!"
	ctx := context.Background()

	edit := k.commandErrorResponse(ctx, fmt.Errorf("wrapped: %w", ErrSettingDisabled))
	assert.Equal(t, "This setting is disabled in this guild", editContent(edit))

	edit = k.commandErrorResponse(ctx, errors.New("database exploded"))
	assert.Equal(t, "Something broke, sorry!", editContent(edit))

	k.config.Discord.ErrorMessage = ""
	edit = k.commandErrorResponse(ctx, errors.New("database exploded"))
	assert.Equal(t, DefaultDiscordErrorMessage, editContent(edit))
}

func TestCommandPath(t *testing.T) {
	t.Parallel()
	i := commandInteraction("u1", DiscordSlashCommandRoom, "lock")
	assert.Equal(t, "room lock", commandPath(i.ApplicationCommandData()))
	assert.Equal(
		t, "room",
		commandPath(discordgo.ApplicationCommandInteractionData{Name: "room"}),
	)
}
