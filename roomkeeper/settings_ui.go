package roomkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strconv"
)

const (
	emojiInfo         = "ℹ️"
	emojiName         = "🪧"
	emojiLock         = "🔒"
	emojiResetLimit   = "🔄"
	emojiSetLimit     = "🔢"
	emojiVisibility   = "👀"
	emojiGameActivity = "🎮"

	embedColor = 0x5865F2
)

type settingsPanel struct {
	Panel       SettingsPanel
	Title       string
	Description string
	Reactions   []string
}

// settingsPanels are posted in this order
var settingsPanels = []settingsPanel{
	{
		Panel:       PanelInfo,
		Title:       "Room information",
		Description: emojiInfo + " Get your room's current settings in a DM",
		Reactions:   []string{emojiInfo},
	},
	{
		Panel: PanelName,
		Title: "Room name",
		Description: fmt.Sprintf(
			"%s Then type a new name (up to %d characters) in this channel",
			emojiName,
			MaxRoomNameLength,
		),
		Reactions: []string{emojiName},
	},
	{
		Panel:       PanelPrivacy,
		Title:       "Privacy",
		Description: emojiLock + " Lock or unlock your room. Members join a locked room through its move channel.",
		Reactions:   []string{emojiLock},
	},
	{
		Panel: PanelLimit,
		Title: "User limit",
		Description: fmt.Sprintf(
			"%s Remove the user limit\n%s Then type a limit (0-%d) in this channel",
			emojiResetLimit,
			emojiSetLimit,
			MaxUserLimit,
		),
		Reactions: []string{emojiResetLimit, emojiSetLimit},
	},
	{
		Panel:       PanelVisibility,
		Title:       "Visibility",
		Description: emojiVisibility + " Hide or show your room",
		Reactions:   []string{emojiVisibility},
	},
	{
		Panel:       PanelGameActivity,
		Title:       "Game activity",
		Description: emojiGameActivity + " Name your room after the game most members are playing",
		Reactions:   []string{emojiGameActivity},
	},
}

func (p settingsPanel) embed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       p.Title,
		Description: p.Description,
		Color:       embedColor,
	}
}

func (p settingsPanel) hasReaction(emoji string) bool {
	for _, r := range p.Reactions {
		if r == emoji {
			return true
		}
	}
	return false
}

func panelFor(panel SettingsPanel) (settingsPanel, bool) {
	for _, p := range settingsPanels {
		if p.Panel == panel {
			return p, true
		}
	}
	return settingsPanel{}, false
}

// postPanels posts a message for each settings panel the guild allows,
// with the panel's reactions
func (c *Controller) postPanels(ctx context.Context, cfg GuildConfig) error {
	var errs []error
	for _, p := range settingsPanels {
		if !cfg.allows(p.Panel) {
			continue
		}
		messageID, err := c.platform.SendEmbed(ctx, cfg.SettingsChannelID, p.embed(), p.Reactions...)
		if err != nil {
			errs = append(errs, fmt.Errorf("error posting %s panel: %w", p.Panel, err))
			continue
		}
		if err = c.db.SaveSettingsMessage(
			ctx, &SettingsMessage{
				MessageID: messageID,
				GuildID:   cfg.GuildID,
				ChannelID: cfg.SettingsChannelID,
				Panel:     p.Panel,
			},
		); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// repostPanels replaces the guild's settings panel messages
func (c *Controller) repostPanels(ctx context.Context, cfg GuildConfig) error {
	msgs, err := c.db.DeleteSettingsMessages(ctx, cfg.GuildID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if e := ignoreGone(c.platform.DeleteMessage(ctx, m.ChannelID, m.MessageID)); e != nil {
			contextLoggerOr(ctx, c.logger).WarnContext(
				ctx, "unable to delete settings message",
				"message_id", m.MessageID,
				tint.Err(e),
			)
		}
	}
	return c.postPanels(ctx, cfg)
}

// Reaction is a reaction added to a message
type Reaction struct {
	GuildID   string
	ChannelID string
	MessageID string
	UserID    string
	Emoji     string
	Bot       bool
}

// HandleReaction applies a settings panel reaction. Reactions on other
// messages, from bots, or from members without a room are ignored.
func (c *Controller) HandleReaction(ctx context.Context, r Reaction) error {
	if r.Bot {
		return nil
	}
	msg, err := c.db.SettingsMessage(ctx, r.MessageID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	logger := contextLoggerOr(ctx, c.logger).With(
		"guild_id", r.GuildID,
		"user_id", r.UserID,
		"panel", msg.Panel,
		"emoji", r.Emoji,
	)
	ctx = WithLogger(ctx, logger)

	if e := c.platform.RemoveReaction(ctx, r.ChannelID, r.MessageID, r.Emoji, r.UserID); e != nil {
		logger.WarnContext(ctx, "unable to remove reaction", tint.Err(e))
	}

	panel, ok := panelFor(msg.Panel)
	if !ok || !panel.hasReaction(r.Emoji) {
		return nil
	}
	if !c.allowReaction(r.UserID) {
		logger.DebugContext(ctx, "reaction ignored, cooling down")
		return nil
	}

	err = c.applyReaction(ctx, msg.GuildID, r.UserID, r.Emoji)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrPrivateRoomsDisabled),
		errors.Is(err, ErrNotFound):
		logger.DebugContext(ctx, "reaction ignored", tint.Err(err))
		return nil
	case errors.Is(err, ErrSettingDisabled),
		errors.Is(err, ErrInvalidName),
		errors.Is(err, ErrInvalidLimit):
		if e := c.platform.SendDirectEmbed(ctx, r.UserID, errorEmbed(err)); e != nil {
			logger.WarnContext(ctx, "unable to notify member", tint.Err(e))
		}
		return nil
	}
	return err
}

func (c *Controller) applyReaction(ctx context.Context, guildID, userID, emoji string) error {
	switch emoji {
	case emojiInfo:
		room, _, err := c.OwnedRoom(ctx, guildID, userID, PanelInfo)
		if err != nil {
			return err
		}
		return c.platform.SendDirectEmbed(ctx, userID, roomInfoEmbed(*room))
	case emojiName:
		_, _, err := c.PromptName(ctx, guildID, userID)
		return err
	case emojiLock:
		room, _, err := c.OwnedRoom(ctx, guildID, userID, PanelPrivacy)
		if err != nil {
			return err
		}
		_, err = c.ToggleLock(ctx, room.ID)
		return err
	case emojiResetLimit:
		room, _, err := c.OwnedRoom(ctx, guildID, userID, PanelLimit)
		if err != nil {
			return err
		}
		return c.ResetLimit(ctx, room.ID)
	case emojiSetLimit:
		_, _, err := c.PromptLimit(ctx, guildID, userID)
		return err
	case emojiVisibility:
		room, _, err := c.OwnedRoom(ctx, guildID, userID, PanelVisibility)
		if err != nil {
			return err
		}
		_, err = c.ToggleHide(ctx, room.ID)
		return err
	case emojiGameActivity:
		room, _, err := c.OwnedRoom(ctx, guildID, userID, PanelGameActivity)
		if err != nil {
			return err
		}
		_, err = c.ToggleGameActivity(ctx, room.ID)
		return err
	}
	return nil
}

// HandleMessage hands a member's message to a waiting prompt, if
// there is one, and deletes the message once it's been captured
func (c *Controller) HandleMessage(
	ctx context.Context,
	channelID string,
	messageID string,
	userID string,
	content string,
	bot bool,
) (bool, error) {
	if bot {
		return false, nil
	}
	delivered, err := c.mediator.Deliver(ctx, userID, channelID, content)
	if err != nil || !delivered {
		return false, err
	}
	if e := ignoreGone(c.platform.DeleteMessage(ctx, channelID, messageID)); e != nil {
		contextLoggerOr(ctx, c.logger).WarnContext(
			ctx, "unable to delete captured message",
			"channel_id", channelID,
			"message_id", messageID,
			tint.Err(e),
		)
	}
	return true, nil
}

// HandlePresenceUpdate re-derives the name of the room the member is
// connected to, if it's named after game activity
func (c *Controller) HandlePresenceUpdate(ctx context.Context, guildID, voiceChannelID string) error {
	if voiceChannelID == "" {
		return nil
	}
	room, err := c.rooms.FindByChannel(ctx, guildID, voiceChannelID, ChannelVoice)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !room.Settings.GameActivity {
		return nil
	}
	_, err = c.RefreshName(ctx, room.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func onOff(b bool, on, off string) string {
	if b {
		return on
	}
	return off
}

func roomInfoEmbed(room Room) *discordgo.MessageEmbed {
	limit := "Unlimited"
	if room.Settings.UserLimit > 0 {
		limit = strconv.Itoa(room.Settings.UserLimit)
	}
	name := room.Settings.CustomName
	if name == "" {
		name = "Default"
	}
	return &discordgo.MessageEmbed{
		Title: room.Name,
		Color: embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Privacy", Value: onOff(room.Settings.Locked, "Locked", "Unlocked"), Inline: true},
			{Name: "Visibility", Value: onOff(room.Settings.Hidden, "Hidden", "Visible"), Inline: true},
			{Name: "User limit", Value: limit, Inline: true},
			{Name: "Custom name", Value: name, Inline: true},
			{
				Name:   "Game activity",
				Value:  onOff(room.Settings.GameActivity, "On", "Off"),
				Inline: true,
			},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: "Room " + room.ID},
	}
}

func errorEmbed(err error) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Unable to change your room",
		Description: err.Error(),
		Color:       0xED4245,
	}
}
