package roomkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

func guildLockKey(guildID string) string {
	return "guild:" + guildID
}

// EnablePrivateRooms creates the guild's private room category, its
// creation and settings channels, saves the config and posts the
// settings panels
func (c *Controller) EnablePrivateRooms(
	ctx context.Context,
	guildID string,
	textChannels bool,
) (*GuildConfig, error) {
	unlock := c.locks.Lock(guildLockKey(guildID))
	defer unlock()

	logger := contextLoggerOr(ctx, c.logger).With("guild_id", guildID)

	if _, err := c.db.GuildConfig(ctx, guildID); err == nil {
		return nil, ErrPrivateRoomsEnabled
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	staff, err := c.db.StaffRoles(ctx, guildID)
	if err != nil {
		return nil, err
	}

	var created []string
	cleanup := func() {
		cleanupCtx := context.WithoutCancel(ctx)
		// children first, so the category is empty when it's removed
		for i := len(created) - 1; i >= 0; i-- {
			if e := ignoreGone(c.platform.DeleteChannel(cleanupCtx, created[i])); e != nil {
				logger.ErrorContext(ctx, "error removing channel", "channel_id", created[i], tint.Err(e))
			}
		}
	}

	cfg := newGuildConfig(guildID)
	cfg.TextChannels = textChannels

	cfg.CategoryID, err = c.platform.CreateChannel(
		ctx, guildID, ChannelSpec{
			Name: DefaultCategoryName,
			Type: discordgo.ChannelTypeGuildCategory,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating category: %w", err)
	}
	created = append(created, cfg.CategoryID)

	cfg.CreationChannelID, err = c.platform.CreateChannel(
		ctx, guildID, ChannelSpec{
			Name:     DefaultCreationChannelName,
			Type:     discordgo.ChannelTypeGuildVoice,
			ParentID: cfg.CategoryID,
		},
	)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("error creating creation channel: %w", err)
	}
	created = append(created, cfg.CreationChannelID)

	cfg.SettingsChannelID, err = c.platform.CreateChannel(
		ctx, guildID, ChannelSpec{
			Name:     DefaultSettingsChannelName,
			Type:     discordgo.ChannelTypeGuildText,
			ParentID: cfg.CategoryID,
			Overlays: settingsChannelOverlays(guildID, pendingChannelID, staff),
		},
	)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("error creating settings channel: %w", err)
	}
	created = append(created, cfg.SettingsChannelID)

	if err = c.db.CreateGuildConfig(ctx, &cfg); err != nil {
		cleanup()
		return nil, err
	}
	logger.InfoContext(ctx, "enabled private rooms", "config", cfg)

	if err = c.postPanels(ctx, cfg); err != nil {
		logger.ErrorContext(ctx, "error posting settings panels", tint.Err(err))
	}
	return &cfg, nil
}

// DisablePrivateRooms deletes the guild's private room channels and
// config. Active rooms are torn down too when DeleteRoomsOnDisable
// is set, otherwise they're left as they are.
func (c *Controller) DisablePrivateRooms(ctx context.Context, guildID string) error {
	unlock := c.locks.Lock(guildLockKey(guildID))
	defer unlock()

	logger := contextLoggerOr(ctx, c.logger).With("guild_id", guildID)

	cfg, err := c.db.GuildConfig(ctx, guildID)
	if errors.Is(err, ErrNotFound) {
		return ErrPrivateRoomsDisabled
	}
	if err != nil {
		return err
	}

	var errs []error
	if c.config.DeleteRoomsOnDisable {
		rooms, listErr := c.rooms.List(ctx, guildID)
		if listErr != nil {
			return listErr
		}
		for _, r := range rooms {
			if e := c.teardownLocked(ctx, r.ID, cfg); e != nil {
				errs = append(errs, e)
			}
		}
	}

	for _, channelID := range []string{
		cfg.SettingsChannelID,
		cfg.CreationChannelID,
		cfg.CategoryID,
	} {
		if channelID == "" {
			continue
		}
		if e := ignoreGone(c.platform.DeleteChannel(ctx, channelID)); e != nil {
			errs = append(errs, fmt.Errorf("error deleting channel %s: %w", channelID, e))
		}
	}

	if e := c.db.DeleteGuildConfig(ctx, guildID); e != nil && !errors.Is(e, ErrNotFound) {
		errs = append(errs, e)
	}
	if e := c.mediator.Cancel(ctx, cfg.SettingsChannelID); e != nil {
		errs = append(errs, e)
	}
	logger.InfoContext(ctx, "disabled private rooms")
	return errors.Join(errs...)
}

// teardownLocked takes the room's lock, re-reads it and tears it down
func (c *Controller) teardownLocked(ctx context.Context, roomID string, cfg *GuildConfig) error {
	unlock := c.locks.Lock(roomLockKey(roomID))
	defer unlock()
	room, err := c.rooms.Get(ctx, roomID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.teardown(ctx, *room, cfg)
}

// UpdateGuildConfig changes a guild's room defaults and toggles. The
// settings panels are reposted when a toggle changes, so disabled
// settings don't have a panel.
func (c *Controller) UpdateGuildConfig(
	ctx context.Context,
	guildID string,
	update GuildConfigUpdate,
) (*GuildConfig, error) {
	unlock := c.locks.Lock(guildLockKey(guildID))
	defer unlock()

	previous, err := c.db.GuildConfig(ctx, guildID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrPrivateRoomsDisabled
	}
	if err != nil {
		return nil, err
	}
	cfg, err := c.db.UpdateGuildConfig(ctx, guildID, update)
	if err != nil {
		return nil, err
	}
	if previous.AllowName != cfg.AllowName ||
		previous.AllowPrivacy != cfg.AllowPrivacy ||
		previous.AllowLimit != cfg.AllowLimit ||
		previous.AllowVisibility != cfg.AllowVisibility {
		if e := c.repostPanels(ctx, *cfg); e != nil {
			contextLoggerOr(ctx, c.logger).ErrorContext(
				ctx, "error reposting settings panels",
				"guild_id", guildID,
				tint.Err(e),
			)
		}
	}
	return cfg, nil
}

// AddStaffRole saves the role as staff and grants it access to every
// room in the guild, and to the settings channel
func (c *Controller) AddStaffRole(
	ctx context.Context,
	guildID string,
	roleID string,
	kind StaffRoleKind,
) error {
	if kind == "" {
		kind = StaffRoleModerator
	}
	role := StaffRole{GuildID: guildID, RoleID: roleID, Kind: kind}
	if err := c.db.SaveStaffRole(ctx, &role); err != nil {
		return err
	}
	return c.applyStaffOverlays(ctx, guildID, []StaffRole{role}, false)
}

// RemoveStaffRole removes the role's overwrites from the guild's rooms
// and settings channel. It reports whether the role was staff.
func (c *Controller) RemoveStaffRole(ctx context.Context, guildID, roleID string) (bool, error) {
	removed, err := c.db.DeleteStaffRole(ctx, guildID, roleID)
	if err != nil || !removed {
		return removed, err
	}
	return true, c.applyStaffOverlays(
		ctx, guildID, []StaffRole{{GuildID: guildID, RoleID: roleID}}, true,
	)
}

func (c *Controller) StaffRoles(ctx context.Context, guildID string) ([]StaffRole, error) {
	return c.db.StaffRoles(ctx, guildID)
}

func (c *Controller) applyStaffOverlays(
	ctx context.Context,
	guildID string,
	roles []StaffRole,
	remove bool,
) error {
	var overlays []Overlay
	if cfg, err := c.db.GuildConfig(ctx, guildID); err == nil {
		overlays = append(overlays, settingsChannelStaffOverlays(cfg.SettingsChannelID, roles)...)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	rooms, err := c.rooms.List(ctx, guildID)
	if err != nil {
		return err
	}
	for _, r := range rooms {
		overlays = append(overlays, staffOverlays(r.VoiceChannelID, ChannelVoice, roles)...)
		if r.MoveChannelID != "" {
			overlays = append(overlays, staffOverlays(r.MoveChannelID, ChannelMove, roles)...)
		}
		if r.TextChannelID != "" {
			overlays = append(overlays, staffOverlays(r.TextChannelID, ChannelText, roles)...)
		}
	}
	if remove {
		for i := range overlays {
			overlays[i] = roleOverlay(overlays[i].ChannelID, overlays[i].TargetID, 0, 0, LayerStaff)
		}
	}
	return ignoreGone(c.platform.ApplyOverlays(ctx, overlays...))
}

// HandleChannelDelete reconciles state after a channel was deleted
// out from under us
func (c *Controller) HandleChannelDelete(ctx context.Context, guildID, channelID string) error {
	logger := contextLoggerOr(ctx, c.logger).With("guild_id", guildID, "channel_id", channelID)

	if err := c.mediator.Cancel(ctx, channelID); err != nil {
		logger.ErrorContext(ctx, "error cancelling pending responses", tint.Err(err))
	}

	cfg, err := c.db.GuildConfig(ctx, guildID)
	switch {
	case err == nil:
		switch channelID {
		case cfg.CategoryID, cfg.CreationChannelID, cfg.SettingsChannelID:
			logger.WarnContext(ctx, "private rooms channel deleted, disabling private rooms")
			err = c.DisablePrivateRooms(ctx, guildID)
			if errors.Is(err, ErrPrivateRoomsDisabled) {
				return nil
			}
			return err
		}
	case errors.Is(err, ErrNotFound):
		cfg = nil
	default:
		return err
	}

	room, err := c.rooms.FindByChannel(ctx, guildID, channelID, ChannelAny)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	unlock := c.locks.Lock(roomLockKey(room.ID))
	defer unlock()
	room, err = c.rooms.Get(ctx, room.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch channelID {
	case room.VoiceChannelID:
		logger.InfoContext(ctx, "room voice channel deleted", "room", room)
		return c.teardown(ctx, *room, cfg)
	case room.MoveChannelID:
		logger.InfoContext(ctx, "room move channel deleted", "room", room)
		if err = c.clearLock(ctx, room); err != nil {
			return err
		}
		return ignoreGone(
			c.platform.ApplyOverlays(ctx, defaultRoleOverlay(*room, room.VoiceChannelID, ChannelVoice)),
		)
	case room.TextChannelID:
		logger.InfoContext(ctx, "room text channel deleted", "room", room)
		return c.db.UpdateRoom(ctx, room.ID, map[string]any{columnTextChannelID: ""}, nil)
	}
	return nil
}

// HandleGuildCreate records the guild and reconciles its rooms
func (c *Controller) HandleGuildCreate(ctx context.Context, guild Guild) error {
	if err := c.db.SaveGuild(ctx, guild); err != nil {
		return err
	}
	return c.Reconcile(ctx, guild.ID)
}

// HandleGuildDelete removes the guild and everything it owns. Its
// channels went with it, so nothing is deleted on the platform.
func (c *Controller) HandleGuildDelete(ctx context.Context, guildID string) error {
	rooms, err := c.rooms.List(ctx, guildID)
	if err != nil {
		return err
	}
	for _, r := range rooms {
		c.forgetRoom(r.ID)
	}
	if err = c.db.DeleteGuild(ctx, guildID); err != nil {
		return err
	}
	contextLoggerOr(ctx, c.logger).InfoContext(
		ctx, "removed guild",
		"guild_id", guildID,
		"rooms", len(rooms),
	)
	return nil
}

// settingsChannelOverlays hide the settings channel from the default
// role. Owners are granted view while they own a room.
func settingsChannelOverlays(guildID, channelID string, staff []StaffRole) []Overlay {
	overlays := settingsChannelStaffOverlays(channelID, staff)
	return append(
		overlays,
		roleOverlay(channelID, guildID, 0, permView|permSend, LayerDefaultRole),
	)
}

func settingsChannelStaffOverlays(channelID string, staff []StaffRole) []Overlay {
	return staffOverlays(channelID, ChannelAny, staff)
}
