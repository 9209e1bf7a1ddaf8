package roomkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// pendingChannelID stands in for the ID of a channel being created, so
// its overwrites can be computed before the platform assigns an ID
const pendingChannelID = "pending"

// Controller drives rooms through their lifecycle: creation when a
// member joins a guild's creation channel, ownership transfer and
// teardown when the owner leaves, and the owner-facing settings.
// Every operation on an existing room holds that room's lock and
// re-reads it from the database first.
type Controller struct {
	db       DBI
	rooms    *RoomRegistry
	platform Platform
	mediator *Mediator
	config   *RoomsConfig
	logger   *slog.Logger

	locks *keyedMutex

	limiterMu        sync.Mutex
	renameLimiters   map[string]*rate.Limiter
	reactionLimiters map[string]*rate.Limiter

	// pick chooses a successor among n eligible members
	pick func(n int) int
}

func newController(
	db DBI,
	platform Platform,
	mediator *Mediator,
	config *RoomsConfig,
	logger *slog.Logger,
) *Controller {
	c := &Controller{
		db:               db,
		rooms:            newRoomRegistry(db, config.IDAttempts),
		platform:         platform,
		mediator:         mediator,
		config:           config,
		logger:           logger,
		locks:            newKeyedMutex(),
		renameLimiters:   map[string]*rate.Limiter{},
		reactionLimiters: map[string]*rate.Limiter{},
		pick:             rand.IntN,
	}
	if mediator != nil {
		mediator.settled = c.settledOverlay
	}
	return c
}

// settledOverlay computes the overwrite the user should hold on one of
// the guild's private room channels from the current state, rather
// than from whatever was there before. Owners get their owner
// overlays; anyone else is reset to inherit on the settings and
// creation channels. Other channels aren't known.
func (c *Controller) settledOverlay(
	ctx context.Context,
	guildID string,
	channelID string,
	userID string,
) (Overlay, bool, error) {
	cfg, err := c.db.GuildConfig(ctx, guildID)
	if errors.Is(err, ErrNotFound) {
		return Overlay{}, false, nil
	}
	if err != nil {
		return Overlay{}, false, err
	}
	guildChannel := channelID == cfg.SettingsChannelID || channelID == cfg.CreationChannelID

	room, err := c.rooms.FindByOwner(ctx, guildID, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		if guildChannel {
			return inheritOverlay(channelID, userID), true, nil
		}
		return Overlay{}, false, nil
	case err != nil:
		return Overlay{}, false, err
	}

	if o, ok := effectiveOverlay(ownerOverlays(*room, *cfg, userID), channelID, userID); ok {
		return o, true, nil
	}
	if guildChannel {
		return inheritOverlay(channelID, userID), true, nil
	}
	return Overlay{}, false, nil
}

func roomLockKey(roomID string) string {
	return "room:" + roomID
}

func ownerLockKey(guildID, userID string) string {
	return "owner:" + guildID + ":" + userID
}

// Registry returns the controller's room registry
func (c *Controller) Registry() *RoomRegistry {
	return c.rooms
}

// guild returns the guild's private room config and staff roles, or
// ErrPrivateRoomsDisabled
func (c *Controller) guild(ctx context.Context, guildID string) (*GuildConfig, []StaffRole, error) {
	cfg, err := c.db.GuildConfig(ctx, guildID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrPrivateRoomsDisabled
	}
	if err != nil {
		return nil, nil, err
	}
	staff, err := c.db.StaffRoles(ctx, guildID)
	if err != nil {
		return nil, nil, err
	}
	return cfg, staff, nil
}

// CreateRoom creates a room for the member and moves them into it.
// If the member already owns a room in the guild, that room is returned
// and created is false.
func (c *Controller) CreateRoom(
	ctx context.Context,
	guildID string,
	owner Member,
) (room *Room, created bool, err error) {
	unlock := c.locks.Lock(ownerLockKey(guildID, owner.UserID))
	defer unlock()

	logger := contextLoggerOr(ctx, c.logger).With("guild_id", guildID, "owner_id", owner.UserID)

	cfg, staff, err := c.guild(ctx, guildID)
	if err != nil {
		return nil, false, err
	}

	existing, err := c.rooms.FindByOwner(ctx, guildID, owner.UserID)
	switch {
	case err == nil:
		logger.DebugContext(ctx, "member already owns a room", "room", existing)
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, err
	}

	id, err := c.rooms.GenerateID(ctx)
	if err != nil {
		return nil, false, err
	}

	newRoom := Room{
		ID:      id,
		GuildID: guildID,
		OwnerID: owner.UserID,
		Settings: RoomSettings{
			RoomID:       id,
			Hidden:       cfg.DefaultHidden,
			UserLimit:    clampLimit(cfg.DefaultUserLimit),
			GameActivity: cfg.DefaultGameActivity,
		},
	}
	newRoom.Name = deriveRoomName(newRoom, *cfg, owner.Name, []Member{owner})

	var createdChannels []string
	cleanupCtx := context.WithoutCancel(ctx)
	cleanup := func() {
		for _, channelID := range createdChannels {
			if e := ignoreGone(c.platform.DeleteChannel(cleanupCtx, channelID)); e != nil {
				logger.ErrorContext(
					ctx,
					"error removing channel after failed room creation",
					"channel_id", channelID,
					tint.Err(e),
				)
			}
		}
	}

	draft := newRoom
	draft.VoiceChannelID = pendingChannelID
	voiceID, err := c.platform.CreateChannel(
		ctx, guildID, ChannelSpec{
			Name:      newRoom.Name,
			Type:      discordgo.ChannelTypeGuildVoice,
			ParentID:  cfg.CategoryID,
			UserLimit: newRoom.Settings.UserLimit,
			Overlays:  channelOverlays(draft, *cfg, staff, pendingChannelID, ChannelVoice),
		},
	)
	if err != nil {
		return nil, false, fmt.Errorf("error creating voice channel: %w", err)
	}
	createdChannels = append(createdChannels, voiceID)
	newRoom.VoiceChannelID = voiceID

	if cfg.TextChannels {
		draft = newRoom
		draft.TextChannelID = pendingChannelID
		textID, textErr := c.platform.CreateChannel(
			ctx, guildID, ChannelSpec{
				Name:     newRoom.Name,
				Type:     discordgo.ChannelTypeGuildText,
				ParentID: cfg.CategoryID,
				Overlays: channelOverlays(draft, *cfg, staff, pendingChannelID, ChannelText),
			},
		)
		if textErr != nil {
			cleanup()
			return nil, false, fmt.Errorf("error creating text channel: %w", textErr)
		}
		createdChannels = append(createdChannels, textID)
		newRoom.TextChannelID = textID
	}

	if err = c.rooms.Create(ctx, &newRoom); err != nil {
		cleanup()
		if errors.Is(err, ErrAlreadyOwnsRoom) {
			existing, findErr := c.rooms.FindByOwner(ctx, guildID, owner.UserID)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	logger = logger.With("room", newRoom)
	logger.InfoContext(ctx, "created room")

	unlockRoom := c.locks.Lock(roomLockKey(newRoom.ID))
	defer unlockRoom()

	if cfg.DefaultLocked {
		if lockErr := c.lock(ctx, &newRoom, cfg, staff); lockErr != nil {
			logger.ErrorContext(ctx, "error locking new room", tint.Err(lockErr))
		}
	}

	if err = c.platform.MoveMember(ctx, guildID, owner.UserID, newRoom.VoiceChannelID); err != nil {
		// the member most likely left the creation channel before
		// they could be moved
		logger.WarnContext(ctx, "unable to move owner into new room", tint.Err(err))
		if teardownErr := c.teardown(cleanupCtx, newRoom, cfg); teardownErr != nil {
			logger.ErrorContext(ctx, "error removing unused room", tint.Err(teardownErr))
		}
		return nil, false, err
	}

	if e := c.platform.ApplyOverlays(ctx, guildOwnerOverlays(*cfg, owner.UserID)...); e != nil {
		logger.ErrorContext(ctx, "error applying owner overlays", tint.Err(e))
	}
	return &newRoom, true, nil
}

// HandleVoiceStateUpdate reacts to a member moving between voice
// channels. An empty channel ID means not connected.
func (c *Controller) HandleVoiceStateUpdate(
	ctx context.Context,
	guildID string,
	member Member,
	beforeChannelID string,
	afterChannelID string,
) error {
	if beforeChannelID == afterChannelID {
		return nil
	}
	var errs []error
	if beforeChannelID != "" {
		if err := c.memberLeft(ctx, guildID, member, beforeChannelID); err != nil {
			errs = append(errs, err)
		}
	}
	if afterChannelID != "" {
		if err := c.memberJoined(ctx, guildID, member, afterChannelID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) memberJoined(
	ctx context.Context,
	guildID string,
	member Member,
	channelID string,
) error {
	cfg, err := c.db.GuildConfig(ctx, guildID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if channelID == cfg.CreationChannelID {
		if member.Bot {
			return nil
		}
		_, _, err = c.CreateRoom(ctx, guildID, member)
		return err
	}

	room, err := c.rooms.FindByChannel(ctx, guildID, channelID, ChannelVoice)
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
	if room.TextChannelID != "" && member.UserID != room.OwnerID {
		if err = c.platform.ApplyOverlays(
			ctx,
			memberOverlay(room.TextChannelID, member.UserID, permView|permSend, 0, LayerMember),
		); err != nil {
			return ignoreGone(err)
		}
	}
	_, err = c.refreshName(ctx, room, cfg, false)
	return err
}

func (c *Controller) memberLeft(
	ctx context.Context,
	guildID string,
	member Member,
	channelID string,
) error {
	room, err := c.rooms.FindByChannel(ctx, guildID, channelID, ChannelVoice)
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
	cfg, err := c.db.GuildConfig(ctx, guildID)
	switch {
	case errors.Is(err, ErrNotFound):
		// private rooms were disabled without removing the rooms
		fallback := newGuildConfig(guildID)
		cfg = &fallback
	case err != nil:
		return err
	}

	if member.UserID != room.OwnerID {
		if room.TextChannelID != "" {
			if e := ignoreGone(
				c.platform.ApplyOverlays(ctx, inheritOverlay(room.TextChannelID, member.UserID)),
			); e != nil {
				return e
			}
		}
		_, err = c.refreshName(ctx, room, cfg, false)
		return err
	}

	members, err := c.platform.VoiceMembers(ctx, guildID, room.VoiceChannelID)
	if err != nil && !errors.Is(err, ErrChannelGone) {
		return err
	}
	successor, ok, err := c.chooseSuccessor(ctx, room, members)
	if err != nil {
		return err
	}
	if !ok {
		return c.teardown(ctx, *room, cfg)
	}
	return c.transfer(ctx, room, cfg, successor)
}

// chooseSuccessor picks a new owner uniformly at random among the
// connected non-bot members who don't already own a room
func (c *Controller) chooseSuccessor(
	ctx context.Context,
	room *Room,
	members []Member,
) (Member, bool, error) {
	var eligible []Member
	for _, m := range members {
		if m.Bot || m.UserID == room.OwnerID {
			continue
		}
		_, err := c.rooms.FindByOwner(ctx, room.GuildID, m.UserID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, ErrNotFound):
			return Member{}, false, err
		}
		eligible = append(eligible, m)
	}
	if len(eligible) == 0 {
		return Member{}, false, nil
	}
	return eligible[c.pick(len(eligible))], true, nil
}

// transfer hands the room to successor: ownership is persisted, the
// successor is granted the owner overlays, the room is renamed, and
// the previous owner's overlays are removed
func (c *Controller) transfer(
	ctx context.Context,
	room *Room,
	cfg *GuildConfig,
	successor Member,
) error {
	logger := contextLoggerOr(ctx, c.logger).With(
		"room", room,
		"new_owner_id", successor.UserID,
	)
	previous := *room

	if err := c.db.UpdateRoom(
		ctx, room.ID, map[string]any{columnOwnerID: successor.UserID}, nil,
	); err != nil {
		return fmt.Errorf("error transferring room: %w", err)
	}
	room.OwnerID = successor.UserID
	logger.InfoContext(ctx, "transferred room ownership")

	var errs []error
	if err := c.platform.ApplyOverlays(ctx, ownerOverlays(*room, *cfg, successor.UserID)...); err != nil {
		errs = append(errs, ignoreGone(err))
	}
	if _, err := c.refreshName(ctx, room, cfg, true); err != nil {
		errs = append(errs, err)
	}
	if err := c.platform.ApplyOverlays(
		ctx,
		removeOwnerOverlays(previous, *cfg, previous.OwnerID)...,
	); err != nil {
		errs = append(errs, ignoreGone(err))
	}
	if err := c.mediator.CancelUser(ctx, previous.OwnerID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// teardown deletes the room record first, then its channels. Channels
// that are already gone are ignored. The caller holds the room's lock.
func (c *Controller) teardown(ctx context.Context, room Room, cfg *GuildConfig) error {
	logger := contextLoggerOr(ctx, c.logger).With("room", room)

	existed, err := c.rooms.Delete(ctx, room)
	if err != nil {
		return fmt.Errorf("error deleting room: %w", err)
	}
	if !existed {
		logger.DebugContext(ctx, "room already deleted")
		return nil
	}
	c.forgetRoom(room.ID)

	var errs []error
	for _, channelID := range []string{room.MoveChannelID, room.VoiceChannelID, room.TextChannelID} {
		if channelID == "" {
			continue
		}
		if e := ignoreGone(c.platform.DeleteChannel(ctx, channelID)); e != nil {
			errs = append(errs, fmt.Errorf("error deleting channel %s: %w", channelID, e))
		}
	}
	if cfg != nil {
		if e := ignoreGone(
			c.platform.ApplyOverlays(ctx, removeGuildOwnerOverlays(*cfg, room.OwnerID)...),
		); e != nil {
			errs = append(errs, e)
		}
	}
	if e := c.mediator.CancelUser(ctx, room.OwnerID); e != nil {
		errs = append(errs, e)
	}

	logger.InfoContext(ctx, "deleted room")
	return errors.Join(errs...)
}

// DeleteRoom tears down a room regardless of who's connected
func (c *Controller) DeleteRoom(ctx context.Context, roomID string) error {
	unlock := c.locks.Lock(roomLockKey(roomID))
	defer unlock()

	room, err := c.rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}
	cfg, err := c.db.GuildConfig(ctx, room.GuildID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return c.teardown(ctx, *room, cfg)
}

// ToggleLock locks an unlocked room or unlocks a locked one, returning
// whether the room is now locked
func (c *Controller) ToggleLock(ctx context.Context, roomID string) (bool, error) {
	unlock := c.locks.Lock(roomLockKey(roomID))
	defer unlock()

	room, err := c.rooms.Get(ctx, roomID)
	if err != nil {
		return false, err
	}
	cfg, staff, err := c.guild(ctx, room.GuildID)
	if err != nil {
		return false, err
	}

	if room.Locked() {
		return false, c.unlock(ctx, room)
	}

	if err = sleepContext(ctx, c.config.SettleDelay); err != nil {
		return false, err
	}
	// the room may have been torn down by another instance while
	// we were waiting
	room, err = c.rooms.Get(ctx, roomID)
	if err != nil {
		return false, err
	}
	if room.Locked() {
		return true, nil
	}
	return true, c.lock(ctx, room, cfg, staff)
}

// lock creates the room's move channel right below the voice channel
// and denies the default role connect on the voice channel
func (c *Controller) lock(ctx context.Context, room *Room, cfg *GuildConfig, staff []StaffRole) error {
	voice, err := c.platform.Channel(ctx, room.VoiceChannelID)
	if err != nil {
		return fmt.Errorf("error getting voice channel: %w", err)
	}

	draft := *room
	draft.MoveChannelID = pendingChannelID
	draft.Settings.Locked = true
	moveID, err := c.platform.CreateChannel(
		ctx, room.GuildID, ChannelSpec{
			Name:     moveChannelName,
			Type:     discordgo.ChannelTypeGuildVoice,
			ParentID: cfg.CategoryID,
			Position: voice.Position + 1,
			Overlays: channelOverlays(draft, *cfg, staff, pendingChannelID, ChannelMove),
		},
	)
	if err != nil {
		return fmt.Errorf("error creating move channel: %w", err)
	}

	if err = c.db.UpdateRoom(
		ctx,
		room.ID,
		map[string]any{columnMoveChannelID: moveID},
		map[string]any{"locked": true},
	); err != nil {
		if e := ignoreGone(c.platform.DeleteChannel(context.WithoutCancel(ctx), moveID)); e != nil {
			err = errors.Join(err, e)
		}
		return err
	}
	room.MoveChannelID = moveID
	room.Settings.Locked = true

	if err = c.platform.ApplyOverlays(
		ctx,
		defaultRoleOverlay(*room, room.VoiceChannelID, ChannelVoice),
	); err != nil {
		return err
	}
	contextLoggerOr(ctx, c.logger).InfoContext(ctx, "locked room", "room", room)
	return nil
}

// unlock deletes the move channel and lifts the default role's connect
// deny
func (c *Controller) unlock(ctx context.Context, room *Room) error {
	if room.MoveChannelID != "" {
		if err := ignoreGone(c.platform.DeleteChannel(ctx, room.MoveChannelID)); err != nil {
			return fmt.Errorf("error deleting move channel: %w", err)
		}
	}
	if err := c.clearLock(ctx, room); err != nil {
		return err
	}
	if err := ignoreGone(
		c.platform.ApplyOverlays(ctx, defaultRoleOverlay(*room, room.VoiceChannelID, ChannelVoice)),
	); err != nil {
		return err
	}
	contextLoggerOr(ctx, c.logger).InfoContext(ctx, "unlocked room", "room", room)
	return nil
}

// clearLock marks the room unlocked without touching any channel
func (c *Controller) clearLock(ctx context.Context, room *Room) error {
	if err := c.db.UpdateRoom(
		ctx,
		room.ID,
		map[string]any{columnMoveChannelID: ""},
		map[string]any{"locked": false},
	); err != nil {
		return err
	}
	room.MoveChannelID = ""
	room.Settings.Locked = false
	return nil
}

// ToggleHide hides a visible room from the default role or shows a
// hidden one, returning whether the room is now hidden
func (c *Controller) ToggleHide(ctx context.Context, roomID string) (bool, error) {
	unlock := c.locks.Lock(roomLockKey(roomID))
	defer unlock()

	room, err := c.rooms.Get(ctx, roomID)
	if err != nil {
		return false, err
	}
	hidden := !room.Settings.Hidden
	if err = c.db.UpdateRoom(ctx, room.ID, nil, map[string]any{"hidden": hidden}); err != nil {
		return false, err
	}
	room.Settings.Hidden = hidden

	overlays := []Overlay{defaultRoleOverlay(*room, room.VoiceChannelID, ChannelVoice)}
	if room.MoveChannelID != "" {
		overlays = append(overlays, defaultRoleOverlay(*room, room.MoveChannelID, ChannelMove))
	}
	return hidden, c.platform.ApplyOverlays(ctx, overlays...)
}

// SetName sets the room's custom name. An empty name clears it.
func (c *Controller) SetName(ctx context.Context, roomID string, name string) (string, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return "", ErrInvalidName
	}

	unlock := c.locks.Lock(roomLockKey(roomID))
	defer unlock()

	room, err := c.rooms.Get(ctx, roomID)
	if err != nil {
		return "", err
	}
	cfg, err := c.db.GuildConfig(ctx, room.GuildID)
	if err != nil {
		return "", err
	}
	if err = c.db.UpdateRoom(ctx, room.ID, nil, map[string]any{"custom_name": name}); err != nil {
		return "", err
	}
	room.Settings.CustomName = name
	return c.refreshName(ctx, room, cfg, true)
}

// SetLimit sets the voice channel's user limit, clamped to 0..99.
// Zero means unlimited.
func (c *Controller) SetLimit(ctx context.Context, roomID string, limit int) (int, error) {
	limit = clampLimit(limit)

	unlock := c.locks.Lock(roomLockKey(roomID))
	defer unlock()

	room, err := c.rooms.Get(ctx, roomID)
	if err != nil {
		return 0, err
	}
	if err = c.db.UpdateRoom(ctx, room.ID, nil, map[string]any{"user_limit": limit}); err != nil {
		return 0, err
	}
	return limit, c.platform.SetUserLimit(ctx, room.VoiceChannelID, limit)
}

func (c *Controller) ResetLimit(ctx context.Context, roomID string) error {
	_, err := c.SetLimit(ctx, roomID, 0)
	return err
}

// ToggleGameActivity turns game activity naming on or off, returning
// the new state
func (c *Controller) ToggleGameActivity(ctx context.Context, roomID string) (bool, error) {
	unlock := c.locks.Lock(roomLockKey(roomID))
	defer unlock()

	room, err := c.rooms.Get(ctx, roomID)
	if err != nil {
		return false, err
	}
	cfg, err := c.db.GuildConfig(ctx, room.GuildID)
	if err != nil {
		return false, err
	}
	enabled := !room.Settings.GameActivity
	if err = c.db.UpdateRoom(ctx, room.ID, nil, map[string]any{"game_activity": enabled}); err != nil {
		return false, err
	}
	room.Settings.GameActivity = enabled
	_, err = c.refreshName(ctx, room, cfg, true)
	return enabled, err
}

// RefreshName re-derives the room's name from its members' activity.
// Renames are rate limited per room.
func (c *Controller) RefreshName(ctx context.Context, roomID string) (string, error) {
	unlock := c.locks.Lock(roomLockKey(roomID))
	defer unlock()

	room, err := c.rooms.Get(ctx, roomID)
	if err != nil {
		return "", err
	}
	cfg, err := c.db.GuildConfig(ctx, room.GuildID)
	if err != nil {
		return "", err
	}
	return c.refreshName(ctx, room, cfg, false)
}

func (c *Controller) refreshName(
	ctx context.Context,
	room *Room,
	cfg *GuildConfig,
	force bool,
) (string, error) {
	logger := contextLoggerOr(ctx, c.logger)

	members, err := c.platform.VoiceMembers(ctx, room.GuildID, room.VoiceChannelID)
	if err != nil {
		logger.WarnContext(ctx, "unable to list voice members", "room", room, tint.Err(err))
	}
	ownerName := ""
	for _, m := range members {
		if m.UserID == room.OwnerID {
			ownerName = m.Name
			break
		}
	}
	if ownerName == "" {
		owner, memberErr := c.platform.Member(ctx, room.GuildID, room.OwnerID)
		if memberErr != nil {
			return room.Name, fmt.Errorf("error getting owner: %w", memberErr)
		}
		ownerName = owner.Name
	}

	name := deriveRoomName(*room, *cfg, ownerName, members)
	if name == room.Name {
		return name, nil
	}
	if !force && !c.renameLimiter(room.ID).Allow() {
		logger.DebugContext(ctx, "rename deferred", "room", room, "name", name)
		return room.Name, nil
	}

	if err = c.platform.RenameChannel(ctx, room.VoiceChannelID, name); err != nil {
		return room.Name, ignoreGone(err)
	}
	if room.TextChannelID != "" {
		if e := ignoreGone(c.platform.RenameChannel(ctx, room.TextChannelID, name)); e != nil {
			logger.WarnContext(ctx, "unable to rename text channel", "room", room, tint.Err(e))
		}
	}
	if err = c.db.UpdateRoom(ctx, room.ID, map[string]any{"name": name}, nil); err != nil {
		return name, err
	}
	logger.InfoContext(ctx, "renamed room", "room", room, "old_name", room.Name, "name", name)
	room.Name = name
	return name, nil
}

func (c *Controller) renameLimiter(roomID string) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	l, ok := c.renameLimiters[roomID]
	if !ok {
		limit := rate.Inf
		if c.config.RenameInterval > 0 {
			limit = rate.Every(c.config.RenameInterval)
		}
		l = rate.NewLimiter(limit, max(c.config.RenameBurst, 1))
		c.renameLimiters[roomID] = l
	}
	return l
}

// allowReaction applies the per-user settings panel cooldown
func (c *Controller) allowReaction(userID string) bool {
	if c.config.ReactionCooldown <= 0 {
		return true
	}
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	l, ok := c.reactionLimiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.config.ReactionCooldown), 1)
		c.reactionLimiters[userID] = l
	}
	return l.Allow()
}

func (c *Controller) forgetRoom(roomID string) {
	c.limiterMu.Lock()
	delete(c.renameLimiters, roomID)
	c.limiterMu.Unlock()
}

// OwnedRoom returns the room the member owns in the guild, checking
// that the guild lets members change the given setting
func (c *Controller) OwnedRoom(
	ctx context.Context,
	guildID string,
	userID string,
	panel SettingsPanel,
) (*Room, *GuildConfig, error) {
	cfg, err := c.db.GuildConfig(ctx, guildID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrPrivateRoomsDisabled
	}
	if err != nil {
		return nil, nil, err
	}
	if !cfg.allows(panel) {
		return nil, nil, ErrSettingDisabled
	}
	room, err := c.rooms.FindByOwner(ctx, guildID, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrNotOwner
	}
	if err != nil {
		return nil, nil, err
	}
	return room, cfg, nil
}

// PromptName waits for the owner to type a new room name into the
// settings channel. ok is false if nothing was typed in time.
func (c *Controller) PromptName(ctx context.Context, guildID, userID string) (name string, ok bool, err error) {
	room, cfg, err := c.OwnedRoom(ctx, guildID, userID, PanelName)
	if err != nil {
		return "", false, err
	}
	text, ok, err := c.mediator.AwaitResponse(
		ctx, guildID, userID, cfg.SettingsChannelID, c.config.ResponseTimeout, true,
	)
	if err != nil || !ok {
		return "", false, err
	}
	name, err = c.SetName(ctx, room.ID, text)
	return name, err == nil, err
}

// PromptLimit waits for the owner to type a new user limit into the
// settings channel
func (c *Controller) PromptLimit(ctx context.Context, guildID, userID string) (limit int, ok bool, err error) {
	room, cfg, err := c.OwnedRoom(ctx, guildID, userID, PanelLimit)
	if err != nil {
		return 0, false, err
	}
	text, ok, err := c.mediator.AwaitResponse(
		ctx, guildID, userID, cfg.SettingsChannelID, c.config.ResponseTimeout, true,
	)
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, false, ErrInvalidLimit
	}
	limit, err = c.SetLimit(ctx, room.ID, n)
	return limit, err == nil, err
}

func clampLimit(n int) int {
	return min(max(n, 0), MaxUserLimit)
}

// sleepContext waits for d, or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
