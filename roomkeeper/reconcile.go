package roomkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// reconcileConcurrency bounds how many guilds are reconciled at once
const reconcileConcurrency = 4

// ReconcileAll brings every guild's rooms in line with what's on the
// platform, after the bot was offline and may have missed events.
// Pending responses are discarded first, since nothing can be
// waiting on them anymore.
func (c *Controller) ReconcileAll(ctx context.Context) error {
	logger := contextLoggerOr(ctx, c.logger)

	n, err := c.db.ClearPendingResponses(ctx)
	if err != nil {
		return fmt.Errorf("error clearing pending responses: %w", err)
	}
	if n > 0 {
		logger.InfoContext(ctx, "cleared stale pending responses", "count", n)
	}

	guildIDs := map[string]struct{}{}
	cfgs, err := c.db.GuildConfigs(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range cfgs {
		guildIDs[cfg.GuildID] = struct{}{}
	}
	// rooms may outlive their guild's config when the config was
	// removed without cascading
	rooms, err := c.rooms.List(ctx, "")
	if err != nil {
		return err
	}
	for _, r := range rooms {
		guildIDs[r.GuildID] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)
	for guildID := range guildIDs {
		g.Go(
			func() error {
				if e := c.Reconcile(gctx, guildID); e != nil {
					logger.ErrorContext(gctx, "error reconciling guild", "guild_id", guildID, tint.Err(e))
					return fmt.Errorf("guild %s: %w", guildID, e)
				}
				return nil
			},
		)
	}
	return g.Wait()
}

// Reconcile checks a guild's private room channels and rooms against
// the platform. Missing config channels disable private rooms. Rooms
// whose voice channel is gone or empty are torn down, rooms whose
// owner left are transferred, and references to missing move and
// text channels are cleared.
func (c *Controller) Reconcile(ctx context.Context, guildID string) error {
	logger := contextLoggerOr(ctx, c.logger).With("guild_id", guildID)

	cfg, err := c.db.GuildConfig(ctx, guildID)
	switch {
	case err == nil:
		for _, channelID := range []string{cfg.CategoryID, cfg.CreationChannelID, cfg.SettingsChannelID} {
			_, chErr := c.platform.Channel(ctx, channelID)
			if errors.Is(chErr, ErrChannelGone) {
				logger.WarnContext(
					ctx, "private rooms channel missing, disabling private rooms",
					"channel_id", channelID,
				)
				return ignoreDisabled(c.DisablePrivateRooms(ctx, guildID))
			}
			if chErr != nil {
				return chErr
			}
		}
	case errors.Is(err, ErrNotFound):
		cfg = nil
	default:
		return err
	}

	rooms, err := c.rooms.List(ctx, guildID)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range rooms {
		if e := c.reconcileRoom(ctx, r.ID, cfg); e != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", r.ID, e))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) reconcileRoom(ctx context.Context, roomID string, cfg *GuildConfig) error {
	unlock := c.locks.Lock(roomLockKey(roomID))
	defer unlock()

	room, err := c.rooms.Get(ctx, roomID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	logger := contextLoggerOr(ctx, c.logger).With("room", room)

	if _, err = c.platform.Channel(ctx, room.VoiceChannelID); errors.Is(err, ErrChannelGone) {
		logger.InfoContext(ctx, "voice channel missing")
		return c.teardown(ctx, *room, cfg)
	} else if err != nil {
		return err
	}

	members, err := c.platform.VoiceMembers(ctx, room.GuildID, room.VoiceChannelID)
	if err != nil {
		return err
	}
	ownerPresent := false
	humans := 0
	for _, m := range members {
		if m.Bot {
			continue
		}
		humans++
		if m.UserID == room.OwnerID {
			ownerPresent = true
		}
	}
	if humans == 0 {
		logger.InfoContext(ctx, "room is empty")
		return c.teardown(ctx, *room, cfg)
	}

	if !ownerPresent {
		successor, ok, chooseErr := c.chooseSuccessor(ctx, room, members)
		if chooseErr != nil {
			return chooseErr
		}
		if !ok {
			return c.teardown(ctx, *room, cfg)
		}
		transferCfg := cfg
		if transferCfg == nil {
			transferCfg = &GuildConfig{GuildID: room.GuildID}
		}
		if err = c.transfer(ctx, room, transferCfg, successor); err != nil {
			return err
		}
	}

	switch {
	case room.MoveChannelID != "":
		if _, err = c.platform.Channel(ctx, room.MoveChannelID); errors.Is(err, ErrChannelGone) {
			logger.InfoContext(ctx, "move channel missing, unlocking")
			if err = c.clearLock(ctx, room); err != nil {
				return err
			}
			err = ignoreGone(
				c.platform.ApplyOverlays(ctx, defaultRoleOverlay(*room, room.VoiceChannelID, ChannelVoice)),
			)
		}
		if err != nil {
			return err
		}
	case room.Settings.Locked:
		// locked without a move channel can't be entered at all
		if err = c.clearLock(ctx, room); err != nil {
			return err
		}
		if err = ignoreGone(
			c.platform.ApplyOverlays(ctx, defaultRoleOverlay(*room, room.VoiceChannelID, ChannelVoice)),
		); err != nil {
			return err
		}
	}

	if room.TextChannelID != "" {
		if _, err = c.platform.Channel(ctx, room.TextChannelID); errors.Is(err, ErrChannelGone) {
			logger.InfoContext(ctx, "text channel missing")
			return c.db.UpdateRoom(ctx, room.ID, map[string]any{columnTextChannelID: ""}, nil)
		}
		return err
	}
	return nil
}

func ignoreDisabled(err error) error {
	if errors.Is(err, ErrPrivateRoomsDisabled) {
		return nil
	}
	return err
}
