package roomkeeper

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
)

// eventHandlers returns the gateway event handlers. Each event is
// handled in its own goroutine tracked by wg, with the room
// controller serializing work on the same room.
func (k *RoomKeeper) eventHandlers(ctx context.Context, wg *sync.WaitGroup) []any {
	logger := k.discord.logger
	run := func(event string, f func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evCtx := WithLogger(ctx, logger.With("event", event))
			defer func() {
				handleRecover(evCtx, recover())
			}()
			if err := f(evCtx); err != nil {
				contextLoggerOr(evCtx, logger).ErrorContext(evCtx, "error handling event", tint.Err(err))
			}
		}()
	}

	return []any{
		k.discord.handlerConnect(),
		k.discord.handlerDisconnect(),
		func(_ *discordgo.Session, r *discordgo.Ready) {
			k.discord.logger.InfoContext(
				ctx, "ready",
				"session_id", r.SessionID,
				"guilds", len(r.Guilds),
			)
			run("ready", k.onReady)
		},
		func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
			run("voice_state_update", func(ctx context.Context) error {
				return k.onVoiceStateUpdate(ctx, v)
			})
		},
		func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			if m.GuildID == "" || m.Author == nil {
				return
			}
			run("message_create", func(ctx context.Context) error {
				_, err := k.controller.HandleMessage(
					ctx, m.ChannelID, m.ID, m.Author.ID, m.Content, m.Author.Bot,
				)
				return err
			})
		},
		func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
			if r.GuildID == "" {
				return
			}
			run("message_reaction_add", func(ctx context.Context) error {
				return k.controller.HandleReaction(ctx, reactionFromEvent(r, k.discord.session.BotUserID()))
			})
		},
		func(_ *discordgo.Session, c *discordgo.ChannelDelete) {
			if c.Channel == nil || c.GuildID == "" {
				return
			}
			run("channel_delete", func(ctx context.Context) error {
				return k.controller.HandleChannelDelete(ctx, c.GuildID, c.ID)
			})
		},
		func(_ *discordgo.Session, g *discordgo.GuildCreate) {
			if g.Guild == nil {
				return
			}
			run("guild_create", func(ctx context.Context) error {
				return k.controller.HandleGuildCreate(ctx, Guild{ID: g.ID, Name: g.Name})
			})
		},
		func(_ *discordgo.Session, g *discordgo.GuildDelete) {
			// unavailable guilds are outages, not removals
			if g.Guild == nil || g.Unavailable {
				return
			}
			run("guild_delete", func(ctx context.Context) error {
				return k.controller.HandleGuildDelete(ctx, g.ID)
			})
		},
		func(_ *discordgo.Session, p *discordgo.PresenceUpdate) {
			if p.User == nil || p.GuildID == "" {
				return
			}
			run("presence_update", func(ctx context.Context) error {
				return k.controller.HandlePresenceUpdate(
					ctx,
					p.GuildID,
					k.memberVoiceChannel(p.GuildID, p.User.ID),
				)
			})
		},
		func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			handler := k.newGatewayHandler(i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				k.handleInteraction(ctx, handler)
			}()
		},
	}
}

// onReady reconciles every guild with what's on the platform, since
// events may have been missed while disconnected
func (k *RoomKeeper) onReady(ctx context.Context) error {
	state := k.RuntimeConfig()
	if state.DiscordCustomStatus != "" {
		if err := k.discord.session.UpdateCustomStatus(state.DiscordCustomStatus); err != nil {
			contextLoggerOr(ctx, k.logger).WarnContext(ctx, "error updating custom status", tint.Err(err))
		}
	}
	return k.controller.ReconcileAll(ctx)
}

func (k *RoomKeeper) onVoiceStateUpdate(ctx context.Context, v *discordgo.VoiceStateUpdate) error {
	if v.VoiceState == nil {
		return nil
	}
	before := ""
	if v.BeforeUpdate != nil {
		before = v.BeforeUpdate.ChannelID
	}
	if before == v.ChannelID {
		return nil
	}

	member, err := k.discord.Member(ctx, v.GuildID, v.UserID)
	if err != nil {
		if v.Member == nil {
			return err
		}
		member = newMember(v.Member)
	}
	contextLoggerOr(ctx, k.logger).DebugContext(
		ctx, "voice state changed",
		slog.Group("member", "id", member.UserID, "name", member.Name),
		"before", before,
		"after", v.ChannelID,
	)
	return k.controller.HandleVoiceStateUpdate(ctx, v.GuildID, member, before, v.ChannelID)
}

// memberVoiceChannel returns the voice channel the member is connected
// to, or an empty string
func (k *RoomKeeper) memberVoiceChannel(guildID, userID string) string {
	for _, vs := range k.discord.session.GuildVoiceStates(guildID) {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

func reactionFromEvent(r *discordgo.MessageReactionAdd, botUserID string) Reaction {
	reaction := Reaction{
		GuildID:   r.GuildID,
		ChannelID: r.ChannelID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Emoji:     r.Emoji.Name,
		Bot:       r.UserID == botUserID,
	}
	if r.Member != nil && r.Member.User != nil && r.Member.User.Bot {
		reaction.Bot = true
	}
	if r.Emoji.ID != "" {
		reaction.Emoji = r.Emoji.APIName()
	}
	return reaction
}

func (d *Discord) handlerConnect() func(*discordgo.Session, *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "user_id", d.session.BotUserID())
	}
}

func (d *Discord) handlerDisconnect() func(*discordgo.Session, *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}
