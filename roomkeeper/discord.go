package roomkeeper

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
)

const (
	discordMaxChannelNameLength = 100

	// discordErrCodeUnknownOverwrite is returned when deleting an
	// overwrite that doesn't exist
	discordErrCodeUnknownOverwrite = 10009
)

// Discord is the discord integration: it owns the session, registers
// commands, and implements [Platform] for the room controller.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession creates the discordgo session. State tracking is required,
// as room membership and game activity are read from cached voice
// states and presences.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := &DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = true
	disc.State.TrackVoice = true
	disc.State.TrackPresences = true
	disc.State.TrackMembers = true
	disc.State.TrackChannels = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}
	return session, nil
}

func (d *Discord) requestOptions(ctx context.Context) []discordgo.RequestOption {
	return []discordgo.RequestOption{discordgo.WithContext(ctx)}
}

func (d *Discord) CreateChannel(
	ctx context.Context,
	guildID string,
	spec ChannelSpec,
) (string, error) {
	ch, err := d.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name:                 truncate(spec.Name, discordMaxChannelNameLength),
			Type:                 spec.Type,
			ParentID:             spec.ParentID,
			UserLimit:            spec.UserLimit,
			Position:             spec.Position,
			PermissionOverwrites: permissionOverwrites(spec.Overlays),
		},
		d.requestOptions(ctx)...,
	)
	if err != nil {
		return "", channelGone(err)
	}
	d.logger.DebugContext(
		ctx,
		"created channel",
		"guild_id", guildID,
		"channel_id", ch.ID,
		"name", ch.Name,
		"type", spec.Type,
	)
	return ch.ID, nil
}

func (d *Discord) DeleteChannel(ctx context.Context, channelID string) error {
	if channelID == "" {
		return nil
	}
	_, err := d.session.ChannelDelete(channelID, d.requestOptions(ctx)...)
	return channelGone(err)
}

func (d *Discord) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	if channelID == "" {
		return nil, ErrChannelGone
	}
	ch, err := d.session.Channel(channelID, d.requestOptions(ctx)...)
	return ch, channelGone(err)
}

func (d *Discord) RenameChannel(ctx context.Context, channelID string, name string) error {
	_, err := d.session.ChannelEdit(
		channelID,
		&discordgo.ChannelEdit{Name: truncate(name, discordMaxChannelNameLength)},
		d.requestOptions(ctx)...,
	)
	return channelGone(err)
}

func (d *Discord) SetUserLimit(ctx context.Context, channelID string, limit int) error {
	return channelGone(
		d.session.ChannelUserLimitEdit(channelID, limit, d.requestOptions(ctx)...),
	)
}

func (d *Discord) ApplyOverlays(ctx context.Context, overlays ...Overlay) error {
	var errs []error
	for _, o := range resolveOverlays(overlays) {
		if o.ChannelID == "" || o.TargetID == "" {
			continue
		}
		var err error
		if o.Inherit {
			err = d.session.ChannelPermissionDelete(
				o.ChannelID,
				o.TargetID,
				d.requestOptions(ctx)...,
			)
			var restErr *discordgo.RESTError
			if errors.As(err, &restErr) && restErr.Message != nil &&
				restErr.Message.Code == discordErrCodeUnknownOverwrite {
				err = nil
			}
		} else {
			err = d.session.ChannelPermissionSet(
				o.ChannelID,
				o.TargetID,
				o.TargetType,
				o.Allow,
				o.Deny,
				d.requestOptions(ctx)...,
			)
		}
		if err != nil {
			errs = append(
				errs,
				fmt.Errorf(
					"overlay channel=%s target=%s: %w",
					o.ChannelID, o.TargetID, channelGone(err),
				),
			)
		}
	}
	return errors.Join(errs...)
}

func (d *Discord) MemberOverwrite(
	ctx context.Context,
	channelID string,
	userID string,
) (*discordgo.PermissionOverwrite, error) {
	ch, err := d.Channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	for _, o := range ch.PermissionOverwrites {
		if o.ID == userID && o.Type == discordgo.PermissionOverwriteTypeMember {
			ow := *o
			return &ow, nil
		}
	}
	return nil, nil
}

func (d *Discord) MoveMember(ctx context.Context, guildID, userID, channelID string) error {
	return channelGone(
		d.session.GuildMemberMove(guildID, userID, &channelID, d.requestOptions(ctx)...),
	)
}

func (d *Discord) VoiceMembers(
	ctx context.Context,
	guildID string,
	channelID string,
) ([]Member, error) {
	var members []Member
	for _, vs := range d.session.GuildVoiceStates(guildID) {
		if vs.ChannelID != channelID {
			continue
		}
		m, err := d.Member(ctx, guildID, vs.UserID)
		if err != nil {
			return members, fmt.Errorf("error getting member %s: %w", vs.UserID, err)
		}
		members = append(members, m)
	}
	return members, nil
}

func (d *Discord) Member(ctx context.Context, guildID, userID string) (Member, error) {
	dm, err := d.session.GuildMember(guildID, userID, d.requestOptions(ctx)...)
	if err != nil {
		return Member{UserID: userID}, err
	}
	m := newMember(dm)
	if presence, e := d.session.Presence(guildID, userID); e == nil {
		m.Game = presenceGame(presence)
	}
	return m, nil
}

func (d *Discord) SendEmbed(
	ctx context.Context,
	channelID string,
	embed *discordgo.MessageEmbed,
	reactions ...string,
) (string, error) {
	msg, err := d.session.ChannelMessageSendEmbed(channelID, embed, d.requestOptions(ctx)...)
	if err != nil {
		return "", channelGone(err)
	}
	for _, r := range reactions {
		if e := d.session.MessageReactionAdd(
			channelID,
			msg.ID,
			r,
			d.requestOptions(ctx)...,
		); e != nil {
			return msg.ID, fmt.Errorf("error adding reaction %s: %w", r, e)
		}
	}
	return msg.ID, nil
}

func (d *Discord) SendDirectEmbed(
	ctx context.Context,
	userID string,
	embed *discordgo.MessageEmbed,
) error {
	ch, err := d.session.UserChannelCreate(userID, d.requestOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("error creating DM channel: %w", err)
	}
	_, err = d.session.ChannelMessageSendEmbed(ch.ID, embed, d.requestOptions(ctx)...)
	return err
}

func (d *Discord) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return channelGone(
		d.session.ChannelMessageDelete(channelID, messageID, d.requestOptions(ctx)...),
	)
}

func (d *Discord) RemoveReaction(
	ctx context.Context,
	channelID string,
	messageID string,
	emoji string,
	userID string,
) error {
	return channelGone(
		d.session.MessageReactionRemove(
			channelID,
			messageID,
			emoji,
			userID,
			d.requestOptions(ctx)...,
		),
	)
}

// newMember converts a discordgo member, preferring the guild nickname,
// then the global name, then the username
func newMember(dm *discordgo.Member) Member {
	m := Member{}
	if dm == nil || dm.User == nil {
		return m
	}
	m.UserID = dm.User.ID
	m.Bot = dm.User.Bot
	switch {
	case dm.Nick != "":
		m.Name = dm.Nick
	case dm.User.GlobalName != "":
		m.Name = dm.User.GlobalName
	default:
		m.Name = dm.User.Username
	}
	return m
}

// presenceGame returns the name of the first game activity in the
// presence, if any
func presenceGame(p *discordgo.Presence) string {
	if p == nil {
		return ""
	}
	for _, a := range p.Activities {
		if a != nil && a.Type == discordgo.ActivityTypeGame && a.Name != "" {
			return a.Name
		}
	}
	return ""
}

// DiscordSessionHandler is the subset of discordgo.Session used by the
// bot, so it can be swapped out in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		edit *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	ChannelMessageSend(
		channelID string,
		message string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emoji string, options ...discordgo.RequestOption) error
	MessageReactionRemove(
		channelID, messageID, emoji, userID string,
		options ...discordgo.RequestOption,
	) error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	GuildChannelCreateComplex(
		guildID string,
		data discordgo.GuildChannelCreateData,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelEdit(
		channelID string,
		data *discordgo.ChannelEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelUserLimitEdit sets a voice channel's user limit, where 0
	// means unlimited
	ChannelUserLimitEdit(channelID string, limit int, options ...discordgo.RequestOption) error
	ChannelPermissionSet(
		channelID, targetID string,
		targetType discordgo.PermissionOverwriteType,
		allow, deny int64,
		options ...discordgo.RequestOption,
	) error
	ChannelPermissionDelete(channelID, targetID string, options ...discordgo.RequestOption) error
	GuildMemberMove(
		guildID string,
		userID string,
		channelID *string,
		options ...discordgo.RequestOption,
	) error

	// Channel returns the channel from the state cache, falling back
	// to the API
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	// GuildMember returns the member from the state cache, falling back
	// to the API
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)

	// GuildVoiceStates returns the cached voice states of the guild
	GuildVoiceStates(guildID string) []*discordgo.VoiceState

	// Presence returns the member's cached presence
	Presence(guildID, userID string) (*discordgo.Presence, error)

	// BotUserID is the bot's own user ID, once connected
	BotUserID() string

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d *DiscordSession) Open() error {
	return d.session.Open()
}

func (d *DiscordSession) Close() error {
	return d.session.Close()
}

func (d *DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d *DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d *DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d *DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	edit *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, edit, options...)
}

func (d *DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d *DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, options...)
}

func (d *DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendEmbed(channelID, embed, options...)
}

func (d *DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d *DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emoji string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emoji, options...)
}

func (d *DiscordSession) MessageReactionRemove(
	channelID string,
	messageID string,
	emoji string,
	userID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionRemove(channelID, messageID, emoji, userID, options...)
}

func (d *DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d *DiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.GuildChannelCreateComplex(guildID, data, options...)
}

func (d *DiscordSession) ChannelDelete(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelDelete(channelID, options...)
}

func (d *DiscordSession) ChannelEdit(
	channelID string,
	data *discordgo.ChannelEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelEdit(channelID, data, options...)
}

// ChannelUserLimitEdit patches user_limit directly, as ChannelEdit
// omits a zero limit
func (d *DiscordSession) ChannelUserLimitEdit(
	channelID string,
	limit int,
	options ...discordgo.RequestOption,
) error {
	endpoint := discordgo.EndpointChannel(channelID)
	_, err := d.session.RequestWithBucketID(
		http.MethodPatch,
		endpoint,
		map[string]int{"user_limit": limit},
		endpoint,
		options...,
	)
	return err
}

func (d *DiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionSet(channelID, targetID, targetType, allow, deny, options...)
}

func (d *DiscordSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionDelete(channelID, targetID, options...)
}

func (d *DiscordSession) GuildMemberMove(
	guildID string,
	userID string,
	channelID *string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberMove(guildID, userID, channelID, options...)
}

func (d *DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if ch, err := d.session.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return d.session.Channel(channelID, options...)
}

func (d *DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	if m, err := d.session.State.Member(guildID, userID); err == nil {
		return m, nil
	}
	return d.session.GuildMember(guildID, userID, options...)
}

func (d *DiscordSession) GuildVoiceStates(guildID string) []*discordgo.VoiceState {
	g, err := d.session.State.Guild(guildID)
	if err != nil {
		return nil
	}
	d.session.State.RLock()
	defer d.session.State.RUnlock()
	states := make([]*discordgo.VoiceState, 0, len(g.VoiceStates))
	for _, vs := range g.VoiceStates {
		v := *vs
		states = append(states, &v)
	}
	return states
}

func (d *DiscordSession) Presence(guildID, userID string) (*discordgo.Presence, error) {
	return d.session.State.Presence(guildID, userID)
}

func (d *DiscordSession) BotUserID() string {
	if d.session.State == nil || d.session.State.User == nil {
		return ""
	}
	return d.session.State.User.ID
}

func (d *DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d *DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("unknown log level: %s", lvl)
	}
	return nil
}
