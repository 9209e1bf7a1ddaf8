package roomkeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
)

const (
	DiscordSlashCommandPrivateRooms = "privaterooms"
	DiscordSlashCommandStaffRole    = "staffrole"
	DiscordSlashCommandRoom         = "room"
)

var (
	manageGuildPermission int64 = discordgo.PermissionManageServer
	noDMs                       = false
	minUserLimit                = float64(0)
)

// slashCommands returns the application commands registered by the bot
func slashCommands() []*discordgo.ApplicationCommand {
	boolOption := func(name, description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionBoolean,
			Name:        name,
			Description: description,
		}
	}
	roleOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionRole,
		Name:        "role",
		Description: "The role",
		Required:    true,
	}
	limitOption := func(name, description string, required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        name,
			Description: description,
			Required:    required,
			MinValue:    &minUserLimit,
			MaxValue:    MaxUserLimit,
		}
	}
	subcommand := func(
		name, description string,
		options ...*discordgo.ApplicationCommandOption,
	) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        name,
			Description: description,
			Options:     options,
		}
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:                     DiscordSlashCommandPrivateRooms,
			Description:              "Manage private voice rooms",
			DefaultMemberPermissions: &manageGuildPermission,
			DMPermission:             &noDMs,
			Options: []*discordgo.ApplicationCommandOption{
				subcommand(
					"enable", "Enable private rooms",
					boolOption("text_channels", "Pair each room with a text channel"),
				),
				subcommand("disable", "Disable private rooms"),
				subcommand("status", "Show private room settings"),
				subcommand(
					"defaults", "Change the settings new rooms start with",
					&discordgo.ApplicationCommandOption{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "name",
						Description: "Default room name. " + ownerPlaceholder + " is replaced by the owner's name",
						MaxLength:   discordMaxChannelNameLength,
					},
					limitOption("limit", "Default user limit (0 for unlimited)", false),
					boolOption("locked", "Lock new rooms"),
					boolOption("hidden", "Hide new rooms"),
					boolOption("game_activity", "Name new rooms after the game being played"),
					boolOption("text_channels", "Pair each room with a text channel"),
					boolOption("allow_name", "Let owners rename their room"),
					boolOption("allow_privacy", "Let owners lock their room"),
					boolOption("allow_limit", "Let owners set a user limit"),
					boolOption("allow_visibility", "Let owners hide their room"),
				),
			},
		},
		{
			Name:                     DiscordSlashCommandStaffRole,
			Description:              "Manage roles that can always see and join private rooms",
			DefaultMemberPermissions: &manageGuildPermission,
			DMPermission:             &noDMs,
			Options: []*discordgo.ApplicationCommandOption{
				subcommand(
					"add", "Add a staff role",
					roleOption,
					&discordgo.ApplicationCommandOption{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "kind",
						Description: "Kind of staff role",
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "moderator", Value: string(StaffRoleModerator)},
							{Name: "admin", Value: string(StaffRoleAdmin)},
						},
					},
				),
				subcommand("remove", "Remove a staff role", roleOption),
				subcommand("list", "List staff roles"),
			},
		},
		{
			Name:         DiscordSlashCommandRoom,
			Description:  "Manage your private room",
			DMPermission: &noDMs,
			Options: []*discordgo.ApplicationCommandOption{
				subcommand("info", "Show your room's settings"),
				subcommand("lock", "Lock or unlock your room"),
				subcommand("hide", "Hide or show your room"),
				subcommand(
					"name", "Rename your room",
					&discordgo.ApplicationCommandOption{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "name",
						Description: "New name. Leave empty to reset it.",
						MaxLength:   MaxRoomNameLength,
					},
				),
				subcommand("limit", "Set your room's user limit", limitOption("limit", "User limit (0 for unlimited)", true)),
				subcommand("reset-limit", "Remove your room's user limit"),
				subcommand("game-activity", "Toggle naming your room after the game being played"),
			},
		},
	}
}

// RegisterSlashCommands overwrites the bot's application commands, in
// the configured guild if there is one, otherwise globally
func (k *RoomKeeper) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return k.discord.session.ApplicationCommandBulkOverwrite(
		k.config.Discord.ApplicationID,
		k.config.Discord.GuildID,
		slashCommands(),
		options...,
	)
}

// RegisterCommandsOnce registers the slash commands without connecting
// to the gateway, creating a REST-only session if there isn't one yet
func (k *RoomKeeper) RegisterCommandsOnce() ([]*discordgo.ApplicationCommand, error) {
	if k.discord.session == nil {
		session, err := k.discord.newSession()
		if err != nil {
			return nil, err
		}
		k.discord.session = session
	}
	return k.RegisterSlashCommands()
}

// InteractionHandler responds to an interaction, however it was received
type InteractionHandler interface {
	// Respond sends the initial response to the interaction
	Respond(ctx context.Context, response *discordgo.InteractionResponse) error

	// Edit modifies the response after it was sent
	Edit(ctx context.Context, edit *discordgo.WebhookEdit) error

	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod is either gateway or webhook
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(ctx context.Context, response *discordgo.InteractionResponse) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
	return err
}

func (w GatewayHandler) Edit(ctx context.Context, edit *discordgo.WebhookEdit) error {
	_, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		edit,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

func (k *RoomKeeper) newGatewayHandler(i *discordgo.InteractionCreate) GatewayHandler {
	return GatewayHandler{
		session:     k.discord.session,
		interaction: i,
		logger:      k.discord.logger,
	}
}

// interactionUser returns the user behind the interaction, which is
// set on Member for guild interactions and User for DMs
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	handler InteractionHandler,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}
	interactionLog := &InteractionLog{
		Method:        handler.InteractionReceiveMethod(),
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		interactionLog.Command = commandPath(i.ApplicationCommandData())
	}
	return interactionLog, nil
}

// commandPath is the command name followed by its subcommand
func commandPath(data discordgo.ApplicationCommandInteractionData) string {
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Name + " " + data.Options[0].Name
	}
	return data.Name
}

// handleInteraction logs the interaction, then responds to it. Slash
// commands are acknowledged immediately with a deferred ephemeral
// response, and run in the background, as some take longer than
// discord waits for a response.
func (k *RoomKeeper) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	user := interactionUser(i)
	if user == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received interaction", "user_id", user.ID)

	interactionLog, err := newInteractionLog(i, user, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}

	if user.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		k.saveInteractionLog(ctx, interactionLog, nil)
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
		k.saveInteractionLog(ctx, interactionLog, nil)
	case discordgo.InteractionApplicationCommand:
		if err = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
			},
		); err != nil {
			k.saveInteractionLog(ctx, interactionLog, err)
			return
		}

		k.interactionWG.Add(1)
		go func() {
			defer k.interactionWG.Done()
			defer func() {
				handleRecover(ctx, recover())
			}()
			edit, cmdErr := k.runCommand(ctx, i, user)
			if cmdErr != nil {
				edit = k.commandErrorResponse(ctx, cmdErr)
			}
			_ = handler.Edit(context.WithoutCancel(ctx), edit)
			k.saveInteractionLog(ctx, interactionLog, cmdErr)
		}()
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
		k.saveInteractionLog(ctx, interactionLog, nil)
	}
}

func (k *RoomKeeper) saveInteractionLog(ctx context.Context, interactionLog *InteractionLog, err error) {
	if interactionLog == nil {
		return
	}
	if err != nil {
		interactionLog.Error = err.Error()
	}
	if _, createErr := k.db.Create(context.WithoutCancel(ctx), interactionLog); createErr != nil {
		contextLoggerOr(ctx, k.logger).ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
	}
}

// userFacingErrors are shown to the member as-is. Anything else gets
// the configured generic error message.
var userFacingErrors = []error{
	ErrNotOwner,
	ErrNotFound,
	ErrAlreadyOwnsRoom,
	ErrPrivateRoomsDisabled,
	ErrPrivateRoomsEnabled,
	ErrSettingDisabled,
	ErrInvalidName,
	ErrInvalidLimit,
	errGuildOnly,
}

var errGuildOnly = errors.New("this command can only be used in a server")

func (k *RoomKeeper) commandErrorResponse(ctx context.Context, err error) *discordgo.WebhookEdit {
	for _, e := range userFacingErrors {
		if errors.Is(err, e) {
			content := capitalize(e.Error())
			return &discordgo.WebhookEdit{Content: &content}
		}
	}
	contextLoggerOr(ctx, k.logger).ErrorContext(ctx, "error running command", tint.Err(err))
	content := k.config.Discord.ErrorMessage
	if content == "" {
		content = DefaultDiscordErrorMessage
	}
	return &discordgo.WebhookEdit{Content: &content}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func textResponse(format string, args ...any) *discordgo.WebhookEdit {
	content := fmt.Sprintf(format, args...)
	return &discordgo.WebhookEdit{Content: &content}
}

func embedResponse(embed *discordgo.MessageEmbed) *discordgo.WebhookEdit {
	return &discordgo.WebhookEdit{Embeds: &[]*discordgo.MessageEmbed{embed}}
}

// runCommand runs a slash command, returning the response to show
func (k *RoomKeeper) runCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (*discordgo.WebhookEdit, error) {
	if i.GuildID == "" {
		return nil, errGuildOnly
	}
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return nil, fmt.Errorf("missing subcommand for %q", data.Name)
	}
	sub := data.Options[0]
	opts := discordInteractionOptions(sub.Options)

	switch data.Name {
	case DiscordSlashCommandPrivateRooms:
		return k.runPrivateRoomsCommand(ctx, i.GuildID, sub.Name, opts)
	case DiscordSlashCommandStaffRole:
		return k.runStaffRoleCommand(ctx, i.GuildID, sub.Name, opts)
	case DiscordSlashCommandRoom:
		return k.runRoomCommand(ctx, i.GuildID, user.ID, sub.Name, opts)
	}
	return nil, fmt.Errorf("unknown command %q", data.Name)
}

type commandOptions map[string]*discordgo.ApplicationCommandInteractionDataOption

func (k *RoomKeeper) runPrivateRoomsCommand(
	ctx context.Context,
	guildID string,
	subcommand string,
	opts commandOptions,
) (*discordgo.WebhookEdit, error) {
	c := k.controller
	switch subcommand {
	case "enable":
		textChannels := false
		if o, ok := opts["text_channels"]; ok {
			textChannels = o.BoolValue()
		}
		cfg, err := c.EnablePrivateRooms(ctx, guildID, textChannels)
		if err != nil {
			return nil, err
		}
		return textResponse(
			"Private rooms enabled. Join <#%s> to create a room.",
			cfg.CreationChannelID,
		), nil
	case "disable":
		if err := c.DisablePrivateRooms(ctx, guildID); err != nil {
			return nil, err
		}
		return textResponse("Private rooms disabled."), nil
	case "status":
		cfg, err := k.db.GuildConfig(ctx, guildID)
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPrivateRoomsDisabled
		}
		if err != nil {
			return nil, err
		}
		rooms, err := c.rooms.List(ctx, guildID)
		if err != nil {
			return nil, err
		}
		return embedResponse(guildConfigEmbed(*cfg, len(rooms))), nil
	case "defaults":
		update := GuildConfigUpdate{}
		if o, ok := opts["name"]; ok {
			v := o.StringValue()
			update.DefaultName = &v
		}
		if o, ok := opts["limit"]; ok {
			v := int(o.IntValue())
			update.DefaultUserLimit = &v
		}
		boolOpts := map[string]**bool{
			"locked":           &update.DefaultLocked,
			"hidden":           &update.DefaultHidden,
			"game_activity":    &update.DefaultGameActivity,
			"text_channels":    &update.TextChannels,
			"allow_name":       &update.AllowName,
			"allow_privacy":    &update.AllowPrivacy,
			"allow_limit":      &update.AllowLimit,
			"allow_visibility": &update.AllowVisibility,
		}
		for name, field := range boolOpts {
			if o, ok := opts[name]; ok {
				v := o.BoolValue()
				*field = &v
			}
		}
		if err := structValidator.Struct(update); err != nil {
			return textResponse("Invalid settings: %s", err.Error()), nil
		}
		cfg, err := c.UpdateGuildConfig(ctx, guildID, update)
		if err != nil {
			return nil, err
		}
		rooms, err := c.rooms.List(ctx, guildID)
		if err != nil {
			return nil, err
		}
		return embedResponse(guildConfigEmbed(*cfg, len(rooms))), nil
	}
	return nil, fmt.Errorf("unknown subcommand %q", subcommand)
}

func (k *RoomKeeper) runStaffRoleCommand(
	ctx context.Context,
	guildID string,
	subcommand string,
	opts commandOptions,
) (*discordgo.WebhookEdit, error) {
	c := k.controller
	roleID := ""
	if o, ok := opts["role"]; ok {
		roleID = o.RoleValue(nil, guildID).ID
	}
	switch subcommand {
	case "add":
		kind := StaffRoleModerator
		if o, ok := opts["kind"]; ok {
			kind = StaffRoleKind(o.StringValue())
		}
		if err := c.AddStaffRole(ctx, guildID, roleID, kind); err != nil {
			return nil, err
		}
		return textResponse("<@&%s> added as %s.", roleID, kind), nil
	case "remove":
		removed, err := c.RemoveStaffRole(ctx, guildID, roleID)
		if err != nil {
			return nil, err
		}
		if !removed {
			return textResponse("<@&%s> isn't a staff role.", roleID), nil
		}
		return textResponse("<@&%s> removed.", roleID), nil
	case "list":
		roles, err := c.StaffRoles(ctx, guildID)
		if err != nil {
			return nil, err
		}
		if len(roles) == 0 {
			return textResponse("No staff roles."), nil
		}
		lines := make([]string, 0, len(roles))
		for _, r := range roles {
			lines = append(lines, fmt.Sprintf("<@&%s> (%s)", r.RoleID, r.Kind))
		}
		return textResponse("%s", strings.Join(lines, "\n")), nil
	}
	return nil, fmt.Errorf("unknown subcommand %q", subcommand)
}

func (k *RoomKeeper) runRoomCommand(
	ctx context.Context,
	guildID string,
	userID string,
	subcommand string,
	opts commandOptions,
) (*discordgo.WebhookEdit, error) {
	c := k.controller
	panel := map[string]SettingsPanel{
		"info":          PanelInfo,
		"lock":          PanelPrivacy,
		"hide":          PanelVisibility,
		"name":          PanelName,
		"limit":         PanelLimit,
		"reset-limit":   PanelLimit,
		"game-activity": PanelGameActivity,
	}[subcommand]
	if panel == "" {
		return nil, fmt.Errorf("unknown subcommand %q", subcommand)
	}
	room, _, err := c.OwnedRoom(ctx, guildID, userID, panel)
	if err != nil {
		return nil, err
	}

	switch subcommand {
	case "info":
		return embedResponse(roomInfoEmbed(*room)), nil
	case "lock":
		locked, err := c.ToggleLock(ctx, room.ID)
		if err != nil {
			return nil, err
		}
		return textResponse("Your room is now %s.", onOff(locked, "locked", "unlocked")), nil
	case "hide":
		hidden, err := c.ToggleHide(ctx, room.ID)
		if err != nil {
			return nil, err
		}
		return textResponse("Your room is now %s.", onOff(hidden, "hidden", "visible")), nil
	case "name":
		name := ""
		if o, ok := opts["name"]; ok {
			name = o.StringValue()
		}
		newName, err := c.SetName(ctx, room.ID, name)
		if err != nil {
			return nil, err
		}
		return textResponse("Your room is now named **%s**.", newName), nil
	case "limit":
		limit := 0
		if o, ok := opts["limit"]; ok {
			limit = int(o.IntValue())
		}
		limit, err = c.SetLimit(ctx, room.ID, limit)
		if err != nil {
			return nil, err
		}
		if limit == 0 {
			return textResponse("Your room no longer has a user limit."), nil
		}
		return textResponse("Your room's user limit is now %d.", limit), nil
	case "reset-limit":
		if err = c.ResetLimit(ctx, room.ID); err != nil {
			return nil, err
		}
		return textResponse("Your room no longer has a user limit."), nil
	case "game-activity":
		enabled, err := c.ToggleGameActivity(ctx, room.ID)
		if err != nil {
			return nil, err
		}
		return textResponse("Game activity naming is now %s.", onOff(enabled, "on", "off")), nil
	}
	return nil, fmt.Errorf("unknown subcommand %q", subcommand)
}

func guildConfigEmbed(cfg GuildConfig, activeRooms int) *discordgo.MessageEmbed {
	yesNo := func(b bool) string {
		return onOff(b, "yes", "no")
	}
	limit := "Unlimited"
	if cfg.DefaultUserLimit > 0 {
		limit = fmt.Sprintf("%d", cfg.DefaultUserLimit)
	}
	return &discordgo.MessageEmbed{
		Title: "Private rooms",
		Color: embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Creation channel", Value: "<#" + cfg.CreationChannelID + ">", Inline: true},
			{Name: "Settings channel", Value: "<#" + cfg.SettingsChannelID + ">", Inline: true},
			{Name: "Active rooms", Value: fmt.Sprintf("%d", activeRooms), Inline: true},
			{Name: "Default name", Value: cfg.DefaultName, Inline: true},
			{Name: "Default limit", Value: limit, Inline: true},
			{Name: "Locked", Value: yesNo(cfg.DefaultLocked), Inline: true},
			{Name: "Hidden", Value: yesNo(cfg.DefaultHidden), Inline: true},
			{Name: "Game activity", Value: yesNo(cfg.DefaultGameActivity), Inline: true},
			{Name: "Text channels", Value: yesNo(cfg.TextChannels), Inline: true},
			{
				Name: "Owners may change",
				Value: fmt.Sprintf(
					"name: %s, privacy: %s, limit: %s, visibility: %s",
					yesNo(cfg.AllowName),
					yesNo(cfg.AllowPrivacy),
					yesNo(cfg.AllowLimit),
					yesNo(cfg.AllowVisibility),
				),
			},
		},
	}
}
