//nolint:lll // struct tags can't be split
package roomkeeper

import (
	"log/slog"
	"strings"
)

const (
	// MaxRoomNameLength is the longest custom room name accepted
	MaxRoomNameLength = 20
	MaxUserLimit      = 99

	roomIDLength = 5

	// ownerPlaceholder is replaced by the owner's display name in
	// GuildConfig.DefaultName
	ownerPlaceholder = "<owner>"

	DefaultRoomName            = ownerPlaceholder + "'s Room"
	DefaultCategoryName        = "PRIVATE ROOMS"
	DefaultCreationChannelName = "➕ Private Room"
	DefaultSettingsChannelName = "settings"
	moveChannelName            = "↑ Waiting for move ↑"
)

var (
	columnGuildID        = "guild_id"
	columnOwnerID        = "owner_id"
	columnUserID         = "user_id"
	columnChannelID      = "channel_id"
	columnRoomID         = "room_id"
	columnResponse       = "response"
	columnVoiceChannelID = "voice_channel_id"
	columnTextChannelID  = "text_channel_id"
	columnMoveChannelID  = "move_channel_id"
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// Guild is a guild the bot is a member of. Everything else is owned by
// a Guild, and removed with it.
type Guild struct {
	ID   string `gorm:"primaryKey" json:"id"`
	Name string `json:"name"`
	ModelUnixTime
}

// GuildConfig holds a guild's private room channels, the defaults new
// rooms are seeded with, and the settings members are allowed to change.
// A guild has private rooms enabled iff it has a GuildConfig.
type GuildConfig struct {
	GuildID string `gorm:"primaryKey" json:"guild_id"`

	CategoryID        string `json:"category_id" gorm:"not null"`
	CreationChannelID string `json:"creation_channel_id" gorm:"not null;index"`
	SettingsChannelID string `json:"settings_channel_id" gorm:"not null;index"`

	DefaultName         string `json:"default_name" gorm:"not null" binding:"min=1,max=100"`
	DefaultUserLimit    int    `json:"default_user_limit" binding:"min=0,max=99"`
	DefaultLocked       bool   `json:"default_locked"`
	DefaultHidden       bool   `json:"default_hidden"`
	DefaultGameActivity bool   `json:"default_game_activity"`

	// TextChannels pairs each new room with a text channel
	TextChannels bool `json:"text_channels"`

	AllowName       bool `json:"allow_name" gorm:"not null;default:true"`
	AllowPrivacy    bool `json:"allow_privacy" gorm:"not null;default:true"`
	AllowLimit      bool `json:"allow_limit" gorm:"not null;default:true"`
	AllowVisibility bool `json:"allow_visibility" gorm:"not null;default:true"`

	ModelUnixTime
}

func newGuildConfig(guildID string) GuildConfig {
	return GuildConfig{
		GuildID:         guildID,
		DefaultName:     DefaultRoomName,
		AllowName:       true,
		AllowPrivacy:    true,
		AllowLimit:      true,
		AllowVisibility: true,
	}
}

// renderName substitutes the owner's display name into DefaultName
func (g GuildConfig) renderName(ownerName string) string {
	name := g.DefaultName
	if name == "" {
		name = DefaultRoomName
	}
	return strings.ReplaceAll(name, ownerPlaceholder, ownerName)
}

// allows reports whether members may change the setting behind panel
func (g GuildConfig) allows(panel SettingsPanel) bool {
	switch panel {
	case PanelName:
		return g.AllowName
	case PanelPrivacy:
		return g.AllowPrivacy
	case PanelLimit:
		return g.AllowLimit
	case PanelVisibility:
		return g.AllowVisibility
	default:
		return true
	}
}

// GuildConfigUpdate is a partial update to a GuildConfig's defaults
// and toggles
type GuildConfigUpdate struct {
	DefaultName         *string `json:"default_name,omitempty" binding:"omitnil,min=1,max=100"`
	DefaultUserLimit    *int    `json:"default_user_limit,omitempty" binding:"omitnil,min=0,max=99"`
	DefaultLocked       *bool   `json:"default_locked,omitempty"`
	DefaultHidden       *bool   `json:"default_hidden,omitempty"`
	DefaultGameActivity *bool   `json:"default_game_activity,omitempty"`
	TextChannels        *bool   `json:"text_channels,omitempty"`
	AllowName           *bool   `json:"allow_name,omitempty"`
	AllowPrivacy        *bool   `json:"allow_privacy,omitempty"`
	AllowLimit          *bool   `json:"allow_limit,omitempty"`
	AllowVisibility     *bool   `json:"allow_visibility,omitempty"`
}

// columns returns the changed columns, keyed by column name
func (u GuildConfigUpdate) columns() map[string]any {
	m := map[string]any{}
	if u.DefaultName != nil {
		m["default_name"] = *u.DefaultName
	}
	if u.DefaultUserLimit != nil {
		m["default_user_limit"] = *u.DefaultUserLimit
	}
	if u.DefaultLocked != nil {
		m["default_locked"] = *u.DefaultLocked
	}
	if u.DefaultHidden != nil {
		m["default_hidden"] = *u.DefaultHidden
	}
	if u.DefaultGameActivity != nil {
		m["default_game_activity"] = *u.DefaultGameActivity
	}
	if u.TextChannels != nil {
		m["text_channels"] = *u.TextChannels
	}
	if u.AllowName != nil {
		m["allow_name"] = *u.AllowName
	}
	if u.AllowPrivacy != nil {
		m["allow_privacy"] = *u.AllowPrivacy
	}
	if u.AllowLimit != nil {
		m["allow_limit"] = *u.AllowLimit
	}
	if u.AllowVisibility != nil {
		m["allow_visibility"] = *u.AllowVisibility
	}
	return m
}

type StaffRoleKind string

const (
	StaffRoleAdmin     StaffRoleKind = "admin"
	StaffRoleModerator StaffRoleKind = "moderator"
)

// StaffRole is a role that can always see and join private rooms
type StaffRole struct {
	ModelUintID
	GuildID string        `json:"guild_id" gorm:"not null;uniqueIndex:idx_staff_role"`
	RoleID  string        `json:"role_id" gorm:"not null;uniqueIndex:idx_staff_role"`
	Kind    StaffRoleKind `json:"kind" gorm:"type:string;not null" binding:"oneof=admin moderator"`
	ModelUnixTime
}

// Room is a private voice room. Platform channels referenced by a Room
// are created and deleted by the Controller, never by the registry.
type Room struct {
	ID      string `gorm:"primaryKey;size:5" json:"id"`
	GuildID string `json:"guild_id" gorm:"not null;uniqueIndex:idx_room_owner"`
	OwnerID string `json:"owner_id" gorm:"not null;uniqueIndex:idx_room_owner"`

	VoiceChannelID string `json:"voice_channel_id" gorm:"not null;uniqueIndex"`

	// TextChannelID is empty when the room has no paired text channel
	TextChannelID string `json:"text_channel_id,omitempty" gorm:"index"`

	// MoveChannelID is set iff the room is locked
	MoveChannelID string `json:"move_channel_id,omitempty" gorm:"index"`

	// Name is the last name applied to the voice channel
	Name string `json:"name"`

	Settings RoomSettings `json:"settings" gorm:"foreignKey:RoomID;constraint:OnDelete:CASCADE"`

	ModelUnixTime
}

func (r Room) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", r.ID),
		slog.String("guild_id", r.GuildID),
		slog.String("owner_id", r.OwnerID),
		slog.String("voice_channel_id", r.VoiceChannelID),
		slog.Bool("locked", r.Settings.Locked),
		slog.Bool("hidden", r.Settings.Hidden),
	)
}

// Locked reports whether the room is locked, which is true iff it
// has a move channel
func (r Room) Locked() bool {
	return r.MoveChannelID != ""
}

// RoomSettings is the member-adjustable state of a Room
type RoomSettings struct {
	RoomID       string `gorm:"primaryKey;size:5" json:"room_id"`
	CustomName   string `json:"custom_name,omitempty" binding:"max=20"`
	Locked       bool   `json:"locked"`
	Hidden       bool   `json:"hidden"`
	UserLimit    int    `json:"user_limit" binding:"min=0,max=99"`
	GameActivity bool   `json:"game_activity"`
}

// RetiredRoomID records the ID of a deleted room, so it's never
// handed out again
type RetiredRoomID struct {
	ID        string `gorm:"primaryKey;size:5" json:"id"`
	GuildID   string `json:"guild_id"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// ChannelKind identifies which of a Room's channels a lookup matches
type ChannelKind string

const (
	ChannelVoice ChannelKind = "voice"
	ChannelText  ChannelKind = "text"
	ChannelMove  ChannelKind = "move"
	ChannelAny   ChannelKind = "any"
)

// PendingResponse correlates a member with a channel they've been asked
// to type a value into. At most one exists per (user, channel).
type PendingResponse struct {
	ID        string  `gorm:"primaryKey" json:"id"`
	GuildID   string  `json:"guild_id" gorm:"not null;index"`
	UserID    string  `json:"user_id" gorm:"not null;uniqueIndex:idx_pending_user_channel"`
	ChannelID string  `json:"channel_id" gorm:"not null;uniqueIndex:idx_pending_user_channel"`
	Response  *string `json:"response"`
	ModelUnixTime
}

// SettingsPanel identifies one of the settings messages posted in a
// guild's settings channel
type SettingsPanel string

const (
	PanelInfo         SettingsPanel = "info"
	PanelName         SettingsPanel = "name"
	PanelPrivacy      SettingsPanel = "privacy"
	PanelLimit        SettingsPanel = "limit"
	PanelVisibility   SettingsPanel = "visibility"
	PanelGameActivity SettingsPanel = "game_activity"
)

// SettingsMessage is a settings panel message members react to
type SettingsMessage struct {
	MessageID string        `gorm:"primaryKey" json:"message_id"`
	GuildID   string        `json:"guild_id" gorm:"not null;index"`
	ChannelID string        `json:"channel_id" gorm:"not null"`
	Panel     SettingsPanel `json:"panel" gorm:"type:string;not null"`
	ModelUnixTime
}

// InteractionLog records each slash command interaction received
type InteractionLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"`
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Type          string                          `json:"type" gorm:"type:string"`
	Command       string                          `json:"command" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"index"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	Error         string                          `json:"error,omitempty" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// guildOwnedModels are deleted with their guild, in this order
var guildOwnedModels = []any{
	&PendingResponse{},
	&SettingsMessage{},
	&StaffRole{},
	&GuildConfig{},
}

// allModels is everything migrated by CreateDB
var allModels = []any{
	&Guild{},
	&GuildConfig{},
	&StaffRole{},
	&Room{},
	&RoomSettings{},
	&RetiredRoomID{},
	&PendingResponse{},
	&SettingsMessage{},
	&RuntimeConfig{},
	&InteractionLog{},
}
