package roomkeeper

import (
	"context"
	"github.com/bwmarrin/discordgo"
)

// Platform is the set of chat platform operations the room controller
// needs. Operations on a channel that no longer exists fail with
// ErrChannelGone.
type Platform interface {
	CreateChannel(ctx context.Context, guildID string, spec ChannelSpec) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	RenameChannel(ctx context.Context, channelID string, name string) error
	SetUserLimit(ctx context.Context, channelID string, limit int) error

	// ApplyOverlays sets, or for Inherit overlays removes, permission
	// overwrites. Overlays addressing the same target on the same channel
	// are resolved by layer first.
	ApplyOverlays(ctx context.Context, overlays ...Overlay) error

	// MemberOverwrite returns the member's current overwrite on the
	// channel, or nil if there isn't one
	MemberOverwrite(ctx context.Context, channelID, userID string) (*discordgo.PermissionOverwrite, error)

	MoveMember(ctx context.Context, guildID, userID, channelID string) error

	// VoiceMembers returns the members currently connected to the channel
	VoiceMembers(ctx context.Context, guildID, channelID string) ([]Member, error)
	Member(ctx context.Context, guildID, userID string) (Member, error)

	SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed, reactions ...string) (string, error)
	SendDirectEmbed(ctx context.Context, userID string, embed *discordgo.MessageEmbed) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	RemoveReaction(ctx context.Context, channelID, messageID, emoji, userID string) error
}

// ChannelSpec describes a channel to create
type ChannelSpec struct {
	Name      string
	Type      discordgo.ChannelType
	ParentID  string
	UserLimit int
	Position  int
	Overlays  []Overlay
}
