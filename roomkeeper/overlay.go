package roomkeeper

import (
	"github.com/bwmarrin/discordgo"
)

const (
	permView    = discordgo.PermissionViewChannel
	permConnect = discordgo.PermissionVoiceConnect
	permMove    = discordgo.PermissionVoiceMoveMembers
	permSpeak   = discordgo.PermissionVoiceSpeak
	permSend    = discordgo.PermissionSendMessages
)

// OverlayLayer orders overlays. Later layers win when two overlays
// address the same target on the same channel.
type OverlayLayer int

const (
	LayerStaff OverlayLayer = iota
	LayerDefaultRole
	LayerOwner
	LayerMember
)

// Overlay is a permission overwrite for one role or member on one
// channel. When Inherit is set, any existing overwrite is removed
// instead, and Allow/Deny are ignored.
type Overlay struct {
	ChannelID  string                            `json:"channel_id"`
	TargetID   string                            `json:"target_id"`
	TargetType discordgo.PermissionOverwriteType `json:"target_type"`
	Allow      int64                             `json:"allow"`
	Deny       int64                             `json:"deny"`
	Inherit    bool                              `json:"inherit"`
	Layer      OverlayLayer                      `json:"layer"`
}

// Allows reports whether the overlay explicitly allows perm
func (o Overlay) Allows(perm int64) bool {
	return !o.Inherit && o.Allow&perm == perm
}

// Denies reports whether the overlay explicitly denies perm
func (o Overlay) Denies(perm int64) bool {
	return !o.Inherit && o.Deny&perm == perm
}

func roleOverlay(channelID, roleID string, allow, deny int64, layer OverlayLayer) Overlay {
	return Overlay{
		ChannelID:  channelID,
		TargetID:   roleID,
		TargetType: discordgo.PermissionOverwriteTypeRole,
		Allow:      allow,
		Deny:       deny,
		Inherit:    allow == 0 && deny == 0,
		Layer:      layer,
	}
}

func memberOverlay(channelID, userID string, allow, deny int64, layer OverlayLayer) Overlay {
	return Overlay{
		ChannelID:  channelID,
		TargetID:   userID,
		TargetType: discordgo.PermissionOverwriteTypeMember,
		Allow:      allow,
		Deny:       deny,
		Inherit:    allow == 0 && deny == 0,
		Layer:      layer,
	}
}

// inheritOverlay removes any overwrite for the member on the channel
func inheritOverlay(channelID, userID string) Overlay {
	return memberOverlay(channelID, userID, 0, 0, LayerMember)
}

// staffOverlays lets staff roles see and join a room's channel no matter
// whether it's locked or hidden
func staffOverlays(channelID string, kind ChannelKind, staff []StaffRole) []Overlay {
	var allow int64
	switch kind {
	case ChannelVoice:
		allow = permView | permConnect
	case ChannelText:
		allow = permView | permSend
	default:
		allow = permView
	}
	overlays := make([]Overlay, 0, len(staff))
	for _, s := range staff {
		overlays = append(overlays, roleOverlay(channelID, s.RoleID, allow, 0, LayerStaff))
	}
	return overlays
}

// defaultRoleOverlay computes the @everyone overwrite for one of a room's
// channels. The default role's ID is the guild ID.
func defaultRoleOverlay(room Room, channelID string, kind ChannelKind) Overlay {
	var deny int64
	switch kind {
	case ChannelVoice:
		if room.Settings.Locked {
			deny |= permConnect
		}
		if room.Settings.Hidden {
			deny |= permView
		}
	case ChannelMove:
		deny = permSpeak
		if room.Settings.Hidden {
			deny |= permView
		}
	case ChannelText:
		deny = permView
	}
	return roleOverlay(channelID, room.GuildID, 0, deny, LayerDefaultRole)
}

// ownerOverlays are granted to a room's owner across the room's channels
// and the guild's settings and creation channels. Channels the room
// doesn't have are skipped.
func ownerOverlays(room Room, cfg GuildConfig, ownerID string) []Overlay {
	overlays := []Overlay{
		memberOverlay(room.VoiceChannelID, ownerID, permView|permConnect|permMove, 0, LayerOwner),
	}
	if room.MoveChannelID != "" {
		overlays = append(
			overlays,
			memberOverlay(room.MoveChannelID, ownerID, permMove, permConnect, LayerOwner),
		)
	}
	if room.TextChannelID != "" {
		overlays = append(
			overlays,
			memberOverlay(room.TextChannelID, ownerID, permView|permSend, 0, LayerOwner),
		)
	}
	return append(overlays, guildOwnerOverlays(cfg, ownerID)...)
}

// guildOwnerOverlays let an owner see the settings channel, and keep
// them from joining the creation channel while they own a room
func guildOwnerOverlays(cfg GuildConfig, ownerID string) []Overlay {
	var overlays []Overlay
	if cfg.SettingsChannelID != "" {
		overlays = append(
			overlays,
			memberOverlay(cfg.SettingsChannelID, ownerID, permView, 0, LayerOwner),
		)
	}
	if cfg.CreationChannelID != "" {
		overlays = append(
			overlays,
			memberOverlay(cfg.CreationChannelID, ownerID, 0, permConnect, LayerOwner),
		)
	}
	return overlays
}

func removeGuildOwnerOverlays(cfg GuildConfig, ownerID string) []Overlay {
	return inheritAll(guildOwnerOverlays(cfg, ownerID), ownerID)
}

// removeOwnerOverlays resets every overwrite granted by ownerOverlays to
// inherit. A stale explicit deny would outlive the owner's tenure, so
// these are removed rather than denied.
func removeOwnerOverlays(room Room, cfg GuildConfig, ownerID string) []Overlay {
	return inheritAll(ownerOverlays(room, cfg, ownerID), ownerID)
}

func inheritAll(granted []Overlay, userID string) []Overlay {
	overlays := make([]Overlay, 0, len(granted))
	for _, o := range granted {
		overlays = append(overlays, inheritOverlay(o.ChannelID, userID))
	}
	return overlays
}

// channelOverlays returns the layered overlays for one of a room's
// channels, in application order
func channelOverlays(
	room Room,
	cfg GuildConfig,
	staff []StaffRole,
	channelID string,
	kind ChannelKind,
) []Overlay {
	overlays := staffOverlays(channelID, kind, staff)
	overlays = append(overlays, defaultRoleOverlay(room, channelID, kind))
	for _, o := range ownerOverlays(room, cfg, room.OwnerID) {
		if o.ChannelID == channelID {
			overlays = append(overlays, o)
		}
	}
	return overlays
}

// roomOverlays returns the layered overlays for all of a room's channels
func roomOverlays(room Room, cfg GuildConfig, staff []StaffRole) []Overlay {
	overlays := channelOverlays(room, cfg, staff, room.VoiceChannelID, ChannelVoice)
	if room.MoveChannelID != "" {
		overlays = append(
			overlays,
			channelOverlays(room, cfg, staff, room.MoveChannelID, ChannelMove)...,
		)
	}
	if room.TextChannelID != "" {
		overlays = append(
			overlays,
			channelOverlays(room, cfg, staff, room.TextChannelID, ChannelText)...,
		)
	}
	return overlays
}

type overlayKey struct {
	channelID string
	targetID  string
}

// resolveOverlays collapses overlays addressing the same channel and
// target, keeping the one from the latest layer (and the latest one
// within a layer). Order of first appearance is preserved.
func resolveOverlays(overlays []Overlay) []Overlay {
	idx := map[overlayKey]int{}
	var resolved []Overlay
	for _, o := range overlays {
		key := overlayKey{o.ChannelID, o.TargetID}
		i, seen := idx[key]
		if !seen {
			idx[key] = len(resolved)
			resolved = append(resolved, o)
			continue
		}
		if o.Layer >= resolved[i].Layer {
			resolved[i] = o
		}
	}
	return resolved
}

// effectiveOverlay returns the resolved overlay for the target on the
// channel, if any
func effectiveOverlay(overlays []Overlay, channelID, targetID string) (Overlay, bool) {
	for _, o := range resolveOverlays(overlays) {
		if o.ChannelID == channelID && o.TargetID == targetID {
			return o, true
		}
	}
	return Overlay{}, false
}

// permissionOverwrites converts overlays to the overwrites sent when
// creating a channel. Inherit overlays are dropped, as a new channel
// has nothing to remove.
func permissionOverwrites(overlays []Overlay) []*discordgo.PermissionOverwrite {
	var rv []*discordgo.PermissionOverwrite
	for _, o := range resolveOverlays(overlays) {
		if o.Inherit {
			continue
		}
		rv = append(
			rv, &discordgo.PermissionOverwrite{
				ID:    o.TargetID,
				Type:  o.TargetType,
				Allow: o.Allow,
				Deny:  o.Deny,
			},
		)
	}
	return rv
}
