package roomkeeper

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the typed repository over guilds, their private room
// configuration, rooms and pending responses. Lookups return ErrNotFound
// when nothing matches.
type Store interface {
	SaveGuild(ctx context.Context, guild Guild) error
	// DeleteGuild removes a guild and everything it owns
	DeleteGuild(ctx context.Context, guildID string) error
	Guilds(ctx context.Context) ([]Guild, error)

	GuildConfig(ctx context.Context, guildID string) (*GuildConfig, error)
	GuildConfigs(ctx context.Context) ([]GuildConfig, error)
	CreateGuildConfig(ctx context.Context, cfg *GuildConfig) error
	UpdateGuildConfig(ctx context.Context, guildID string, update GuildConfigUpdate) (*GuildConfig, error)
	// DeleteGuildConfig removes the config and its settings messages
	DeleteGuildConfig(ctx context.Context, guildID string) error

	StaffRoles(ctx context.Context, guildID string) ([]StaffRole, error)
	SaveStaffRole(ctx context.Context, role *StaffRole) error
	DeleteStaffRole(ctx context.Context, guildID, roleID string) (bool, error)

	Room(ctx context.Context, roomID string) (*Room, error)
	RoomByOwner(ctx context.Context, guildID, ownerID string) (*Room, error)
	RoomByChannel(ctx context.Context, guildID, channelID string, kind ChannelKind) (*Room, error)
	Rooms(ctx context.Context, guildID string) ([]Room, error)
	RoomIDTaken(ctx context.Context, roomID string) (bool, error)
	// InsertRoom creates the room and its settings atomically. Unique
	// constraint violations are returned as gorm.ErrDuplicatedKey.
	InsertRoom(ctx context.Context, room *Room) error
	// UpdateRoom updates room and settings columns atomically. Either
	// map may be empty.
	UpdateRoom(ctx context.Context, roomID string, room map[string]any, settings map[string]any) error
	// RemoveRoom deletes the room and its settings, and retires its ID.
	// It returns false if the room didn't exist.
	RemoveRoom(ctx context.Context, roomID string) (bool, error)

	// ReplacePendingResponse deletes any pending response for the
	// (user, channel) pair and inserts p, atomically
	ReplacePendingResponse(ctx context.Context, p *PendingResponse) (replaced []string, err error)
	PendingResponse(ctx context.Context, id string) (*PendingResponse, error)
	// FillPendingResponse sets the response of the live entry for the
	// pair, if it has none yet. The filled entry's ID is returned,
	// or ErrNotFound.
	FillPendingResponse(ctx context.Context, userID, channelID, content string) (string, error)
	DeletePendingResponse(ctx context.Context, id string) (bool, error)
	// HasPendingResponse reports whether a wait for the pair is live
	HasPendingResponse(ctx context.Context, userID, channelID string) (bool, error)
	// DeletePendingResponses deletes entries matching the non-empty
	// user/channel filters, returning the deleted IDs
	DeletePendingResponses(ctx context.Context, userID, channelID string) ([]string, error)
	ClearPendingResponses(ctx context.Context) (int64, error)

	SettingsMessage(ctx context.Context, messageID string) (*SettingsMessage, error)
	SettingsMessages(ctx context.Context, guildID string) ([]SettingsMessage, error)
	SaveSettingsMessage(ctx context.Context, msg *SettingsMessage) error
	// DeleteSettingsMessages removes and returns the guild's settings
	// panel messages
	DeleteSettingsMessages(ctx context.Context, guildID string) ([]SettingsMessage, error)
}

func (d *database) SaveGuild(ctx context.Context, guild Guild) error {
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "id"}},
					DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
				},
			).Create(&guild).Error
		},
	)
	return err
}

func (d *database) DeleteGuild(ctx context.Context, guildID string) error {
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			var roomIDs []string
			if err := tx.Model(&Room{}).Where(columnGuildID+" = ?", guildID).
				Pluck("id", &roomIDs).Error; err != nil {
				return err
			}
			if len(roomIDs) > 0 {
				if err := tx.Where(columnRoomID+" IN ?", roomIDs).
					Delete(&RoomSettings{}).Error; err != nil {
					return err
				}
				if err := tx.Where("id IN ?", roomIDs).Delete(&Room{}).Error; err != nil {
					return err
				}
				retired := make([]RetiredRoomID, 0, len(roomIDs))
				for _, id := range roomIDs {
					retired = append(retired, RetiredRoomID{ID: id, GuildID: guildID})
				}
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
					Create(&retired).Error; err != nil {
					return err
				}
			}
			for _, model := range guildOwnedModels {
				if err := tx.Where(columnGuildID+" = ?", guildID).Delete(model).Error; err != nil {
					return err
				}
			}
			return tx.Delete(&Guild{}, "id = ?", guildID).Error
		},
	)
	return err
}

func (d *database) Guilds(ctx context.Context) ([]Guild, error) {
	db, done := d.read(ctx)
	defer done()
	var guilds []Guild
	err := db.Order("id").Find(&guilds).Error
	return guilds, err
}

func (d *database) GuildConfig(ctx context.Context, guildID string) (*GuildConfig, error) {
	db, done := d.read(ctx)
	defer done()
	var cfg GuildConfig
	if err := db.Take(&cfg, "guild_id = ?", guildID).Error; err != nil {
		return nil, notFound(err)
	}
	return &cfg, nil
}

func (d *database) GuildConfigs(ctx context.Context) ([]GuildConfig, error) {
	db, done := d.read(ctx)
	defer done()
	var cfgs []GuildConfig
	err := db.Order("guild_id").Find(&cfgs).Error
	return cfgs, err
}

func (d *database) CreateGuildConfig(ctx context.Context, cfg *GuildConfig) error {
	_, err := d.Create(ctx, cfg)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrPrivateRoomsEnabled
	}
	return err
}

func (d *database) UpdateGuildConfig(
	ctx context.Context,
	guildID string,
	update GuildConfigUpdate,
) (*GuildConfig, error) {
	var cfg GuildConfig
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Take(&cfg, "guild_id = ?", guildID).Error; err != nil {
				return notFound(err)
			}
			cols := update.columns()
			if len(cols) == 0 {
				return nil
			}
			if err := tx.Model(&GuildConfig{}).Where("guild_id = ?", guildID).
				Updates(cols).Error; err != nil {
				return err
			}
			return tx.Take(&cfg, "guild_id = ?", guildID).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (d *database) DeleteGuildConfig(ctx context.Context, guildID string) error {
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Where(columnGuildID+" = ?", guildID).
				Delete(&SettingsMessage{}).Error; err != nil {
				return err
			}
			rv := tx.Where(columnGuildID+" = ?", guildID).Delete(&GuildConfig{})
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return ErrNotFound
			}
			return nil
		},
	)
	return err
}

func (d *database) StaffRoles(ctx context.Context, guildID string) ([]StaffRole, error) {
	db, done := d.read(ctx)
	defer done()
	var roles []StaffRole
	err := db.Where(columnGuildID+" = ?", guildID).Order("role_id").Find(&roles).Error
	return roles, err
}

func (d *database) SaveStaffRole(ctx context.Context, role *StaffRole) error {
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "guild_id"}, {Name: "role_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"kind", "updated_at"}),
				},
			).Create(role).Error
		},
	)
	return err
}

func (d *database) DeleteStaffRole(ctx context.Context, guildID, roleID string) (bool, error) {
	n, err := d.Delete(ctx, &StaffRole{}, "guild_id = ? AND role_id = ?", guildID, roleID)
	return n > 0, err
}

func (d *database) Room(ctx context.Context, roomID string) (*Room, error) {
	db, done := d.read(ctx)
	defer done()
	var room Room
	if err := db.Preload("Settings").Take(&room, "id = ?", roomID).Error; err != nil {
		return nil, notFound(err)
	}
	return &room, nil
}

func (d *database) RoomByOwner(ctx context.Context, guildID, ownerID string) (*Room, error) {
	db, done := d.read(ctx)
	defer done()
	var room Room
	err := db.Preload("Settings").
		Where(columnGuildID+" = ? AND "+columnOwnerID+" = ?", guildID, ownerID).
		Take(&room).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &room, nil
}

func (d *database) RoomByChannel(
	ctx context.Context,
	guildID string,
	channelID string,
	kind ChannelKind,
) (*Room, error) {
	if channelID == "" {
		return nil, ErrNotFound
	}
	db, done := d.read(ctx)
	defer done()

	q := db.Preload("Settings").Where(columnGuildID+" = ?", guildID)
	switch kind {
	case ChannelVoice:
		q = q.Where(columnVoiceChannelID+" = ?", channelID)
	case ChannelText:
		q = q.Where(columnTextChannelID+" = ?", channelID)
	case ChannelMove:
		q = q.Where(columnMoveChannelID+" = ?", channelID)
	case ChannelAny:
		q = q.Where(
			db.Where(columnVoiceChannelID+" = ?", channelID).
				Or(columnTextChannelID+" = ?", channelID).
				Or(columnMoveChannelID+" = ?", channelID),
		)
	default:
		return nil, fmt.Errorf("unknown channel kind: %q", kind)
	}

	var room Room
	if err := q.Take(&room).Error; err != nil {
		return nil, notFound(err)
	}
	return &room, nil
}

func (d *database) Rooms(ctx context.Context, guildID string) ([]Room, error) {
	db, done := d.read(ctx)
	defer done()
	var rooms []Room
	q := db.Preload("Settings").Order("created_at")
	if guildID != "" {
		q = q.Where(columnGuildID+" = ?", guildID)
	}
	err := q.Find(&rooms).Error
	return rooms, err
}

func (d *database) RoomIDTaken(ctx context.Context, roomID string) (bool, error) {
	db, done := d.read(ctx)
	defer done()
	var n int64
	if err := db.Model(&Room{}).Where("id = ?", roomID).Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if err := db.Model(&RetiredRoomID{}).Where("id = ?", roomID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *database) InsertRoom(ctx context.Context, room *Room) error {
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Omit("Settings").Create(room).Error; err != nil {
				return err
			}
			room.Settings.RoomID = room.ID
			return tx.Create(&room.Settings).Error
		},
	)
	return err
}

func (d *database) UpdateRoom(
	ctx context.Context,
	roomID string,
	room map[string]any,
	settings map[string]any,
) error {
	return d.Transaction(
		ctx, func(tx *gorm.DB) error {
			var n int64
			if err := tx.Model(&Room{}).Where("id = ?", roomID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrNotFound
			}
			if len(room) > 0 {
				if err := tx.Model(&Room{}).Where("id = ?", roomID).Updates(room).Error; err != nil {
					return err
				}
			}
			if len(settings) > 0 {
				return tx.Model(&RoomSettings{}).Where(columnRoomID+" = ?", roomID).
					Updates(settings).Error
			}
			return nil
		},
	)
}

func (d *database) RemoveRoom(ctx context.Context, roomID string) (bool, error) {
	var existed bool
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			var room Room
			if err := tx.Take(&room, "id = ?", roomID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return err
			}
			existed = true
			if err := tx.Where(columnRoomID+" = ?", roomID).Delete(&RoomSettings{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&room).Error; err != nil {
				return err
			}
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(
				&RetiredRoomID{ID: room.ID, GuildID: room.GuildID},
			).Error
		},
	)
	return existed, err
}

func (d *database) ReplacePendingResponse(
	ctx context.Context,
	p *PendingResponse,
) (replaced []string, err error) {
	err = d.Transaction(
		ctx, func(tx *gorm.DB) error {
			q := tx.Model(&PendingResponse{}).Where(
				columnUserID+" = ? AND "+columnChannelID+" = ?",
				p.UserID, p.ChannelID,
			)
			if err := q.Pluck("id", &replaced).Error; err != nil {
				return err
			}
			if len(replaced) > 0 {
				if err := tx.Where("id IN ?", replaced).Delete(&PendingResponse{}).Error; err != nil {
					return err
				}
			}
			return tx.Create(p).Error
		},
	)
	return replaced, err
}

func (d *database) PendingResponse(ctx context.Context, id string) (*PendingResponse, error) {
	db, done := d.read(ctx)
	defer done()
	var p PendingResponse
	if err := db.Take(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (d *database) FillPendingResponse(
	ctx context.Context,
	userID string,
	channelID string,
	content string,
) (string, error) {
	var filledID string
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			var p PendingResponse
			err := tx.Where(
				columnUserID+" = ? AND "+columnChannelID+" = ? AND "+columnResponse+" IS NULL",
				userID, channelID,
			).Take(&p).Error
			if err != nil {
				return notFound(err)
			}
			rv := tx.Model(&PendingResponse{}).
				Where("id = ? AND "+columnResponse+" IS NULL", p.ID).
				Update(columnResponse, content)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return ErrNotFound
			}
			filledID = p.ID
			return nil
		},
	)
	return filledID, err
}

func (d *database) DeletePendingResponse(ctx context.Context, id string) (bool, error) {
	n, err := d.Delete(ctx, &PendingResponse{}, "id = ?", id)
	return n > 0, err
}

func (d *database) HasPendingResponse(
	ctx context.Context,
	userID string,
	channelID string,
) (bool, error) {
	db, done := d.read(ctx)
	defer done()
	var n int64
	err := db.Model(&PendingResponse{}).
		Where(columnUserID+" = ? AND "+columnChannelID+" = ?", userID, channelID).
		Count(&n).Error
	return n > 0, err
}

func (d *database) DeletePendingResponses(
	ctx context.Context,
	userID string,
	channelID string,
) ([]string, error) {
	if userID == "" && channelID == "" {
		return nil, errors.New("user or channel is required")
	}
	var ids []string
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			q := tx.Model(&PendingResponse{})
			if userID != "" {
				q = q.Where(columnUserID+" = ?", userID)
			}
			if channelID != "" {
				q = q.Where(columnChannelID+" = ?", channelID)
			}
			if err := q.Pluck("id", &ids).Error; err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			return tx.Where("id IN ?", ids).Delete(&PendingResponse{}).Error
		},
	)
	return ids, err
}

func (d *database) ClearPendingResponses(ctx context.Context) (int64, error) {
	return d.Delete(ctx, &PendingResponse{}, "1 = 1")
}

func (d *database) SettingsMessage(ctx context.Context, messageID string) (*SettingsMessage, error) {
	db, done := d.read(ctx)
	defer done()
	var msg SettingsMessage
	if err := db.Take(&msg, "message_id = ?", messageID).Error; err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

func (d *database) SettingsMessages(ctx context.Context, guildID string) ([]SettingsMessage, error) {
	db, done := d.read(ctx)
	defer done()
	var msgs []SettingsMessage
	err := db.Where(columnGuildID+" = ?", guildID).Order("created_at").Find(&msgs).Error
	return msgs, err
}

func (d *database) SaveSettingsMessage(ctx context.Context, msg *SettingsMessage) error {
	_, err := d.Save(ctx, msg)
	return err
}

func (d *database) DeleteSettingsMessages(ctx context.Context, guildID string) ([]SettingsMessage, error) {
	var msgs []SettingsMessage
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Where(columnGuildID+" = ?", guildID).Find(&msgs).Error; err != nil {
				return err
			}
			if len(msgs) == 0 {
				return nil
			}
			return tx.Where(columnGuildID+" = ?", guildID).Delete(&SettingsMessage{}).Error
		},
	)
	return msgs, err
}
