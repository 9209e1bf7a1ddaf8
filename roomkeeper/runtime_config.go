package roomkeeper

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"log/slog"
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
)

// RuntimeConfig is the live, database-backed configuration: admin
// credentials for the API, per-component log levels and the bot's
// status. Changes made through the API apply without a restart and
// persist across restarts.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	// DiscordNotificationChannelID, if set, receives a message when the
	// bot starts, and when private rooms are disabled because one of
	// their channels went missing
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// AdminUsername for the API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the argon2id hash of the admin password
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	LogLevel               DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	RoomsLogLevel          DBLogLevel `gorm:"default:INFO;type:string;check:rooms_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"rooms_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       DBLogLevel `gorm:"default:WARN;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_webhook_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_webhook_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

// DefaultRuntimeConfig returns the RuntimeConfig created on first run,
// with levels taken from the static config
func DefaultRuntimeConfig(config *Config) RuntimeConfig {
	levelOf := func(v *slog.LevelVar) DBLogLevel {
		return DBLogLevel(v.Level().String())
	}
	return RuntimeConfig{
		DiscordCustomStatus:    DefaultDiscordCustomStatus,
		LogLevel:               levelOf(config.LogLevel),
		RoomsLogLevel:          levelOf(config.Rooms.LogLevel),
		DiscordLogLevel:        levelOf(config.Discord.LogLevel),
		DiscordGoLogLevel:      levelOf(config.Discord.DiscordGoLogLevel),
		DatabaseLogLevel:       levelOf(config.DatabaseLogLevel),
		DiscordWebhookLogLevel: levelOf(config.Discord.WebhookServer.LogLevel),
		APILogLevel:            levelOf(config.API.LogLevel),
	}
}

//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`

	LogLevel               *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	RoomsLogLevel          *DBLogLevel `json:"rooms_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel *DBLogLevel `json:"discord_webhook_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

// columns returns the changed columns, keyed by column name
func (u RuntimeConfigUpdate) columns() map[string]any {
	m := map[string]any{}
	if u.DiscordCustomStatus != nil {
		m["discord_custom_status"] = *u.DiscordCustomStatus
	}
	if u.DiscordNotificationChannelID != nil {
		m["discord_notification_channel_id"] = *u.DiscordNotificationChannelID
	}
	levels := []struct {
		column string
		level  *DBLogLevel
	}{
		{"log_level", u.LogLevel},
		{"rooms_log_level", u.RoomsLogLevel},
		{"discord_log_level", u.DiscordLogLevel},
		{"discordgo_log_level", u.DiscordGoLogLevel},
		{"database_log_level", u.DatabaseLogLevel},
		{"discord_webhook_log_level", u.DiscordWebhookLogLevel},
		{"api_log_level", u.APILogLevel},
	}
	for _, l := range levels {
		if l.level != nil {
			m[l.column] = *l.level
		}
	}
	return m
}

// loadRuntimeConfig returns the current RuntimeConfig, creating the
// default one if there isn't one yet. created is true in that case.
func loadRuntimeConfig(ctx context.Context, db DBI, config *Config) (
	state *RuntimeConfig,
	created bool,
	err error,
) {
	var rc RuntimeConfig
	err = db.DB().WithContext(ctx).Last(&rc).Error
	if err == nil {
		return &rc, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("error getting runtime config: %w", err)
	}
	rc = DefaultRuntimeConfig(config)
	if _, err = db.Create(ctx, &rc); err != nil {
		return nil, false, fmt.Errorf("error creating runtime config: %w", err)
	}
	return &rc, true, nil
}

// updateRuntimeConfig applies the update to the stored RuntimeConfig
// and returns the result
func updateRuntimeConfig(
	ctx context.Context,
	db DBI,
	id uint,
	update RuntimeConfigUpdate,
) (*RuntimeConfig, error) {
	if err := update.validate(); err != nil {
		return nil, err
	}
	cols := update.columns()
	if len(cols) > 0 {
		if _, err := db.UpdatesWhere(ctx, &RuntimeConfig{}, cols, "id = ?", id); err != nil {
			return nil, err
		}
	}
	var rc RuntimeConfig
	if err := db.DB().WithContext(ctx).Take(&rc, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &rc, nil
}

// setAdminCredentials hashes password and stores the admin credentials
func setAdminCredentials(ctx context.Context, db DBI, id uint, username, password string) error {
	hashed, err := HashPassword(password)
	if err != nil {
		return err
	}
	_, err = db.UpdatesWhere(
		ctx,
		&RuntimeConfig{},
		map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: hashed,
		},
		"id = ?",
		id,
	)
	return err
}

// setRuntimeLevels applies the log levels in state to the static
// config's level vars, which every component logger reads
func setRuntimeLevels(config *Config, state RuntimeConfig) {
	set := func(v *slog.LevelVar, l DBLogLevel) {
		if l != "" {
			v.Set(l.Level())
		}
	}
	set(config.LogLevel, state.LogLevel)
	set(config.Rooms.LogLevel, state.RoomsLogLevel)
	set(config.Discord.LogLevel, state.DiscordLogLevel)
	set(config.Discord.DiscordGoLogLevel, state.DiscordGoLogLevel)
	set(config.DatabaseLogLevel, state.DatabaseLogLevel)
	set(config.Discord.WebhookServer.LogLevel, state.DiscordWebhookLogLevel)
	set(config.API.LogLevel, state.APILogLevel)
}
