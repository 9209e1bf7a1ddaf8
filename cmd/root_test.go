package cmd

import (
	"bytes"
	"fmt"
	"github.com/arcward/roomkeeper/roomkeeper"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// resetEnv clears the environment and viper for the test, restoring
// both when it finishes
func resetEnv(t *testing.T) {
	t.Helper()
	originalEnv := os.Environ()
	originalCfg := cfg
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
			viper.Reset()
			cfg = originalCfg
			configFile = ""
		},
	)
	os.Clearenv()
	viper.Reset()
	cfg = roomkeeper.DefaultConfig()
}

// chdir moves into dir so a stray .env isn't picked up
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(
		func() {
			_ = os.Chdir(wd)
		},
	)
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	resetEnv(t)

	envFile := filepath.Join(t.TempDir(), "test.env")
	envContent := `
# General/database config

RK_DATABASE=/home/foo/roomkeeper.sqlite3
RK_DATABASE_TYPE=sqlite
RK_DATABASE_LOG_LEVEL=INFO
RK_DATABASE_SLOW_THRESHOLD=200ms
RK_LOG_LEVEL=INFO
RK_STARTUP_TIMEOUT=30s
RK_SHUTDOWN_TIMEOUT=60s

# Private rooms

RK_ROOMS_LOG_LEVEL=DEBUG
RK_ROOMS_SETTLE_DELAY=750ms
RK_ROOMS_RESPONSE_TIMEOUT=15s
RK_ROOMS_RESPONSE_POLL_INTERVAL=500ms
RK_ROOMS_ID_ATTEMPTS=7
RK_ROOMS_DELETE_ROOMS_ON_DISABLE=false
RK_ROOMS_RENAME_INTERVAL=10m
RK_ROOMS_RENAME_BURST=3
RK_ROOMS_REACTION_COOLDOWN=1s

# Cross-instance signals

RK_NOTIFIER_TYPE=redis
RK_NOTIFIER_REDIS_URL=redis://localhost:6379/2
RK_NOTIFIER_REDIS_CHANNEL=rooms

# Discord bot config

RK_DISCORD_TOKEN=your-discord-bot-token
RK_DISCORD_APPLICATION_ID=your-discord-bot-app-id
RK_DISCORD_GUILD_ID=
RK_DISCORD_LOG_LEVEL=WARN
RK_DISCORD_DISCORDGO_LOG_LEVEL=WARN
RK_DISCORD_STARTUP_MESSAGE="I'm here!"
RK_DISCORD_ERROR_MESSAGE="oops"
RK_DISCORD_GATEWAY_INTENTS=3243773

# Discord webhook server

RK_DISCORD_WEBHOOK_SERVER_ENABLED=false
RK_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5001
RK_DISCORD_WEBHOOK_SERVER_SSL_CERT=/etc/ssl/cert.pem
RK_DISCORD_WEBHOOK_SERVER_SSL_KEY=/etc/ssl/cert.key
RK_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=771
RK_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
RK_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
RK_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=5s
RK_DISCORD_WEBHOOK_SERVER_IDLE_TIMEOUT=30s

# API server

RK_API_LISTEN=127.0.0.1:5000
RK_API_SSL_CERT=/etc/ssl/cert.pem
RK_API_SSL_KEY=/etc/ssl/key.pem
RK_API_SECRET=your-api-secret
RK_API_LOG_LEVEL=DEBUG
RK_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
RK_API_CORS_ALLOW_METHODS=GET POST PATCH DELETE
RK_API_CORS_ALLOW_CREDENTIALS=true
RK_API_CORS_MAX_AGE=12h
RK_API_SESSION_MAX_AGE=6h
`
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
		},
	)
	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/roomkeeper.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel.Level())
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, slog.LevelDebug, cfg.Rooms.LogLevel.Level())
	assert.Equal(t, 750*time.Millisecond, cfg.Rooms.SettleDelay)
	assert.Equal(t, 15*time.Second, cfg.Rooms.ResponseTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Rooms.ResponsePollInterval)
	assert.Equal(t, 7, cfg.Rooms.IDAttempts)
	assert.False(t, cfg.Rooms.DeleteRoomsOnDisable)
	assert.Equal(t, 10*time.Minute, cfg.Rooms.RenameInterval)
	assert.Equal(t, 3, cfg.Rooms.RenameBurst)
	assert.Equal(t, time.Second, cfg.Rooms.ReactionCooldown)

	assert.Equal(t, roomkeeper.NotifierRedis, cfg.Notifier.Type)
	assert.Equal(t, "redis://localhost:6379/2", cfg.Notifier.RedisURL)
	assert.Equal(t, "rooms", cfg.Notifier.RedisChannel)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "", cfg.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", cfg.Discord.StartupMessage)
	assert.Equal(t, "oops", cfg.Discord.ErrorMessage)
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)

	webhook := cfg.Discord.WebhookServer
	assert.False(t, webhook.Enabled)
	assert.Equal(t, "127.0.0.1:5001", webhook.Listen)
	assert.Equal(t, "tcp", webhook.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", webhook.SSL.Cert)
	assert.Equal(t, "/etc/ssl/cert.key", webhook.SSL.Key)
	assert.Equal(t, uint16(771), webhook.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelInfo, webhook.LogLevel.Level())
	assert.Equal(t, "your_discord_public_key_here", webhook.PublicKey)
	assert.Equal(t, 5*time.Second, webhook.ReadTimeout)
	assert.Equal(t, roomkeeper.DefaultWriteTimeout, webhook.WriteTimeout)
	assert.Equal(t, 30*time.Second, webhook.IdleTimeout)

	api := cfg.API
	assert.Equal(t, "127.0.0.1:5000", api.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", api.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", api.SSL.Key)
	assert.Equal(t, "your-api-secret", api.Secret)
	assert.Equal(t, slog.LevelDebug, api.LogLevel.Level())
	assert.Equal(t, []string{"https://127.0.0.1:5000", "https://localhost:5000"}, api.CORS.AllowOrigins)
	assert.Equal(t, []string{"GET", "POST", "PATCH", "DELETE"}, api.CORS.AllowMethods)
	assert.Equal(t, roomkeeper.DefaultCORSAllowHeaders, api.CORS.AllowHeaders)
	assert.True(t, api.CORS.AllowCredentials)
	assert.Equal(t, 12*time.Hour, api.CORS.MaxAge)
	assert.Equal(t, 6*time.Hour, api.SessionMaxAge)
	assert.Equal(t, roomkeeper.DefaultReadTimeout, api.ReadTimeout)
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetEnv(t)
	chdir(t, t.TempDir())

	rootCmd.SetOut(&bytes.Buffer{})
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
		},
	)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	d := roomkeeper.DefaultConfig()
	assert.Equal(t, d.Database, cfg.Database)
	assert.Equal(t, d.Rooms.SettleDelay, cfg.Rooms.SettleDelay)
	assert.True(t, cfg.Rooms.DeleteRoomsOnDisable)
	assert.Equal(t, roomkeeper.NotifierAuto, cfg.Notifier.Type)
	assert.Equal(t, d.Discord.GatewayIntents, cfg.Discord.GatewayIntents)
	assert.Equal(t, d.API.CORS.AllowMethods, cfg.API.CORS.AllowMethods)
	assert.Empty(t, cfg.API.CORS.AllowOrigins)
	assert.Equal(t, d.LogLevel.Level(), cfg.LogLevel.Level())
}

func TestEnvPrefix(t *testing.T) {
	resetEnv(t)
	chdir(t, t.TempDir())

	t.Setenv(roomkeeper.EnvvarSetEnvPrefix, "ROOMS")
	t.Setenv("ROOMS_DISCORD_TOKEN", "prefixed-token")
	t.Setenv("RK_DISCORD_TOKEN", "ignored")

	rootCmd.SetOut(&bytes.Buffer{})
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
		},
	)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "prefixed-token", cfg.Discord.Token)
}

func TestLevelToStringHookFunc(t *testing.T) {
	var target struct {
		Level *slog.LevelVar `mapstructure:"level"`
		Name  string         `mapstructure:"name"`
	}
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			DecodeHook: LevelToStringHookFunc(),
			Result:     &target,
		},
	)
	require.NoError(t, err)
	require.NoError(t, decoder.Decode(map[string]any{"level": "warn", "name": "debug"}))
	assert.Equal(t, slog.LevelWarn, target.Level.Level())
	assert.Equal(t, "debug", target.Name)

	hook := LevelToStringHookFunc()
	_, err = hook(reflect.TypeOf(""), reflect.TypeOf(&slog.LevelVar{}), "LOUD")
	assert.Error(t, err)
}

func TestLevelToStringHookFunc_ExistingLevelVar(t *testing.T) {
	existing := &slog.LevelVar{}
	existing.Set(slog.LevelError)
	target := struct {
		Level *slog.LevelVar `mapstructure:"level"`
	}{Level: existing}

	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			DecodeHook: decodeHook(),
			Result:     &target,
		},
	)
	require.NoError(t, err)
	require.NoError(t, decoder.Decode(map[string]any{"level": "debug"}))
	assert.Equal(t, slog.LevelDebug, target.Level.Level())

	hook := LevelToStringHookFunc()
	_, err = hook(reflect.TypeOf(""), reflect.TypeOf(slog.LevelVar{}), "LOUD")
	assert.Error(t, err)
}

func TestDecodeHook_DefaultConfig(t *testing.T) {
	resetEnv(t)
	setDefaults()
	viper.Set("rooms.log_level", "debug")
	viper.Set("api.log_level", "ERROR")

	c := roomkeeper.DefaultConfig()
	require.NoError(t, viper.Unmarshal(c, viper.DecodeHook(decodeHook())))
	assert.Equal(t, slog.LevelDebug, c.Rooms.LogLevel.Level())
	assert.Equal(t, slog.LevelError, c.API.LogLevel.Level())
	assert.Equal(t, roomkeeper.DefaultConfig().LogLevel.Level(), c.LogLevel.Level())
}
