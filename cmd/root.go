package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/roomkeeper/roomkeeper"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = roomkeeper.DefaultConfig()
	configFile string
)

// levelKeys are config keys holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"rooms.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "roomkeeper [flags]",
	Short: "Discord bot for member-owned private voice rooms",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := viper.Unmarshal(cfg, viper.DecodeHook(decodeHook())); err != nil {
			log.Fatalln(err)
		}
	},
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(" "),
		mapstructure.StringToTimeDurationHookFunc(),
		LevelToStringHookFunc(),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

var levelVarType = reflect.TypeOf(slog.LevelVar{})

// LevelToStringHookFunc decodes level names into a *slog.LevelVar.
// A field that already holds a *slog.LevelVar (like the defaults do) is
// decoded through the pointer, so the hook sees the element type too.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != levelVarType && (t.Kind() != reflect.Ptr || t.Elem() != levelVarType) {
			return data, nil
		}
		lvl, err := getLogLevel(reflect.ValueOf(data).String())
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	envFile := configFile
	if envFile != "" {
		fmt.Println("loading env from file", envFile)
	}
	var err error
	if envFile == "" {
		err = godotenv.Load()
	} else {
		err = godotenv.Load(envFile)
	}
	if err != nil {
		log.Println("No .env file found")
	}

	setDefaults()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// no useful defaults, but still settable from the environment
	for _, key := range []string{
		"discord.webhook_server.ssl.cert",
		"discord.webhook_server.ssl.key",
		"api.ssl.cert",
		"api.ssl.key",
		"notifier.redis_url",
	} {
		fatalErr(viper.BindEnv(key))
	}

	envPrefix := os.Getenv(roomkeeper.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = roomkeeper.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// levels are decoded by LevelToStringHookFunc, but bad values should
	// fail before anything else runs
	for _, key := range levelKeys {
		if _, e := getLogLevel(viper.GetString(key)); e != nil {
			log.Fatalf("error parsing %s: %v", key, e)
		}
	}
}

func setDefaults() {
	d := roomkeeper.DefaultConfig()

	viper.SetDefault("database", d.Database)
	viper.SetDefault("database_type", d.DatabaseType)
	viper.SetDefault("database_slow_threshold", d.DatabaseSlowThreshold)
	viper.SetDefault("database_log_level", d.DatabaseLogLevel.Level().String())
	viper.SetDefault("log_level", d.LogLevel.Level().String())
	viper.SetDefault("startup_timeout", d.StartupTimeout)
	viper.SetDefault("shutdown_timeout", d.ShutdownTimeout)

	// Rooms
	viper.SetDefault("rooms.log_level", d.Rooms.LogLevel.Level().String())
	viper.SetDefault("rooms.settle_delay", d.Rooms.SettleDelay)
	viper.SetDefault("rooms.response_timeout", d.Rooms.ResponseTimeout)
	viper.SetDefault("rooms.response_poll_interval", d.Rooms.ResponsePollInterval)
	viper.SetDefault("rooms.id_attempts", d.Rooms.IDAttempts)
	viper.SetDefault("rooms.delete_rooms_on_disable", d.Rooms.DeleteRoomsOnDisable)
	viper.SetDefault("rooms.rename_interval", d.Rooms.RenameInterval)
	viper.SetDefault("rooms.rename_burst", d.Rooms.RenameBurst)
	viper.SetDefault("rooms.reaction_cooldown", d.Rooms.ReactionCooldown)

	// Notifier
	viper.SetDefault("notifier.type", string(d.Notifier.Type))
	viper.SetDefault("notifier.redis_channel", d.Notifier.RedisChannel)

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", d.Discord.LogLevel.Level().String())
	viper.SetDefault("discord.discordgo_log_level", d.Discord.DiscordGoLogLevel.Level().String())
	viper.SetDefault("discord.gateway_intents", int(d.Discord.GatewayIntents))
	viper.SetDefault("discord.startup_message", d.Discord.StartupMessage)
	viper.SetDefault("discord.error_message", d.Discord.ErrorMessage)

	// Discord: webhook server
	webhook := d.Discord.WebhookServer
	viper.SetDefault("discord.webhook_server.enabled", webhook.Enabled)
	viper.SetDefault("discord.webhook_server.listen", webhook.Listen)
	viper.SetDefault("discord.webhook_server.listen_network", webhook.ListenNetwork)
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.ssl.tls_min_version", webhook.SSL.TLSMinVersion)
	viper.SetDefault("discord.webhook_server.read_timeout", webhook.ReadTimeout)
	viper.SetDefault("discord.webhook_server.read_header_timeout", webhook.ReadHeaderTimeout)
	viper.SetDefault("discord.webhook_server.write_timeout", webhook.WriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", webhook.IdleTimeout)
	viper.SetDefault("discord.webhook_server.log_level", webhook.LogLevel.Level().String())

	// API
	api := d.API
	viper.SetDefault("api.listen", api.Listen)
	viper.SetDefault("api.listen_network", api.ListenNetwork)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", api.Development)
	viper.SetDefault("api.log_level", api.LogLevel.Level().String())
	viper.SetDefault("api.ssl.tls_min_version", api.SSL.TLSMinVersion)
	viper.SetDefault("api.session_max_age", api.SessionMaxAge)
	viper.SetDefault("api.read_timeout", api.ReadTimeout)
	viper.SetDefault("api.read_header_timeout", api.ReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", api.WriteTimeout)
	viper.SetDefault("api.idle_timeout", api.IdleTimeout)

	// API: CORS
	viper.SetDefault("api.cors.allow_headers", api.CORS.AllowHeaders)
	viper.SetDefault("api.cors.allow_methods", api.CORS.AllowMethods)
	viper.SetDefault("api.cors.expose_headers", api.CORS.ExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", api.CORS.MaxAge)
	viper.SetDefault("api.cors.allow_credentials", api.CORS.AllowCredentials)
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load before reading the environment",
	)
}
