package roomkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

var defaultLogWriter io.Writer = os.Stdout

// Set at build time, ex:
// -ldflags "-X github.com/arcward/roomkeeper/roomkeeper.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// RoomKeeper runs the private rooms bot: the discord session and its
// event handlers, the room controller, the admin API and, optionally,
// the interactions webhook server.
type RoomKeeper struct {
	config *Config

	// db is nil until Run initializes the database
	db DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger     *slog.Logger
	logHandler slog.Handler

	discord    *Discord
	controller *Controller
	mediator   *Mediator
	notifier   Notifier

	api                  *API
	discordWebhookServer *DiscordWebhookServer

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has initialized the
	// database, connected to discord and started its listeners
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time

	// Indicates admin credentials haven't been set yet. Run holds after
	// starting the API until they are.
	pendingSetup atomic.Bool

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// runCtx is the context Run was started with, used by webhook
	// interactions, which outlive their HTTP request
	runCtx   context.Context
	runCtxMu sync.RWMutex

	// interactionWG tracks slash commands running after their deferred
	// response was sent
	interactionWG sync.WaitGroup
}

// New creates a RoomKeeper from config. The database and discord
// session are initialized by Run.
func New(config *Config) (*RoomKeeper, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	k := &RoomKeeper{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	k.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	k.logger = slog.New(k.logHandler)
	slog.SetDefault(k.logger)

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	k.discord = disc

	api, err := newAPI(k, config.API)
	errs = append(errs, err)
	k.api = api

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(k, config.Discord.WebhookServer)
		errs = append(errs, e)
		k.discordWebhookServer = webhookServer
	}

	return k, errors.Join(errs...)
}

func (k *RoomKeeper) ValidateConfig() error {
	err := structValidator.Struct(k.config)
	if k.config.Rooms != nil {
		if msg, ok := validateRoomsConfig(reflect.ValueOf(*k.config.Rooms)).(string); ok {
			err = errors.Join(err, fmt.Errorf("invalid rooms config: %s", msg))
		}
	}
	return err
}

// RuntimeConfig returns a copy of the current runtime configuration
func (k *RoomKeeper) RuntimeConfig() RuntimeConfig {
	k.cfgMu.RLock()
	defer k.cfgMu.RUnlock()
	if k.runtimeConfig == nil {
		return RuntimeConfig{}
	}
	return *k.runtimeConfig
}

// Controller returns the room controller, once the database is initialized
func (k *RoomKeeper) Controller() *Controller {
	return k.controller
}

func (k *RoomKeeper) runtimeContext() context.Context {
	k.runCtxMu.RLock()
	defer k.runCtxMu.RUnlock()
	if k.runCtx == nil {
		return context.Background()
	}
	return k.runCtx
}

// Run initializes the database, starts the API, connects to discord and
// blocks until ctx is cancelled or a stop signal is received, then shuts
// down gracefully.
func (k *RoomKeeper) Run(ctx context.Context) error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	k.signalStop = make(chan struct{}, 1)
	k.startedAt = time.Now()
	logger := k.logger

	if err := k.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(
		ctx, slog.LevelInfo, "starting",
		slog.Group("build", "version", Version, "commit", CommitSHA, "built", BuildTime),
		slog.Any("config", k.config),
	)

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	k.runCtxMu.Lock()
	k.runCtx = ctx
	k.runCtxMu.Unlock()

	runtimeWG := &sync.WaitGroup{}

	go func() {
		select {
		case <-k.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	go func() {
		httpErr := k.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			cancel()
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, k.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- k.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			k.api.close()
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if setupErr := k.waitOnSetup(ctx, logger); setupErr != nil {
		return k.shutdown(ctx, runtimeWG)
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := k.notifier.Listen(ctx); e != nil {
			logger.ErrorContext(ctx, "error listening for notifications", tint.Err(e))
		}
	}()

	if k.discordWebhookServer != nil {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			httpErr := k.discordWebhookServer.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err := k.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := k.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		cancel()
		_ = k.shutdown(ctx, runtimeWG)
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	go sendStartupMessage(k.discord, logger, k.RuntimeConfig())

	k.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()
	return k.shutdown(ctx, runtimeWG)
}

// initRun initializes the database and the components depending on
// it, then loads the runtime config
func (k *RoomKeeper) initRun(ctx context.Context) error {
	if k.db == nil {
		if err := k.initDB(ctx); err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
	}

	state, created, err := loadRuntimeConfig(ctx, k.db, k.config)
	if err != nil {
		return err
	}
	if created {
		k.logger.InfoContext(ctx, "created default runtime config")
	}
	if err = structValidator.Struct(state); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}
	if state.AdminUsername == "" || state.AdminPassword == "" {
		k.pendingSetup.Store(true)
	}
	setRuntimeLevels(k.config, *state)

	k.cfgMu.Lock()
	k.runtimeConfig = state
	k.cfgMu.Unlock()

	if k.notifier == nil {
		notifier, nErr := newNotifier(
			k.config.Notifier,
			k.config.DatabaseType,
			k.config.Database,
			k.db,
			NotifierHandlers{
				ResponseReady: func(pendingID string) {
					k.mediator.Signal(pendingID)
				},
				Stop: k.Stop,
			},
			k.logger,
		)
		if nErr != nil {
			return fmt.Errorf("error creating notifier: %w", nErr)
		}
		k.notifier = notifier
		k.mediator.notifier = notifier
	}
	return nil
}

// initDB opens and migrates the database, and creates the room
// controller and mediator around it
func (k *RoomKeeper) initDB(ctx context.Context) error {
	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     k.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, k.config.DatabaseSlowThreshold)
	db, err := getDB(k.config.DatabaseType, k.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	if k.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(db); err != nil {
			return err
		}
	}
	k.logger.DebugContext(ctx, "migrating database")
	if err = migrate(ctx, db); err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}

	k.db = NewDatabase(
		db,
		slog.New(handler),
		k.config.DatabaseType == dbTypePostgres,
	)

	roomsLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     k.config.Rooms.LogLevel,
				AddSource: true,
			},
		),
	)
	k.mediator = newMediator(
		k.db,
		k.discord,
		k.config.Rooms.ResponsePollInterval,
		roomsLogger.With(loggerNameKey, "mediator"),
	)
	k.controller = newController(
		k.db,
		k.discord,
		k.mediator,
		k.config.Rooms,
		roomsLogger.With(loggerNameKey, "rooms"),
	)
	return nil
}

// waitOnSetup blocks until admin credentials have been set through the
// API, so rooms aren't managed by a bot nobody can stop
func (k *RoomKeeper) waitOnSetup(ctx context.Context, logger *slog.Logger) error {
	if !k.pendingSetup.Load() {
		return nil
	}
	logger.WarnContext(ctx, "pending initial setup", "path", apiPathSetup)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
			return ctx.Err()
		case <-ticker.C:
			if !k.pendingSetup.Load() {
				return nil
			}
			state, _, err := loadRuntimeConfig(ctx, k.db, k.config)
			if err != nil {
				logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
				continue
			}
			if state.AdminUsername != "" && state.AdminPassword != "" {
				k.cfgMu.Lock()
				k.runtimeConfig = state
				k.cfgMu.Unlock()
				k.pendingSetup.Store(false)
				return nil
			}
		}
	}
}

// initDiscordSession creates the session, if one wasn't set, and
// registers the gateway event handlers
func (k *RoomKeeper) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if k.discord.session == nil {
		session, err := k.discord.newSession()
		if err != nil {
			return err
		}
		k.discord.session = session
	}
	for _, remove := range k.discord.discordgoRemoveHandlerFuncs {
		remove()
	}
	k.discord.discordgoRemoveHandlerFuncs = nil

	ctx = WithLogger(ctx, k.discord.logger)
	for _, h := range k.eventHandlers(ctx, runtimeWG) {
		k.discord.discordgoRemoveHandlerFuncs = append(
			k.discord.discordgoRemoveHandlerFuncs,
			k.discord.session.AddHandler(h),
		)
	}
	return nil
}

// Stop signals Run to shut down. It's safe to call more than once.
func (k *RoomKeeper) Stop() {
	if k.signalStop == nil {
		return
	}
	select {
	case k.signalStop <- struct{}{}:
	default:
	}
}

// refreshRuntimeConfig replaces the cached runtime config, applying
// log levels and the custom status if it changed
func (k *RoomKeeper) refreshRuntimeConfig(ctx context.Context, state *RuntimeConfig) {
	k.cfgMu.Lock()
	previous := k.runtimeConfig
	k.runtimeConfig = state
	k.cfgMu.Unlock()

	setRuntimeLevels(k.config, *state)

	if k.discord.session == nil || !k.discord.connected.Load() {
		return
	}
	if previous == nil || previous.DiscordCustomStatus != state.DiscordCustomStatus {
		if err := k.discord.session.UpdateCustomStatus(state.DiscordCustomStatus); err != nil {
			contextLoggerOr(ctx, k.logger).ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
}

// sendStartupMessage posts the startup message to the notification
// channel, if one is configured
func sendStartupMessage(d *Discord, logger *slog.Logger, state RuntimeConfig) {
	if state.DiscordNotificationChannelID == "" || d.config.StartupMessage == "" {
		return
	}
	if _, err := d.session.ChannelMessageSend(
		state.DiscordNotificationChannelID,
		d.config.StartupMessage,
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	); err != nil {
		logger.Error("error sending startup message", tint.Err(err))
	}
}

// shutdown waits for in-flight events and commands, then stops the
// servers and closes the discord session. If that takes longer than
// the shutdown timeout, everything is closed immediately.
func (k *RoomKeeper) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := k.logger
	logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case k.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := k.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		logger.Warn("immediate shutdown")
		k.closeServers()
		return errors.New("immediate shutdown requested")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)
	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// stop receiving events first, so nothing new is added to the
		// wait groups
		if k.discord.session != nil {
			logger.InfoContext(ctx, "closing discord session")
			if err := k.discord.session.Close(); err != nil {
				logger.WarnContext(ctx, "error closing discord session", tint.Err(err))
			}
			for _, remove := range k.discord.discordgoRemoveHandlerFuncs {
				remove()
			}
			k.discord.discordgoRemoveHandlerFuncs = nil
		}

		runtimeWG.Wait()
		k.interactionWG.Wait()
		logger.InfoContext(
			ctx, "finished handling in-flight events",
			"duration", time.Since(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}
		if k.api != nil && k.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = k.api.httpServer.Shutdown(closeCtx)
				logger.InfoContext(ctx, "api server stopped")
			}()
		}
		if k.discordWebhookServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = k.discordWebhookServer.httpServer.Shutdown(closeCtx)
				logger.InfoContext(ctx, "webhook server stopped")
			}()
		}
		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
			return nil
		case <-announcementTicker.C:
			logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			logger.Warn("shutdown timed out, forcing close")
			k.closeServers()
			return errors.New("shutdown timed out")
		}
	}
}

func (k *RoomKeeper) closeServers() {
	if k.api != nil && k.api.httpServer != nil {
		_ = k.api.httpServer.Close()
	}
	if k.discordWebhookServer != nil {
		_ = k.discordWebhookServer.httpServer.Close()
	}
}
