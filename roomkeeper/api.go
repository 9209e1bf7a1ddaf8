package roomkeeper

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	pprofPrefix              = "/debug"
	apiPrefix                = "/api"
	apiPathQuit              = "/quit"
	apiPathLogin             = "/login"
	apiPathLogout            = "/logout"
	apiPathLoggedIn          = "/logged_in"
	apiHealthCheck           = "/healthz"
	apiPathStatus            = "/status"
	apiPathConfig            = "/config"
	apiPathSetup             = "/setup"
	apiPathSetupStatus       = "/setup/status"
	apiPathGuilds            = "/guilds"
	apiPathGuildConfig       = "/guilds/:id/config"
	apiPathGuildEnable       = "/guilds/:id/enable"
	apiPathGuildDisable      = "/guilds/:id/disable"
	apiPathGuildRooms        = "/guilds/:id/rooms"
	apiPathRoom              = "/rooms/:id"
	apiPathInteractions      = "/interactions"
	apiPathRegisterCommands  = "/discord/register_commands"
	defaultInteractionsLimit = 50
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
	ginBaseLoggerKey = "base_logger"
)

var structValidator = validator.New()

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(validateRoomsConfig, RoomsConfig{})
}

// API is the admin API: login, bot status, guild private room
// configuration, and the runtime config
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	listenerMu          sync.Mutex
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

func newAPI(k *RoomKeeper, config *APIConfig) (*API, error) {
	logger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	r := gin.New()
	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              logger,
	}
	handlers := newAPIHandlers(k, api, logger)
	api.handlers = handlers
	api.store = handlers.store

	httpServer := &http.Server{
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
		// credentials can't be combined with a wildcard origin
		corsConfig.AllowCredentials = false
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, handlers.store),
	)

	r.POST(apiPathLogin, handlers.loginHandler)
	r.POST(apiPathLogout, handlers.logoutHandler)
	r.GET(apiHealthCheck, handlers.healthCheck)
	r.POST(apiPathSetup, handlers.adminSetup)
	r.GET(apiPathSetupStatus, handlers.setupStatus)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(k, api))

	protected.GET(apiPathLoggedIn, handlers.loggedIn)
	protected.GET(apiPathStatus, handlers.status)
	protected.GET(apiPathGuilds, handlers.getGuilds)
	protected.GET(apiPathGuildConfig, handlers.getGuildConfig)
	protected.PATCH(apiPathGuildConfig, handlers.updateGuildConfig)
	protected.POST(apiPathGuildEnable, handlers.enableGuild)
	protected.POST(apiPathGuildDisable, handlers.disableGuild)
	protected.GET(apiPathGuildRooms, handlers.getGuildRooms)
	protected.DELETE(apiPathRoom, handlers.deleteRoom)
	protected.GET(apiPathConfig, handlers.getConfig)
	protected.PATCH(apiPathConfig, handlers.updateRuntimeConfig)
	protected.GET(apiPathInteractions, handlers.getInteractions)
	protected.POST(apiPathRegisterCommands, handlers.registerCommands)
	protected.POST(apiPathQuit, handlers.botQuit)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	a.listenerMu.Lock()
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.listenerMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		} else {
			a.logger.WarnContext(ctx, "starting api server without TLS")
		}
		a.listener = ln
	}
	ln := a.listener
	a.listenerMu.Unlock()
	return a.httpServer.Serve(ln)
}

func (a *API) close() {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	if a.listener != nil {
		_ = a.listener.Close()
	}
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField].(string)
	if !ok || username == "" {
		return "", errors.New("username not found in session")
	}
	return username, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	k      *RoomKeeper
	api    *API
	logger *slog.Logger
	store  CookieStore
}

func newAPIHandlers(k *RoomKeeper, api *API, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := k.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(k.config.API))
	return &APIHandlers{k: k, api: api, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.k.pendingSetup.Load()})
}

// adminSetup sets the first admin credentials. It's only allowed while
// setup is pending.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.k.cfgMu.Lock()
	defer h.k.cfgMu.Unlock()

	if !h.k.pendingSetup.Load() || h.k.runtimeConfig == nil {
		c.JSON(http.StatusForbidden, httpError{Error: "forbidden"})
		return
	}

	logger := ginContextLogger(c)
	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	state := h.k.runtimeConfig
	if err := setAdminCredentials(c, h.k.db, state.ID, payload.Username, payload.Password); err != nil {
		logger.ErrorContext(c, "error setting admin credentials", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}
	updated, _, err := loadRuntimeConfig(c, h.k.db, h.k.config)
	if err != nil {
		logger.ErrorContext(c, "error reloading runtime config", tint.Err(err))
		ginReplyError(c, "error reloading runtime config")
		return
	}
	h.k.runtimeConfig = updated
	h.k.pendingSetup.Store(false)
	logger.InfoContext(c, "admin credentials set", "username", payload.Username)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.WarnContext(c, "login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	state := h.k.RuntimeConfig()
	if state.AdminUsername == "" || state.AdminPassword == "" {
		logger.WarnContext(c, "admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != state.AdminUsername {
		logger.WarnContext(c, "invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(state.AdminPassword, login.Password)
	if err != nil {
		logger.ErrorContext(c, "error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.WarnContext(c, "invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil && session == nil {
		logger.ErrorContext(c, "error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.ErrorContext(c, "error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.InfoContext(c, "logged in", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.ErrorContext(c, "error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	session.Values[sessionVarField] = ""
	session.Options.MaxAge = -1
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.ErrorContext(c, "error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.api.getSessionUsername(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		DiscordGatewayConnected: h.k.discord.connected.Load(),
	}
	if h.k.db != nil {
		guilds, err := h.k.db.Guilds(c)
		if err != nil {
			ginContextLogger(c).ErrorContext(c, "error getting guilds", tint.Err(err))
			ginReplyError(c, "error getting guilds")
			return
		}
		resp.Guilds = len(guilds)
	}
	c.JSON(http.StatusOK, resp)
}

// status reports runtime metrics for the bot and its host process
func (h *APIHandlers) status(c *gin.Context) {
	k := h.k
	resp := statusResponse{
		StartedAt:               k.startedAt,
		Uptime:                  time.Since(k.startedAt).Round(time.Second).String(),
		Goroutines:              runtime.NumGoroutine(),
		DiscordGatewayConnected: k.discord.connected.Load(),
		DiscordConnects:         k.discord.metricConnects.Load(),
		DiscordDisconnects:      k.discord.metricDisconnects.Load(),
	}
	if k.mediator != nil {
		resp.PendingResponses = k.mediator.Waiting()
	}
	if k.controller != nil {
		resp.RoomLocks = k.controller.locks.Len()
		rooms, err := k.controller.rooms.List(c, "")
		if err != nil {
			ginContextLogger(c).ErrorContext(c, "error listing rooms", tint.Err(err))
		}
		resp.Rooms = len(rooms)
	}

	h.api.requestMetricsMu.Lock()
	resp.Requests = make(map[string]int, len(h.api.requestMetrics))
	for key, ct := range h.api.requestMetrics {
		resp.Requests[key] = ct
	}
	h.api.requestMetricsMu.Unlock()

	if p, err := process.NewProcessWithContext(c, int32(os.Getpid())); err == nil {
		if memInfo, e := p.MemoryInfoWithContext(c); e == nil {
			resp.Process.RSS = memInfo.RSS
		}
		if cpu, e := p.CPUPercentWithContext(c); e == nil {
			resp.Process.CPUPercent = cpu
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(c); err == nil {
		resp.Host.MemoryUsedPercent = vm.UsedPercent
		resp.Host.MemoryTotal = vm.Total
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getGuilds(c *gin.Context) {
	guilds, err := h.k.db.Guilds(c)
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error getting guilds", tint.Err(err))
		ginReplyError(c, "error getting guilds")
		return
	}
	cfgs, err := h.k.db.GuildConfigs(c)
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error getting guild configs", tint.Err(err))
		ginReplyError(c, "error getting guild configs")
		return
	}
	enabled := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		enabled[cfg.GuildID] = true
	}
	resp := make([]guildResponse, 0, len(guilds))
	for _, g := range guilds {
		resp = append(resp, guildResponse{Guild: g, PrivateRooms: enabled[g.ID]})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getGuildConfig(c *gin.Context) {
	cfg, err := h.k.db.GuildConfig(c, c.Param("id"))
	if err != nil {
		h.replyControllerError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// updateGuildConfig applies a partial update to a guild's room
// defaults. Unlike the slash command, admins aren't limited by the
// allow toggles.
func (h *APIHandlers) updateGuildConfig(c *gin.Context) {
	var update GuildConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := structValidator.Struct(update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	ctx := WithLogger(context.WithoutCancel(c), ginContextLogger(c))
	cfg, err := h.k.controller.UpdateGuildConfig(ctx, c.Param("id"), update)
	if err != nil {
		h.replyControllerError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *APIHandlers) enableGuild(c *gin.Context) {
	var payload enableGuildPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
	}
	ctx := WithLogger(context.WithoutCancel(c), ginContextLogger(c))
	cfg, err := h.k.controller.EnablePrivateRooms(ctx, c.Param("id"), payload.TextChannels)
	if err != nil {
		h.replyControllerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (h *APIHandlers) disableGuild(c *gin.Context) {
	ctx := WithLogger(context.WithoutCancel(c), ginContextLogger(c))
	if err := h.k.controller.DisablePrivateRooms(ctx, c.Param("id")); err != nil {
		h.replyControllerError(c, err)
		return
	}
	ginReplyMessage(c, "private rooms disabled")
}

func (h *APIHandlers) getGuildRooms(c *gin.Context) {
	rooms, err := h.k.controller.rooms.List(c, c.Param("id"))
	if err != nil {
		h.replyControllerError(c, err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

// deleteRoom tears a room down regardless of who's connected to it
func (h *APIHandlers) deleteRoom(c *gin.Context) {
	ctx := WithLogger(context.WithoutCancel(c), ginContextLogger(c))
	if err := h.k.controller.DeleteRoom(ctx, c.Param("id")); err != nil {
		h.replyControllerError(c, err)
		return
	}
	ginReplyMessage(c, "room deleted")
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.k.RuntimeConfig())
}

func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := update.validate(); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	current := h.k.RuntimeConfig()
	updated, err := updateRuntimeConfig(c, h.k.db, current.ID, update)
	if err != nil {
		logger.ErrorContext(c, "error updating runtime config", tint.Err(err))
		ginReplyError(c, "error updating config")
		return
	}
	logger.InfoContext(c, "updated runtime config", "updates", update.columns())
	h.k.refreshRuntimeConfig(c, updated)

	if updated.DiscordNotificationChannelID != current.DiscordNotificationChannelID &&
		h.k.discord.connected.Load() {
		go sendStartupMessage(h.k.discord, logger, *updated)
	}
	c.JSON(http.StatusOK, updated)
}

func (h *APIHandlers) getInteractions(c *gin.Context) {
	var query interactionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	limit := query.Limit
	if limit == 0 {
		limit = defaultInteractionsLimit
	}
	tx := h.k.db.DB().WithContext(c).Order("id desc").Limit(limit).Offset(query.Offset)
	if query.GuildID != "" {
		tx = tx.Where("guild_id = ?", query.GuildID)
	}
	if query.UserID != "" {
		tx = tx.Where("user_id = ?", query.UserID)
	}
	var logs []InteractionLog
	if err := tx.Find(&logs).Error; err != nil {
		ginContextLogger(c).ErrorContext(c, "error getting interactions", tint.Err(err))
		ginReplyError(c, "error getting interactions")
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *APIHandlers) registerCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	if h.k.discord.session == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "discord session not initialized"})
		return
	}
	created, err := h.k.RegisterSlashCommands()
	if err != nil {
		logger.ErrorContext(c, "error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

// botQuit stops every instance sharing the database
func (h *APIHandlers) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.WarnContext(c, "sending stop signal")
	if h.k.notifier == nil {
		h.k.Stop()
		ginReplyMessage(c, "quitting")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c), dbNotifierSendTimeout)
	defer cancel()
	if err := h.k.notifier.Stop(ctx); err != nil {
		logger.ErrorContext(c, "error sending stop signal", tint.Err(err))
	}
	ginReplyMessage(c, "quitting")
}

// replyControllerError maps controller errors to HTTP status codes
func (h *APIHandlers) replyControllerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPrivateRoomsDisabled):
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
	case errors.Is(err, ErrPrivateRoomsEnabled):
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrInvalidLimit):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
	default:
		ginContextLogger(c).ErrorContext(c, "request failed", tint.Err(err))
		ginReplyError(c, "internal server error")
	}
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
	Guilds                  int  `json:"guilds"`
}

type statusResponse struct {
	StartedAt               time.Time      `json:"started_at"`
	Uptime                  string         `json:"uptime"`
	Goroutines              int            `json:"goroutines"`
	DiscordGatewayConnected bool           `json:"discord_gateway_connected"`
	DiscordConnects         int64          `json:"discord_connects"`
	DiscordDisconnects      int64          `json:"discord_disconnects"`
	Rooms                   int            `json:"rooms"`
	RoomLocks               int            `json:"room_locks"`
	PendingResponses        int            `json:"pending_responses"`
	Requests                map[string]int `json:"requests"`
	Process                 struct {
		RSS        uint64  `json:"rss"`
		CPUPercent float64 `json:"cpu_percent"`
	} `json:"process"`
	Host struct {
		MemoryTotal       uint64  `json:"memory_total"`
		MemoryUsedPercent float64 `json:"memory_used_percent"`
	} `json:"host"`
}

type guildResponse struct {
	Guild
	PrivateRooms bool `json:"private_rooms"`
}

type enableGuildPayload struct {
	TextChannels bool `json:"text_channels"`
}

type interactionsQuery struct {
	GuildID string `form:"guild_id"`
	UserID  string `form:"user_id"`
	Limit   int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset  int    `form:"offset" binding:"omitempty,min=0"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,min=8,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse tells a client whether admin credentials still need
// to be set
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware requires a session with a username. Nothing is
// accessible until setup is complete.
func authMiddleware(k *RoomKeeper, api *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if k.pendingSetup.Load() {
			logger.WarnContext(c, "admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		username, err := api.getSessionUsername(c)
		if err != nil {
			logger.WarnContext(c, "unauthorized", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Set(sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns each request a random ID, returned in
// the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating it with
// the request details if it doesn't exist yet
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	base := slog.Default()
	if logger, ok := c.Get(ginBaseLoggerKey); ok {
		if l, ok := logger.(*slog.Logger); ok {
			base = l
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, using
// logger as the base for the request's logger
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(ginBaseLoggerKey, logger)
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		msg := fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path)
		errs := c.Errors.ByType(gin.ErrorTypePrivate).Errors()
		if len(errs) > 0 {
			requestLogger.Error(msg, "duration", latency, "errors", strings.Join(errs, "; "), response)
			return
		}
		requestLogger.Info(msg, "duration", latency, response)
	}
}

// metricMiddleware counts requests by method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := c.Request.Method + " " + route
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
