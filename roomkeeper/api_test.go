package roomkeeper

import (
	"bytes"
	"context"
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// apiRequest sends a request to the API engine, with the given cookie
// if it's not nil. body is marshaled to JSON if it's not nil.
func apiRequest(
	t testing.TB,
	k *RoomKeeper,
	method string,
	path string,
	body any,
	cookie *http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	k.api.engine.ServeHTTP(w, req)
	return w
}

func login(t testing.TB, k *RoomKeeper) *http.Cookie {
	t.Helper()
	w := apiRequest(t, k, http.MethodPost, apiPathLogin, userLogin{Username: testAdmin, Password: testPass}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func decodeBody[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_LoggedIn(t *testing.T) {
	t.Parallel()
	k, _ := newRoomKeeper(t)
	cookie := login(t, k)

	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, int(k.config.API.SessionMaxAge.Seconds()), cookie.MaxAge)

	w := apiRequest(t, k, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testAdmin, decodeBody[loggedInResponse](t, w).Username)

	w = apiRequest(t, k, http.MethodPost, apiPathLogout, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestAPI_NotLoggedIn(t *testing.T) {
	t.Parallel()
	k, _ := newRoomKeeper(t)

	w := apiRequest(t, k, http.MethodPost, apiPathLogin, userLogin{Username: testAdmin, Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// let the limiter refill before the next attempt
	time.Sleep(time.Second)
	w = apiRequest(t, k, http.MethodPost, apiPathLogin, userLogin{Username: "someone", Password: testPass}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	for _, path := range []string{apiPathLoggedIn, apiPathStatus, apiPathGuilds, apiPathConfig} {
		w = apiRequest(t, k, http.MethodGet, apiPrefix+path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestAPILoginRateLimit(t *testing.T) {
	t.Parallel()
	k, _ := newRoomKeeper(t)

	codes := make(chan int, 5)
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := apiRequest(
				t, k, http.MethodPost, apiPathLogin,
				userLogin{Username: testAdmin, Password: testPass}, nil,
			)
			codes <- w.Code
		}()
	}
	wg.Wait()
	close(codes)

	seen := map[int]int{}
	for c := range codes {
		seen[c]++
	}
	assert.Positive(t, seen[http.StatusTooManyRequests], "codes: %v", seen)
}

func TestAPI_AdminSetup(t *testing.T) {
	t.Parallel()
	k, _ := newRoomKeeper(t)
	ctx := context.Background()

	// not pending, so setup is forbidden
	payload := adminSetupPayload{Username: "root", Password: "hunter2hunter2", ConfirmPassword: "hunter2hunter2"}
	w := apiRequest(t, k, http.MethodPost, apiPathSetup, payload, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	require.NoError(
		t,
		k.db.DB().Model(&RuntimeConfig{}).Where("id = ?", k.runtimeConfig.ID).Updates(
			map[string]any{columnRuntimeConfigAdminUsername: "", columnRuntimeConfigAdminPassword: ""},
		).Error,
	)
	state, _, err := loadRuntimeConfig(ctx, k.db, k.config)
	require.NoError(t, err)
	k.runtimeConfig = state
	k.pendingSetup.Store(true)

	w = apiRequest(t, k, http.MethodGet, apiPathSetupStatus, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[setupResponse](t, w).Required)

	// nothing protected is reachable while setup is pending
	w = apiRequest(t, k, http.MethodGet, apiPrefix+apiPathStatus, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	mismatched := payload
	mismatched.ConfirmPassword = "something-else"
	w = apiRequest(t, k, http.MethodPost, apiPathSetup, mismatched, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, k, http.MethodPost, apiPathSetup, payload, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.False(t, k.pendingSetup.Load())
	assert.Equal(t, "root", k.RuntimeConfig().AdminUsername)

	w = apiRequest(t, k, http.MethodPost, apiPathLogin, userLogin{Username: "root", Password: "hunter2hunter2"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = apiRequest(t, k, http.MethodPost, apiPathSetup, payload, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	enablePrivateRooms(t, k, session, false)

	w := apiRequest(t, k, http.MethodGet, apiHealthCheck, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[healthCheckResponse](t, w)
	assert.Equal(t, 1, resp.Guilds)
}

func TestAPI_Status(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cfg := enablePrivateRooms(t, k, session, false)
	createRoom(t, k, session, cfg, "u1")
	cookie := login(t, k)

	w := apiRequest(t, k, http.MethodGet, apiPrefix+apiPathStatus, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[statusResponse](t, w)
	assert.Equal(t, 1, resp.Rooms)
	assert.Positive(t, resp.Goroutines)
	assert.Equal(t, 1, resp.Requests[http.MethodGet+" "+apiPrefix+apiPathStatus])
}

func TestAPI_Guilds(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	ctx := context.Background()
	cookie := login(t, k)

	require.NoError(t, k.db.SaveGuild(ctx, Guild{ID: testGuildID, Name: "test guild"}))
	guildPath := func(p string) string {
		return apiPrefix + strings.Replace(p, ":id", testGuildID, 1)
	}

	w := apiRequest(t, k, http.MethodGet, apiPrefix+apiPathGuilds, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	guilds := decodeBody[[]guildResponse](t, w)
	require.Len(t, guilds, 1)
	assert.False(t, guilds[0].PrivateRooms)

	w = apiRequest(t, k, http.MethodGet, guildPath(apiPathGuildConfig), nil, cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = apiRequest(t, k, http.MethodPost, guildPath(apiPathGuildEnable), enableGuildPayload{TextChannels: true}, cookie)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	cfg := decodeBody[GuildConfig](t, w)
	assert.True(t, cfg.TextChannels)
	assert.True(t, session.channelExists(cfg.CreationChannelID))

	w = apiRequest(t, k, http.MethodPost, guildPath(apiPathGuildEnable), nil, cookie)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = apiRequest(t, k, http.MethodGet, apiPrefix+apiPathGuilds, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[[]guildResponse](t, w)[0].PrivateRooms)

	name := "<owner>'s hangout"
	limit := 4
	w = apiRequest(
		t, k, http.MethodPatch, guildPath(apiPathGuildConfig),
		GuildConfigUpdate{DefaultName: &name, DefaultUserLimit: &limit}, cookie,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cfg = decodeBody[GuildConfig](t, w)
	assert.Equal(t, name, cfg.DefaultName)
	assert.Equal(t, 4, cfg.DefaultUserLimit)

	tooBig := 100
	w = apiRequest(
		t, k, http.MethodPatch, guildPath(apiPathGuildConfig),
		GuildConfigUpdate{DefaultUserLimit: &tooBig}, cookie,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	session.addMember(testGuildID, "u1", "alice", false)
	room := createRoom(t, k, session, &cfg, "u1")
	assert.Equal(t, "alice's hangout", room.Name)

	w = apiRequest(t, k, http.MethodGet, guildPath(apiPathGuildRooms), nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	rooms := decodeBody[[]Room](t, w)
	require.Len(t, rooms, 1)
	assert.Equal(t, room.ID, rooms[0].ID)

	roomPath := apiPrefix + strings.Replace(apiPathRoom, ":id", room.ID, 1)
	w = apiRequest(t, k, http.MethodDelete, roomPath, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assertRoomDeleted(t, k, room.ID)
	assert.False(t, session.channelExists(room.VoiceChannelID))

	w = apiRequest(t, k, http.MethodDelete, roomPath, nil, cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = apiRequest(t, k, http.MethodPost, guildPath(apiPathGuildDisable), nil, cookie)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, session.channelExists(cfg.CategoryID))

	w = apiRequest(t, k, http.MethodPost, guildPath(apiPathGuildDisable), nil, cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_UpdateConfig(t *testing.T) {
	t.Parallel()
	k, _ := newRoomKeeper(t)
	cookie := login(t, k)

	w := apiRequest(t, k, http.MethodGet, apiPrefix+apiPathConfig, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testAdmin, decodeBody[RuntimeConfig](t, w).AdminUsername)

	status := "keeping rooms"
	level := DBLogLevel("DEBUG")
	w = apiRequest(
		t, k, http.MethodPatch, apiPrefix+apiPathConfig,
		RuntimeConfigUpdate{DiscordCustomStatus: &status, RoomsLogLevel: &level}, cookie,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decodeBody[RuntimeConfig](t, w)
	assert.Equal(t, status, updated.DiscordCustomStatus)
	assert.Equal(t, level, updated.RoomsLogLevel)
	assert.Equal(t, status, k.RuntimeConfig().DiscordCustomStatus)
	assert.Equal(t, level.Level(), k.config.Rooms.LogLevel.Level())

	bad := DBLogLevel("LOUD")
	w = apiRequest(
		t, k, http.MethodPatch, apiPrefix+apiPathConfig,
		RuntimeConfigUpdate{LogLevel: &bad}, cookie,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	tooLong := strings.Repeat("x", 129)
	w = apiRequest(
		t, k, http.MethodPatch, apiPrefix+apiPathConfig,
		RuntimeConfigUpdate{DiscordCustomStatus: &tooLong}, cookie,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, status, k.RuntimeConfig().DiscordCustomStatus)
}

func TestAPI_Interactions(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cookie := login(t, k)

	runInteraction(t, k, session, commandInteraction("admin", DiscordSlashCommandPrivateRooms, "enable"))
	runInteraction(t, k, session, commandInteraction("someone", DiscordSlashCommandPrivateRooms, "enable"))

	w := apiRequest(t, k, http.MethodGet, apiPrefix+apiPathInteractions, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]InteractionLog](t, w), 2)

	w = apiRequest(t, k, http.MethodGet, apiPrefix+apiPathInteractions+"?user_id=someone", nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	logs := decodeBody[[]InteractionLog](t, w)
	require.Len(t, logs, 1)
	assert.Equal(t, "someone", logs[0].UserID)

	w = apiRequest(t, k, http.MethodGet, apiPrefix+apiPathInteractions+"?limit=1000", nil, cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_RegisterCommands(t *testing.T) {
	t.Parallel()
	k, session := newRoomKeeper(t)
	cookie := login(t, k)

	w := apiRequest(t, k, http.MethodPost, apiPrefix+apiPathRegisterCommands, nil, cookie)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Len(t, session.commands, len(slashCommands()))
}

func TestAPIHandlers_botQuit(t *testing.T) {
	t.Parallel()
	k, _ := newRoomKeeper(t)
	cookie := login(t, k)

	k.signalStop = make(chan struct{}, 1)

	w := apiRequest(t, k, http.MethodPost, apiPrefix+apiPathQuit, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case <-k.signalStop:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a stop signal")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()
	k, _ := newRoomKeeper(t)

	first := apiRequest(t, k, http.MethodGet, apiHealthCheck, nil, nil).Header().Get(xRequestIDHeader)
	second := apiRequest(t, k, http.MethodGet, apiHealthCheck, nil, nil).Header().Get(xRequestIDHeader)
	assert.Len(t, first, 32)
	assert.NotEqual(t, first, second)
}

func TestSessionOptions(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.API.SessionMaxAge = time.Hour

	opts := sessionOptions(cfg.API)
	assert.Equal(t, 3600, opts.MaxAge)
	assert.Equal(t, http.SameSiteStrictMode, opts.SameSite)
	assert.True(t, opts.HttpOnly)

	cfg.API.Development = true
	assert.Equal(t, http.SameSiteNoneMode, sessionOptions(cfg.API).SameSite)
}
