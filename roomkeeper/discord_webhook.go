package roomkeeper

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
)

const apiDiscordInteractions = "/discord/interactions"

// DiscordWebhookServer receives signed interaction POSTs from Discord,
// as an alternative to receiving interactions over the gateway
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	if d.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, d.config.ListenNetwork, d.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
		}
		d.listener = ln
	}
	if d.httpServer.TLSConfig == nil {
		d.logger.WarnContext(ctx, "starting webhook server without TLS")
		return d.httpServer.Serve(d.listener)
	}
	return d.httpServer.ServeTLS(d.listener, "", "")
}

// newWebhookServer creates the webhook server. Every request must carry
// a valid signature from the application's public key.
func newWebhookServer(
	k *RoomKeeper,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	logger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord_webhook")

	if len(k.discord.publicKey) != ed25519.PublicKeySize {
		return nil, errors.New("webhook server requires a valid public key")
	}

	r := gin.New()
	server := &DiscordWebhookServer{config: config, engine: r, logger: logger}

	httpServer := &http.Server{
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	server.httpServer = httpServer

	if !k.config.API.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		discordRequestAuthenticationMiddleware(k.discord.publicKey),
	)
	r.POST(apiDiscordInteractions, k.webhookReceiveHandler)
	return server, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written as the HTTP response body, later
// edits go through the REST API.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(_ context.Context, response *discordgo.InteractionResponse) error {
	w.ginContext.JSON(http.StatusOK, response)
	return nil
}

// webhookReceiveHandler decodes the interaction and handles it. The
// handler returns once the initial response is written.
func (k *RoomKeeper) webhookReceiveHandler(c *gin.Context) {
	requestID, _ := c.Get(xRequestIDHeader)
	logger := ginContextLogger(c).With(
		slog.Group(
			"webhook_request",
			"remote_ip", c.RemoteIP(),
			xRequestIDHeader, requestID,
		),
	)
	ctx := WithLogger(k.runtimeContext(), logger)

	defer func() {
		_ = c.Request.Body.Close()
	}()
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		logger.ErrorContext(ctx, "error reading body", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error reading body"})
		return
	}

	var interaction discordgo.InteractionCreate
	if err = json.Unmarshal(body, &interaction); err != nil {
		logger.ErrorContext(ctx, "error unmarshalling body", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
		return
	}
	handler := WebhookHandler{
		ginContext:         c,
		InteractionHandler: k.newGatewayHandler(&interaction),
	}
	k.handleInteraction(ctx, handler)
}

// discordRequestAuthenticationMiddleware rejects requests without a
// valid Discord signature
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the request's ed25519 signature, which covers
// the timestamp header followed by the body. The body is left readable
// for the next handler.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	var body bytes.Buffer
	defer func() {
		_ = r.Body.Close()
		r.Body = io.NopCloser(&body)
	}()
	if _, err = io.Copy(&msg, io.TeeReader(r.Body, &body)); err != nil {
		return false
	}
	return ed25519.Verify(key, msg.Bytes(), sig)
}
