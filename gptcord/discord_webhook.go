package gptcord

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// DiscordWebhookServer receives interactions over HTTP instead of the
// gateway. Requests are verified against the application's public key.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	// ctx is the context interactions are run with, so in-flight work
	// isn't cancelled when the HTTP request completes
	ctx context.Context
}

// Serve listens on the configured address until the server is shut down.
// Interactions are handled with ctx.
func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	d.ctx = ctx
	if d.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, d.config.ListenNetwork, d.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
		}
		if d.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, d.httpServer.TLSConfig)
		} else {
			d.logger.WarnContext(ctx, "starting server without TLS")
		}
		d.listener = ln
	}
	d.logger.InfoContext(ctx, "webhook server listening", "addr", d.listener.Addr().String())
	return d.httpServer.Serve(d.listener)
}

func (d *DiscordWebhookServer) Shutdown(ctx context.Context) error {
	return d.httpServer.Shutdown(ctx)
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	b *Bot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	logger := newLogger("discord_webhook", config.LogLevel)

	r := gin.New()
	server := &DiscordWebhookServer{
		config: config,
		engine: r,
		logger: logger,
		ctx:    context.Background(),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	server.httpServer = httpServer

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware("discord_webhook", b.metrics),
		discordRequestAuthenticationMiddleware(b.discord.publicKey),
	)
	r.POST(
		apiDiscordInteractions,
		webhookReceiveHandler(func() context.Context { return server.ctx }, b),
	)
	return server, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written as the HTTP response; everything after
// goes through the REST API like a gateway interaction.
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

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	return nil
}

// webhookReceiveHandler returns a [gin.HandlerFunc] for handling Discord
// webhook interactions. runCtx supplies the context interactions run with.
func webhookReceiveHandler(runCtx func() context.Context, b *Bot) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_ip", c.RemoteIP(),
				xRequestIDHeader, requestID,
			),
		)
		ctx := WithLogger(runCtx(), logger)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(ctx, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(ctx, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		i := &interaction
		if b.getInteractionHandlerFunc == nil {
			c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
			return
		}
		handler := WebhookHandler{
			ginContext:         c,
			InteractionHandler: b.getInteractionHandlerFunc(ctx, i),
		}
		b.handleInteraction(ctx, handler)
		if !c.Writer.Written() {
			// nothing was answered (ignored user, unhandled type)
			c.Status(http.StatusNoContent)
		}
	}
}

// discordRequestAuthenticationMiddleware is a middleware for verifying Discord
// webhook requests.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if !verifyRequest(c.Request, publicKey) {
			logger.WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the request's ed25519 signature over the timestamp
// header and body. The body is restored for the next handler.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}

	sig, err := hex.DecodeString(r.Header.Get("X-Signature-Ed25519"))
	if err != nil || len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
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
