package gptcord

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	pprofPrefix            = "/debug"
	apiPrefix              = "/api"
	apiHealthCheck         = "/healthz"
	apiMetrics             = "/metrics"
	apiPathSessions        = "/sessions"
	apiPathSession         = "/sessions/:user_id/:channel_id"
	apiPathCommands        = "/commands"
	apiPathVideoJob        = "/video_jobs/:job_id"
	apiDiscordInteractions = "/discord/interactions"

	xRequestIDHeader = "X-Request-ID"

	defaultCommandsLimit = 50
	maxCommandsLimit     = 500
)

// API is the bot's admin HTTP server: health, metrics, and session
// management behind bearer token auth.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	handlers *APIHandlers
}

// newAPI builds the API server for b.
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := newLogger("api", config.LogLevel)

	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:   config,
		engine:   r,
		logger:   logger,
		handlers: &APIHandlers{b: b},
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware("api", b.metrics),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)
	r.GET(apiMetrics, gin.WrapH(b.metrics.Handler()))

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret))
	protected.GET(apiPathSessions, api.handlers.listSessions)
	protected.DELETE(apiPathSession, api.handlers.deleteSession)
	protected.GET(apiPathCommands, api.handlers.listCommands)
	protected.GET(apiPathVideoJob, api.handlers.getVideoJob)

	return api, nil
}

// Serve listens on the configured address until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		} else {
			a.logger.WarnContext(ctx, "starting server without TLS")
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "API listening", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// APIHandlers implements the API's routes.
type APIHandlers struct {
	b *Bot
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool    `json:"discord_gateway_connected"`
	ActiveSessions          int     `json:"active_sessions"`
	Uptime                  float64 `json:"uptime_seconds"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	var uptime float64
	if !h.b.startedAt.IsZero() {
		uptime = time.Since(h.b.startedAt).Seconds()
	}
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: h.b.discord.connected.Load(),
			ActiveSessions:          h.b.conversations.Store().Len(),
			Uptime:                  uptime,
		},
	)
}

// listSessions returns every active conversation, oldest first.
func (h *APIHandlers) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.conversations.Store().List())
}

// deleteSession ends the conversation for a user in a channel, the same
// as the user pressing Stop.
func (h *APIHandlers) deleteSession(c *gin.Context) {
	key := SessionKey{UserID: c.Param("user_id"), ChannelID: c.Param("channel_id")}
	logger := ginContextLogger(c)
	if !h.b.conversations.Store().Clear(key) {
		c.JSON(http.StatusNotFound, httpError{Error: ErrSessionNotFound.Error()})
		return
	}
	h.b.metrics.setActiveSessions(h.b.conversations.Store().Len())
	logger.InfoContext(c, "cleared conversation", "key", key)
	ginReplyMessage(c, "conversation ended")
}

type getCommandsQuery struct {
	UserID string `form:"user_id"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

// listCommands returns the most recent command logs.
func (h *APIHandlers) listCommands(c *gin.Context) {
	var query getCommandsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	limit := query.Limit
	if limit == 0 {
		limit = defaultCommandsLimit
	}
	limit = min(limit, maxCommandsLimit)

	logs, err := h.b.db.RecentCommands(c, query.UserID, limit)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error fetching commands")
		return
	}
	if logs == nil {
		logs = []CommandLog{}
	}
	c.JSON(http.StatusOK, logs)
}

// getVideoJob returns the poll history of a video job.
func (h *APIHandlers) getVideoJob(c *gin.Context) {
	job, err := h.b.db.VideoJob(c, c.Param("job_id"))
	switch {
	case isRecordNotFound(err):
		c.JSON(http.StatusNotFound, httpError{Error: "video job not found"})
	case err != nil:
		_ = c.Error(err)
		ginReplyError(c, "error fetching video job")
	default:
		c.JSON(http.StatusOK, job)
	}
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

// NewAPIToken mints a bearer token for the API, signed with secret.
func NewAPIToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("api secret not set")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// authMiddleware rejects requests without a valid, unexpired bearer token
// signed with secret.
func authMiddleware(secret string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		tokenString, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		var claims jwt.RegisteredClaims
		if _, err := parser.ParseWithClaims(tokenString, &claims, keyFunc); err != nil {
			logger.WarnContext(c, "invalid bearer token", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		logger = logger.With("subject", claims.Subject)
		c.Set(string(loggerContextKey), logger)
		c.Next()
	}
}

// requestIDMiddleware assigns each request a random ID, set on the
// context and echoed in the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := v.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and response
// status, and any private errors attached to the context.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		if base != nil {
			requestID, _ := c.Get(xRequestIDHeader)
			c.Set(
				string(loggerContextKey), base.With(
					slog.Group(
						"request",
						"method", c.Request.Method,
						"path", c.Request.URL.Path,
						"remote_ip", c.RemoteIP(),
					),
					slog.Any(xRequestIDHeader, requestID),
				),
			)
		}
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		errs := c.Errors.ByType(gin.ErrorTypePrivate)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by route and status code.
func metricMiddleware(server string, metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		metrics.observeHTTPRequest(server, c.FullPath(), c.Writer.Status())
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
