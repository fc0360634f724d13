//nolint:lll // struct tags can't be split
package gptcord

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "GPTCORD_ENV_PREFIX"
	DefaultEnvPrefix   = "GPTCORD"

	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
	dbTypeNone     = "none"

	DefaultDatabaseType    = dbTypeSQLite
	DefaultDatabase        = "gptcord.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultOpenAIBaseURL              = "https://api.openai.com/v1"
	DefaultOpenAIRequestTimeout       = 5 * time.Minute
	DefaultOpenAIRetryDelay           = 2 * time.Second
	DefaultOpenAIMaxRequestsPerSecond = 0

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordWebhookServerListen        = "127.0.0.1:5001"
	DefaultDiscordWebhookServerTLSminVersion = tls.VersionTLS12
	DefaultDiscordGatewayIntent              = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent
	DefaultDiscordWebhookLogLevel            = slog.LevelInfo
	DefaultDiscordLogLevel                   = slog.LevelInfo
	DefaultDiscordErrorMessage               = "Sorry, something went wrong!"
	DefaultDiscordCustomStatus               = "/converse with me!"

	DefaultAPIListen        = "127.0.0.1:5000"
	DefaultAPITLSMinVersion = tls.VersionTLS12
	DefaultAPITokenTTL      = 24 * time.Hour

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelWarn
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultOpenAILogLevel          = slog.LevelInfo
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

var structValidator = validator.New()

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType is 'sqlite', 'postgres', or 'none' to disable the
	// audit log
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres none"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`

	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	Session SessionConfig `yaml:"session" mapstructure:"session" json:"session"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to connect and register
	// commands before startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow in-flight interactions to
	// finish before the bot exits.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `yaml:"-" mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// SessionConfig configures in-memory conversation state.
type SessionConfig struct {
	// Number of ended conversation IDs remembered, so buttons on old
	// messages say the conversation ended rather than that it wasn't found
	Tombstones int `yaml:"tombstones" mapstructure:"tombstones" json:"tombstones" binding:"min=0"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildIDs restricts the bot to these guilds. Commands are registered
	// per guild when set, and globally otherwise.
	GuildIDs []string `yaml:"guild_ids" mapstructure:"guild_ids" json:"guild_ids"`

	// Required when receiving webhook events rather than websockets
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Status shown on the bot's profile
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig represents the configuration for the Discord
// webhook server, which receives interactions over HTTP instead of the
// gateway.
type DiscordWebhookServerConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// OpenAIConfig configures OpenAI API access
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL of the OpenAI API, including the version path
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// PollInterval is the fixed interval between video job status checks
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=100ms"`

	// VideoTimeout is the wall-clock budget for a video job. The job is
	// abandoned, not cancelled, when it's exceeded.
	VideoTimeout time.Duration `yaml:"video_timeout" mapstructure:"video_timeout" json:"video_timeout" binding:"min=1s"`

	// MaxRequestsPerSecond limits outbound requests. 0=unlimited
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=0"`

	// RequestTimeout bounds each individual request
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// RetryDelay is how long to wait before the single retry of a
	// transient failure
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" json:"retry_delay"`
}

// APIConfig configures the HTTP API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing API bearer tokens
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_if=Enabled true"`

	// TokenTTL is the default lifetime of tokens minted by `gptcord token`
	TokenTTL time.Duration `yaml:"token_ttl" mapstructure:"token_ttl" json:"token_ttl"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Development enables pprof routes and gin's debug mode
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// Enabled reports whether both a certificate and key were configured.
func (s SSLConfig) Enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	discordWebhookLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	discordWebhookLogLevel.Set(DefaultDiscordWebhookLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Session: SessionConfig{
			Tombstones: DefaultSessionTombstones,
		},
		OpenAI: &OpenAIConfig{
			BaseURL:              DefaultOpenAIBaseURL,
			LogLevel:             openaiLogLevel,
			PollInterval:         DefaultPollInterval,
			VideoTimeout:         DefaultVideoTimeout,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			RequestTimeout:       DefaultOpenAIRequestTimeout,
			RetryDelay:           DefaultOpenAIRetryDelay,
		},
		Discord: &DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{
				Listen:        DefaultDiscordWebhookServerListen,
				ListenNetwork: defaultListenNetwork,
				SSL: SSLConfig{
					TLSMinVersion: DefaultDiscordWebhookServerTLSminVersion,
				},
				LogLevel:          discordWebhookLogLevel,
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			TokenTTL:      DefaultAPITokenTTL,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}

// ValidateConfig checks cfg against its `binding` rules.
func ValidateConfig(cfg *Config) error {
	return structValidator.Struct(cfg)
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
