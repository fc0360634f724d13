package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/gptcord/gptcord"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = gptcord.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:          "gptcord [flags]",
	Short:        "Discord bot relaying slash commands to OpenAI",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cfg)
	},
}

// loadConfig decodes viper's settings into c.
func loadConfig(c *gptcord.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
}

// LevelToStringHookFunc decodes level names ("DEBUG", "info", "WARN+2")
// into *slog.LevelVar fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr || t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvlVar, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvlVar, nil
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
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

// aliases are additional environment variables accepted for a key, as
// commonly named by bot hosting setups. The prefixed name takes priority.
var aliases = map[string][]string{
	"discord.token":          {"BOT_TOKEN", "DISCORD_TOKEN"},
	"discord.application_id": {"DISCORD_APPLICATION_ID"},
	"discord.guild_ids":      {"GUILD_IDS"},
	"openai.token":           {"OPENAI_API_KEY"},
	"openai.base_url":        {"OPENAI_BASE_URL"},
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else if err := godotenv.Load(configFile); err != nil {
		log.Printf("error loading env file %s: %v", configFile, err)
	}

	viper.SetDefault("database", gptcord.DefaultDatabase)
	viper.SetDefault("database_type", gptcord.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", gptcord.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", gptcord.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", gptcord.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", gptcord.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", gptcord.DefaultShutdownTimeout)
	viper.SetDefault("session.tombstones", gptcord.DefaultSessionTombstones)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", gptcord.DefaultOpenAIBaseURL)
	viper.SetDefault("openai.log_level", gptcord.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.poll_interval", gptcord.DefaultPollInterval)
	viper.SetDefault("openai.video_timeout", gptcord.DefaultVideoTimeout)
	viper.SetDefault("openai.max_requests_per_second", gptcord.DefaultOpenAIMaxRequestsPerSecond)
	viper.SetDefault("openai.request_timeout", gptcord.DefaultOpenAIRequestTimeout)
	viper.SetDefault("openai.retry_delay", gptcord.DefaultOpenAIRetryDelay)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_ids", []string{})
	viper.SetDefault("discord.log_level", gptcord.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", gptcord.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", gptcord.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.custom_status", gptcord.DefaultDiscordCustomStatus)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault("discord.webhook_server.listen", gptcord.DefaultDiscordWebhookServerListen)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.read_timeout", gptcord.DefaultReadTimeout)
	viper.SetDefault("discord.webhook_server.read_header_timeout", gptcord.DefaultReadHeaderTimeout)
	viper.SetDefault("discord.webhook_server.write_timeout", gptcord.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", gptcord.DefaultIdleTimeout)
	viper.SetDefault("discord.webhook_server.log_level", gptcord.DefaultDiscordWebhookLogLevel.String())
	viper.SetDefault("discord.webhook_server.ssl.cert", "")
	viper.SetDefault("discord.webhook_server.ssl.key", "")
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		gptcord.DefaultDiscordWebhookServerTLSminVersion,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", gptcord.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.token_ttl", gptcord.DefaultAPITokenTTL)
	viper.SetDefault("api.log_level", gptcord.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", gptcord.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", gptcord.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", gptcord.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", gptcord.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", gptcord.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", gptcord.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", gptcord.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", gptcord.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", gptcord.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", gptcord.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(gptcord.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = gptcord.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for key, names := range aliases {
		envVars := append(
			[]string{strings.ToUpper(envPrefix + "_" + replacer.Replace(key))},
			names...,
		)
		if err := viper.BindEnv(append([]string{key}, envVars...)...); err != nil {
			log.Fatalf("error binding %s: %v", key, err)
		}
	}
}

//nolint:gochecknoinits // cobra wiring
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from (default: .env)",
	)
}
