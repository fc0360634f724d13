package gptcord

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestConfig returns a valid config backed by a sqlite database in the
// test's temp dir, with quiet loggers.
func newTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(t.TempDir(), "gptcord.sqlite3")
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second

	cfg.OpenAI.Token = fmt.Sprintf("sk-%s", t.Name())
	cfg.OpenAI.PollInterval = 100 * time.Millisecond
	cfg.OpenAI.RetryDelay = 0
	cfg.Discord.Token = fmt.Sprintf("discord-%s", t.Name())
	cfg.Discord.ApplicationID = "app_" + t.Name()
	cfg.API.Secret = "test-api-secret"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.Discord.WebhookServer.LogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.OpenAI.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	return cfg
}

// generateDiscordKey creates an ed25519 key pair to sign webhook requests
// with, returning the hex-encoded public key.
func generateDiscordKey(t testing.TB) (publicKey string, privateKey ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return hex.EncodeToString(pub), priv
}

func TestValidateConfig_Defaults(t *testing.T) {
	// tokens are required
	err := ValidateConfig(DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Token")

	require.NoError(t, ValidateConfig(newTestConfig(t)))
}

func TestValidateConfig_Invalid(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(c *Config)
		field  string
	}{
		{
			name:   "database type",
			modify: func(c *Config) { c.DatabaseType = "mysql" },
			field:  "DatabaseType",
		},
		{
			name:   "poll interval",
			modify: func(c *Config) { c.OpenAI.PollInterval = time.Millisecond },
			field:  "PollInterval",
		},
		{
			name:   "video timeout",
			modify: func(c *Config) { c.OpenAI.VideoTimeout = 0 },
			field:  "VideoTimeout",
		},
		{
			name:   "base url",
			modify: func(c *Config) { c.OpenAI.BaseURL = "not a url" },
			field:  "BaseURL",
		},
		{
			name: "api secret",
			modify: func(c *Config) {
				c.API.Enabled = true
				c.API.Secret = ""
			},
			field: "Secret",
		},
		{
			name: "webhook public key",
			modify: func(c *Config) {
				c.Discord.WebhookServer.Enabled = true
			},
			field: "PublicKey",
		},
		{
			name:   "listen network",
			modify: func(c *Config) { c.API.Enabled = true; c.API.ListenNetwork = "udp" },
			field:  "ListenNetwork",
		},
		{
			name:   "ssl key without cert",
			modify: func(c *Config) { c.API.SSL.Cert = "/etc/ssl/cert.pem" },
			field:  "SSL.Key",
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := newTestConfig(t)
				tc.modify(cfg)
				err := ValidateConfig(cfg)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.field)
			},
		)
	}
}

func TestCORSConfig_GINConfig(t *testing.T) {
	c := DefaultCORSConfig()
	ginCfg := c.GINConfig()
	assert.True(t, ginCfg.AllowAllOrigins)
	assert.False(t, ginCfg.AllowCredentials)

	c.AllowOrigins = []string{"https://example.com"}
	ginCfg = c.GINConfig()
	assert.False(t, ginCfg.AllowAllOrigins)
	assert.True(t, ginCfg.AllowCredentials)
	assert.Equal(t, DefaultCORSMaxAge, ginCfg.MaxAge)
}

func TestConfig_LogValueRedactsTokens(t *testing.T) {
	cfg := newTestConfig(t)
	value := cfg.LogValue().String()
	assert.NotContains(t, value, cfg.Discord.Token)
	assert.NotContains(t, value, cfg.OpenAI.Token)
	assert.Contains(t, value, "[redacted]")
}
