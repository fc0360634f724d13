package cmd

import (
	"strings"
	"testing"

	"github.com/arcward/gptcord/gptcord"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMarshalConfig_Redacts(t *testing.T) {
	c := gptcord.DefaultConfig()
	c.Discord.Token = "discord-secret"
	c.OpenAI.Token = "openai-secret"
	c.API.Secret = "api-secret"

	out, err := marshalConfig(c, false)
	require.NoError(t, err)
	text := string(out)
	for _, secret := range []string{"discord-secret", "openai-secret", "api-secret"} {
		assert.NotContains(t, text, secret)
	}
	assert.Contains(t, text, redacted)

	// the original isn't modified
	assert.Equal(t, "discord-secret", c.Discord.Token)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, c.Database, decoded["database"])

	out, err = marshalConfig(c, true)
	require.NoError(t, err)
	assert.Contains(t, string(out), "openai-secret")
}

func TestTokenCommand(t *testing.T) {
	original := cfg.API.Secret
	t.Cleanup(func() { cfg.API.Secret = original })
	t.Setenv("GPTCORD_API_SECRET", "test-secret")

	token := strings.TrimSpace(executeCommand(t, "token", "--subject", "ops"))

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(
		token, &claims, func(*jwt.Token) (any, error) {
			return []byte("test-secret"), nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	require.NotNil(t, claims.ExpiresAt)
}
