package gptcord

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkText(t *testing.T) {
	assert.Equal(
		t,
		[]string{"This", " is ", "a te", "st."},
		chunkText("This is a test.", 4),
	)

	long := strings.Repeat("This is a test. ", 64)
	chunks := chunkText(long, 1024)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], 1024)

	// runes, not bytes
	assert.Equal(t, []string{"éé", "é"}, chunkText("ééé", 2))
	assert.Nil(t, chunkText("", 10))
}

func TestTruncateText(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		max      int
		suffix   string
		expected string
	}{
		{"short", "Hello, world!", 100, "...", "Hello, world!"},
		{"exact", "12345", 5, "...", "12345"},
		{"long", "This is a very long string that needs truncation", 10, "...", "This is a ..."},
		{"custom suffix", "This is a long string", 10, "[...]", "This is a [...]"},
		{"empty suffix", "Hello, world!", 5, "", "Hello"},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, truncateText(tc.input, tc.max, tc.suffix))
			},
		)
	}

	result := truncateText(strings.Repeat("x", 2500), 2000, "...")
	assert.Len(t, result, 2003)
}

func TestCommandOptions(t *testing.T) {
	data := discordgo.ApplicationCommandInteractionData{
		Name: CommandConverse,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "prompt", Type: discordgo.ApplicationCommandOptionString, Value: "hi"},
			{Name: "temperature", Type: discordgo.ApplicationCommandOptionNumber, Value: 0.7},
			{Name: "attachment", Type: discordgo.ApplicationCommandOptionAttachment, Value: "123"},
		},
		Resolved: &discordgo.ApplicationCommandInteractionDataResolved{
			Attachments: map[string]*discordgo.MessageAttachment{
				"123": {
					ID:          "123",
					URL:         "https://cdn.example.com/cat.png",
					Filename:    "cat.png",
					ContentType: "image/png",
					Size:        1024,
				},
			},
		},
	}
	options := commandOptions(data)
	assert.Equal(t, "hi", options["prompt"])
	assert.Equal(t, 0.7, options["temperature"])
	assert.Equal(
		t,
		Attachment{
			ID:          "123",
			URL:         "https://cdn.example.com/cat.png",
			Filename:    "cat.png",
			ContentType: "image/png",
			Size:        1024,
		},
		options["attachment"],
	)

	params, err := NewDispatcher().Validate(CommandConverse, options)
	require.NoError(t, err)
	assert.Equal(t, "cat.png", params.(ConverseParams).Attachment.Filename)
}

func TestStructToSlogValue(t *testing.T) {
	type inner struct {
		Name string `json:"name"`
	}
	type sample struct {
		Token   string   `json:"token" log:"[redacted]"`
		Name    string   `json:"name"`
		Empty   string   `json:"empty"`
		Skipped string   `json:"-"`
		Inner   *inner   `json:"inner"`
		Nil     *inner   `json:"nil"`
		Tags    []string `json:"tags,omitempty"`
	}
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(buf, nil))
	logger.Info(
		"test",
		"sample",
		structToSlogValue(sample{Token: "secret", Name: "n", Skipped: "x", Inner: &inner{Name: "i"}}),
	)
	out := buf.String()
	assert.Contains(t, out, "sample.token=[redacted]")
	assert.Contains(t, out, "sample.name=n")
	assert.Contains(t, out, "sample.inner.name=i")
	assert.NotContains(t, out, "secret")
	assert.NotContains(t, out, "empty")
	assert.NotContains(t, out, "Skipped")
	assert.NotContains(t, out, "tags")
}

func TestFormatProviderError(t *testing.T) {
	err := &FatalProviderError{
		ProviderErrorDetail: ProviderErrorDetail{
			Op:         "transcribe",
			StatusCode: 400,
			Kind:       "APIError",
			Type:       "invalid_request_error",
			Code:       "unsupported_value",
			Param:      "file",
			Message:    "Unsupported file format mov",
		},
	}
	expected := strings.Join(
		[]string{
			"Unsupported file format mov",
			"",
			"Status: 400",
			"Error: APIError",
			"Type: invalid_request_error",
			"Code: unsupported_value",
			"Param: file",
		}, "\n",
	)
	assert.Equal(t, expected, formatProviderError(err))
	assert.Equal(t, expected, formatProviderError(fmt.Errorf("wrapped: %w", err)))

	generic := &TransientProviderError{
		ProviderErrorDetail: ProviderErrorDetail{
			StatusCode: 403,
			Kind:       "RequestError",
			Message:    "Forbidden",
		},
	}
	assert.Equal(t, "Forbidden\n\nStatus: 403\nError: RequestError", formatProviderError(generic))

	plain := errors.New("boom")
	assert.Equal(t, "boom", formatProviderError(plain))
}

func TestUserErrorMessage(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		contains string
	}{
		{"validation", &ValidationError{Command: "c", Option: "style", Reason: "nope"}, "`style`"},
		{"exists", ErrSessionExists, "already have an active conversation"},
		{"gone", fmt.Errorf("x: %w", ErrSessionGone), "already ended"},
		{"timeout", ErrTimeoutExpired, "time limit"},
		{"provider", &FatalProviderError{ProviderErrorDetail: ProviderErrorDetail{Message: "policy"}}, "policy"},
		{"other", errors.New("db exploded"), DefaultDiscordErrorMessage},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Contains(t, userErrorMessage(tc.err), tc.contains)
			},
		)
	}
}
