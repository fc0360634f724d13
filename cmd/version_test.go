package cmd

import (
	"testing"

	"github.com/arcward/gptcord/gptcord"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := gptcord.Version
	originalCommitSHA := gptcord.CommitSHA
	originalBuildTime := gptcord.BuildTime
	t.Cleanup(
		func() {
			gptcord.Version = originalVersion
			gptcord.CommitSHA = originalCommitSHA
			gptcord.BuildTime = originalBuildTime
		},
	)

	gptcord.Version = "1.0.0"
	gptcord.CommitSHA = "abc123"
	gptcord.BuildTime = "2025-10-01T12:00:00Z"

	output := executeCommand(t, "version")
	assert.Equal(t, "version=1.0.0 commit=abc123 built: 2025-10-01T12:00:00Z", output)
}
