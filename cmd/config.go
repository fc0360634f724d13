package cmd

import (
	"fmt"

	"github.com/arcward/gptcord/gptcord"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "[redacted]"

var showSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := marshalConfig(cfg, showSecrets)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

// marshalConfig renders c as YAML, replacing tokens and secrets unless
// showSecrets is set.
func marshalConfig(c *gptcord.Config, showSecrets bool) ([]byte, error) {
	display := *c
	if !showSecrets {
		discord := *c.Discord
		openai := *c.OpenAI
		api := *c.API
		redact(&discord.Token)
		redact(&openai.Token)
		redact(&api.Secret)
		display.Discord = &discord
		display.OpenAI = &openai
		display.API = &api
	}
	out, err := yaml.Marshal(display)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config: %w", err)
	}
	return out, nil
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

//nolint:gochecknoinits
func init() {
	configCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Include tokens and secrets in the output")
	rootCmd.AddCommand(configCmd)
}
