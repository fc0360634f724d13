package cmd

import (
	"fmt"

	"github.com/arcward/gptcord/gptcord"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot, and optionally the API and webhook servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := gptcord.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		if err = bot.Run(cmd.Context()); err != nil {
			return fmt.Errorf("error running bot: %w", err)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
