package cmd

import (
	"fmt"

	"github.com/arcward/gptcord/gptcord"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Overwrite the bot's slash commands with the current definitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		commands, err := gptcord.RegisterCommands(cfg.Discord, discordgo.WithContext(cmd.Context()))
		out := cmd.OutOrStdout()
		for _, c := range commands {
			scope := c.GuildID
			if scope == "" {
				scope = "global"
			}
			fmt.Fprintf(out, "registered /%s (%s)\n", c.Name, scope)
		}
		return err
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(registerCmd)
}
