package cmd

import (
	"errors"
	"fmt"

	"github.com/arcward/gptcord/gptcord"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the audit database and run migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.DatabaseType == "none" {
			return errors.New("database_type is 'none', nothing to initialize")
		}
		if cfg.Database == "" {
			return errors.New(
				"database not set (must be a valid database connection string or sqlite file path)",
			)
		}
		db, err := gptcord.CreateDB(
			cmd.Context(),
			cfg.DatabaseType,
			cfg.Database,
			nil,
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer sqlDB.Close()
		}
		fmt.Fprintln(
			cmd.OutOrStdout(),
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
