package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := openPostgres(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := db.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}
