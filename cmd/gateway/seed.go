package main

import (
	"fmt"

	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/aman-churiwal/tiered-gateway/internal/repository"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write the configured tiers into the database",
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

		list := tiersFromConfig(cfg.Tiers)
		rows := make([]models.RateLimitTier, 0, len(list))
		for _, t := range list {
			rows = append(rows, t.Model())
		}

		if err := repository.NewTierRepository(db).Seed(cmd.Context(), rows); err != nil {
			return fmt.Errorf("seed tiers: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d tiers\n", len(rows))
		return nil
	},
}
