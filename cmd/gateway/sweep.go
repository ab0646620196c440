package main

import (
	"fmt"

	"github.com/aman-churiwal/tiered-gateway/internal/repository"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Deactivate expired API keys once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		db, err := openPostgres(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		redis, err := openRedis(cfg)
		if err != nil {
			return err
		}
		if redis != nil {
			defer func() { _ = redis.Close() }()
		}

		manager, publisher, err := newOneShotManager(cfg, repository.NewAPIKeyRepository(db), redis, log)
		if err != nil {
			return err
		}
		defer func() { _ = publisher.Close() }()

		n, err := manager.Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "deactivated %d keys\n", n)
		return nil
	},
}
