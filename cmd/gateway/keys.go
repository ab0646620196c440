package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/repository"
	"github.com/aman-churiwal/tiered-gateway/internal/service"
	"github.com/spf13/cobra"
)

var (
	keyName      string
	keyTier      string
	keyCreatedBy string
	keyExpiresIn time.Duration
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key and print it once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyService(cmd, func(keys *service.APIKeyService) error {
			plain, rec, err := keys.Create(cmd.Context(), service.CreateKeyInput{
				Name:      keyName,
				CreatedBy: keyCreatedBy,
				Tier:      keyTier,
				ExpiresIn: keyExpiresIn,
			})
			if err != nil {
				return fmt.Errorf("create key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:      %s\n", rec.ID)
			fmt.Fprintf(out, "tier:    %s\n", rec.Tier)
			fmt.Fprintf(out, "expires: %s\n", rec.ExpiresAt.Format(time.RFC3339))
			fmt.Fprintf(out, "key:     %s\n", plain)
			return nil
		})
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyService(cmd, func(keys *service.APIKeyService) error {
			list, err := keys.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, k := range list {
				fmt.Fprintf(out, "%s\t%s\t%s\tactive=%t\texpires=%s\n",
					k.ID, k.Name, k.Tier, k.IsActive, k.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		})
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Deactivate an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyService(cmd, func(keys *service.APIKeyService) error {
			rec, changed, err := keys.Revoke(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("revoke key: %w", err)
			}
			if rec == nil {
				return errors.New("key not found")
			}

			if changed {
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", rec.ID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was already inactive\n", rec.ID)
			}
			return nil
		})
	},
}

// Wires the key service against postgres for the duration of fn
func withKeyService(cmd *cobra.Command, fn func(*service.APIKeyService) error) error {
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

	catalog, err := loadCatalog(cmd.Context(), repository.NewTierRepository(db), cfg.Tiers, log)
	if err != nil {
		return err
	}

	store := repository.NewAPIKeyRepository(db)
	manager, publisher, err := newOneShotManager(cfg, store, redis, log)
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	return fn(service.NewAPIKeyService(store, catalog, manager))
}

func init() {
	keysCreateCmd.Flags().StringVar(&keyName, "name", "", "human readable key name")
	keysCreateCmd.Flags().StringVar(&keyTier, "tier", "bronze", "tier the key belongs to")
	keysCreateCmd.Flags().StringVar(&keyCreatedBy, "created-by", "cli", "owner recorded on the key")
	keysCreateCmd.Flags().DurationVar(&keyExpiresIn, "expires-in", 0, "key lifetime; zero means the default of one year")

	keysCmd.AddCommand(keysCreateCmd, keysListCmd, keysRevokeCmd)
}
