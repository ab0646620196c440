package main

import (
	"fmt"

	"github.com/aman-churiwal/tiered-gateway/internal/service"
	"github.com/spf13/cobra"
)

var tokenSubject string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin token for the management API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		token, err := service.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).IssueToken(tokenSubject, service.RoleAdmin)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "subject recorded in the token")
}
