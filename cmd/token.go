package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"telemetry-hub/internal/auth"
)

var (
	tokenSubject string
	tokenTenant  string
	tokenRole    string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadRuntime()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is not configured")
		}

		manager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiration)
		token, err := manager.Issue(tokenSubject, tokenTenant, tokenRole)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "operator name (required)")
	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "tenant id for tenant operators")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleTenant, "platform or tenant")
	tokenCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(tokenCmd)
}
