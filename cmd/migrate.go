package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}

		ctx := context.Background()
		db, err := openDatabase(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		version, err := db.SchemaVersion(ctx)
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Database %s is at schema version %d\n", cfg.Database.Driver, version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
