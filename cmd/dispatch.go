package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Notification dispatch commands",
}

var dispatchOnceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single notification dispatch cycle and exit",
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

		report, err := newDispatcher(db, cfg, logger).RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("dispatch cycle failed: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "alerts=%d tenants=%d sent=%d failed=%d deferred=%d\n",
			report.Alerts, report.Tenants, report.Sent, report.Failed, report.Deferred)
		return nil
	},
}

func init() {
	dispatchCmd.AddCommand(dispatchOnceCmd)
	rootCmd.AddCommand(dispatchCmd)
}
