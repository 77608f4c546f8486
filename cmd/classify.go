package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"telemetry-hub/internal/health"
)

var classifyTenant string
var classifyVerbose bool

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Print the online/offline fleet view",
	Long: `Classify every assigned device as online or offline. A device is
offline when it has not reported for more than three hours.`,
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

		devices, err := db.ListDevices(ctx, classifyTenant)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		counts := map[health.FleetStatus]int{}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		if classifyVerbose {
			fmt.Fprintln(w, "TENANT\tSERIAL\tDEVICE\tSTATUS\tCONNECTIVITY")
		}
		for _, d := range devices {
			fleet := health.ClassifyFleet(d.LastSeenAt, now)
			counts[fleet]++
			if classifyVerbose {
				conn := health.Classify(d.LastSeenAt, now, d.Status)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.TenantID, d.SerialNumber, d.ID, fleet, conn.Status)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "online=%d offline=%d total=%d\n",
			counts[health.FleetOnline], counts[health.FleetOffline], len(devices))
		return nil
	},
}

func init() {
	classifyCmd.Flags().StringVar(&classifyTenant, "tenant", "", "limit to one tenant")
	classifyCmd.Flags().BoolVarP(&classifyVerbose, "verbose", "v", false, "print one line per device")
	rootCmd.AddCommand(classifyCmd)
}
