package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var retentionDays int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove stored media objects older than the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, stop, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		defer stop()

		retention := a.Config.Retention()
		if retentionDays > 0 {
			retention = time.Duration(retentionDays) * 24 * time.Hour
		}
		if retention == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Retention disabled, nothing to sweep")
			return nil
		}

		removed, err := a.Tiers.SweepObjects(ctx, retention)
		if err != nil {
			return fmt.Errorf("sweep failed after %d objects: %w", removed, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d objects older than %v\n", removed, retention)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().IntVar(&retentionDays, "days", 0, "override the configured retention in days")
}
