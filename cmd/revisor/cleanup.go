package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func cleanupCmd() *cobra.Command {
	var (
		pipeline string
		days     int
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished work items older than the retention window",
		Long: `Deletes completed, no_changes and failed items created more than --days ago.
Pending, processing and skipped items are never deleted. Runs regardless of
retention.enabled, which only controls the automatic purge after each run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pipeline != "" {
				if _, ok := config.Pipeline(pipeline); !ok {
					return misconfigured(fmt.Errorf("unknown pipeline %q", pipeline))
				}
			}

			store, release, err := openOperator()
			defer release()
			if err != nil {
				return err
			}

			deleted, err := store.Purge(context.Background(), pipeline, days)
			if err != nil {
				return misconfigured(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d items deleted\n", deleted)
			return nil
		},
	}

	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Only purge this pipeline (default: all)")
	cmd.Flags().IntVar(&days, "days", 0, "Retention window in days (default: retention.days)")

	return cmd
}
