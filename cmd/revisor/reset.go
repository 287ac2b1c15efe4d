package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/ternarybob/revisor/internal/services/workitems"
)

func resetCmd() *cobra.Command {
	var (
		filter   workitems.ResetFilter
		statuses string
	)

	cmd := &cobra.Command{
		Use:   "reset [item-id...]",
		Short: "Return finished work items to pending for reprocessing",
		Long: `Resets items by id, or every item matching --pipeline, --batch and --status.
Without --status only failed items are reset. Items that are currently processing
are left alone. Attempt counts are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := workitems.ParseStatuses(statuses)
			if err != nil {
				return misconfigured(err)
			}
			filter.IDs = args
			filter.Statuses = parsed

			store, release, err := openOperator()
			defer release()
			if err != nil {
				return err
			}

			n, err := store.Reset(context.Background(), filter)
			if err != nil {
				return misconfigured(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d items reset\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Pipeline, "pipeline", "", "Only reset items of this pipeline")
	cmd.Flags().StringVar(&filter.BatchID, "batch", "", "Only reset items of this batch")
	cmd.Flags().StringVar(&statuses, "status", "", "Comma separated statuses to reset (default: failed)")

	return cmd
}
