package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/ternarybob/revisor/internal/models"
)

func statsCmd() *cobra.Command {
	var (
		days       int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "stats [pipeline]",
		Short: "Show daily run and item statistics",
		Long: `Sums the daily stats snapshots of the last --days days (today included) for one
pipeline, or for every configured pipeline when none is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 || days > config.Stats.RetentionDays {
				return misconfigured(fmt.Errorf("--days must be between 1 and %d", config.Stats.RetentionDays))
			}

			names := config.PipelineNames()
			if len(args) == 1 {
				if _, ok := config.Pipeline(args[0]); !ok {
					return misconfigured(fmt.Errorf("unknown pipeline %q", args[0]))
				}
				names = args
			}
			sort.Strings(names)

			store, release, err := openOperator()
			defer release()
			if err != nil {
				return err
			}

			windows := make([]*models.WindowStats, 0, len(names))
			for _, name := range names {
				window, err := store.PipelineStats(context.Background(), name, days)
				if err != nil {
					return err
				}
				windows = append(windows, window)
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(windows)
			}
			printStats(cmd.OutOrStdout(), windows, config.Stats.BreakdownKeys)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Number of days to include")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print stats as JSON")

	return cmd
}

func printStats(w io.Writer, windows []*models.WindowStats, breakdownKeys []string) {
	if len(windows) == 0 {
		return
	}
	fmt.Fprintf(w, "%s to %s\n\n", color.New(color.Bold).Sprint(windows[0].From), color.New(color.Bold).Sprint(windows[0].To))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PIPELINE\tRUNS\tPROCESSED\tCOMPLETED\tNO CHANGES\tFAILED\tINVALID\tSKIPPED\tTOKENS IN/OUT\tCOST\tLAST RUN")
	for _, window := range windows {
		t := window.Totals
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d/%d\t$%.4f\t%s\n",
			window.Pipeline,
			t.Runs,
			t.Processed,
			t.Succeeded,
			t.NoChanges,
			t.Failed,
			t.ValidationFailed,
			t.Skipped,
			t.InputTokens, t.OutputTokens,
			t.EstimatedCost,
			lastRunText(window.LastRun))
	}
	tw.Flush()

	for _, window := range windows {
		for _, key := range breakdownKeys {
			top := window.Totals.TopBreakdown(key, 5)
			if len(top) == 0 {
				continue
			}
			fmt.Fprintf(w, "\n%s by %s:\n", window.Pipeline, key)
			for _, entry := range top {
				fmt.Fprintf(w, "  %-24s %d\n", entry.Value, entry.Count)
			}
		}
	}
}

func lastRunText(report *models.RunReport) string {
	if report == nil {
		return "never"
	}
	ago := time.Since(report.FinishedAt).Round(time.Minute)
	return fmt.Sprintf("%s %s ago", report.Status, ago)
}
