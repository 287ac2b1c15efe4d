package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

func runCmd() *cobra.Command {
	var (
		opts       models.RunOptions
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Run one scheduler invocation for a pipeline",
		Long: `Acquires the pipeline run lock, recovers stale items, checks the rate budget and
processes up to --limit pending items. Batches are drained before orphans.

When "revisor serve" holds the store the run is handed to it. When another
revisor process holds the store and no server answers, the run reports
already_running.

Exit status is 0 for every run outcome, including no work, already running and
rate limited. With scheduler.strict_exit a run-level error exits 2.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if _, ok := config.Pipeline(name); !ok {
				return misconfigured(fmt.Errorf("unknown pipeline %q (known: %s)", name, strings.Join(config.PipelineNames(), ", ")))
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var (
				report *models.RunReport
				runErr error
			)
			application, remote, err := openStore()
			switch {
			case errors.Is(err, interfaces.ErrStoreBusy):
				// Another revisor process owns the store and therefore the run
				logger.Warn().Str("pipeline", name).Msg("Store is held by another revisor process, run skipped")
				report = localReport(name, opts, models.RunStatusAlreadyRunning, time.Now())
			case err != nil:
				return err
			case remote != nil:
				report, runErr = forwardRun(ctx, remote, name, opts)
			default:
				defer application.Close()
				report, runErr = application.RunPipeline(ctx, name, opts)
			}
			if report != nil {
				if jsonOutput {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					if err := enc.Encode(report); err != nil {
						return err
					}
				} else {
					printReport(cmd.OutOrStdout(), report)
				}
			}

			if runErr != nil {
				logger.Error().Err(runErr).Str("pipeline", name).Msg("Run failed")
				if config.Scheduler.StrictExit {
					return &exitError{code: exitStrictError, err: runErr}
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "Maximum items to process (default: pipeline limit)")
	cmd.Flags().StringVar(&opts.Batch, "batch", "", "Only select items from this batch")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Report what would be selected without processing")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Ignore the subject cooldown and eligibility rules")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the run report as JSON")

	return cmd
}

func statusColor(status models.RunStatus) *color.Color {
	switch status {
	case models.RunStatusOK:
		return color.New(color.FgHiGreen)
	case models.RunStatusNoWork:
		return color.New(color.FgHiBlack)
	case models.RunStatusStarted:
		return color.New(color.FgCyan)
	case models.RunStatusAlreadyRunning, models.RunStatusRateLimited:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func printReport(w io.Writer, report *models.RunReport) {
	label := string(report.Status)
	if report.DryRun {
		label += " (dry run)"
	}
	fmt.Fprintf(w, "%s %s [%s]\n", report.Pipeline, statusColor(report.Status).Sprint(label), report.RunID)

	if report.Status == models.RunStatusStarted {
		fmt.Fprintln(w, "  running on the server, see its logs and stats for the outcome")
		return
	}

	if report.DryRun {
		for i, id := range report.Selected {
			fmt.Fprintf(w, "  %d. %s\n", i+1, id)
		}
		return
	}

	fmt.Fprintf(w, "  processed %d: %s completed, %d no changes, %s failed, %d skipped\n",
		report.Processed,
		color.New(color.FgHiGreen).Sprint(report.Succeeded),
		report.NoChanges,
		color.New(color.FgRed).Sprint(report.Failed),
		report.Skipped)
	if report.Recovered > 0 {
		fmt.Fprintf(w, "  recovered %d stale items\n", report.Recovered)
	}
	if report.Purged > 0 {
		fmt.Fprintf(w, "  purged %d expired items\n", report.Purged)
	}
	if report.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", color.New(color.FgRed).Sprint(report.Error))
	}
	fmt.Fprintf(w, "  took %s\n", report.Duration().Round(time.Millisecond))
}
