// -----------------------------------------------------------------------
// Runner - one lock-guarded, rate-limited invocation of a pipeline
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
	"github.com/ternarybob/revisor/internal/services/llm"
	"github.com/ternarybob/revisor/internal/services/retention"
	"github.com/ternarybob/revisor/internal/services/runlock"
	"github.com/ternarybob/revisor/internal/services/selector"
	"github.com/ternarybob/revisor/internal/services/stats"
)

// BudgetChecker is the read-only side of the rate limiter
type BudgetChecker interface {
	Allow(ctx context.Context, pipeline string) (bool, error)
}

// Dependencies are the shared services a Runner drives
type Dependencies struct {
	Store    interfaces.WorkItemStorage
	Selector *selector.Selector
	Locker   *runlock.Locker
	Budget   BudgetChecker
	Stats    *stats.Aggregator
	Cleaner  *retention.Cleaner
}

// RunnerConfig holds the per-pipeline scheduling knobs
type RunnerConfig struct {
	DefaultLimit int
	Cooldown     time.Duration
	StaleAfter   time.Duration
}

// NewRunnerConfig resolves the runner settings for one pipeline
func NewRunnerConfig(scheduler common.SchedulerConfig, pipeline common.PipelineConfig) RunnerConfig {
	limit := pipeline.Limit
	if limit <= 0 {
		limit = scheduler.DefaultLimit
	}
	return RunnerConfig{
		DefaultLimit: limit,
		Cooldown:     common.ParseDuration(pipeline.Cooldown, 0),
		StaleAfter:   scheduler.StaleAfterDuration(),
	}
}

// Runner executes the scheduler algorithm for one EnrichmentOperation
type Runner struct {
	op       interfaces.EnrichmentOperation
	deps     Dependencies
	config   RunnerConfig
	validate *validator.Validate
	logger   arbor.ILogger
	now      func() time.Time
}

// NewRunner creates a runner for op
func NewRunner(op interfaces.EnrichmentOperation, deps Dependencies, config RunnerConfig, logger arbor.ILogger) *Runner {
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = 1
	}
	return &Runner{
		op:       op,
		deps:     deps,
		config:   config,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source; used by tests
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Pipeline returns the name of the driven operation
func (r *Runner) Pipeline() string {
	return r.op.Name()
}

// Run performs one invocation. The report is always returned; the error is non-nil
// only for run-level failures (lock or store backend) and mirrors report.Error.
// Lock contention, an exhausted budget and an empty queue are normal outcomes.
func (r *Runner) Run(ctx context.Context, opts models.RunOptions) (*models.RunReport, error) {
	pipeline := r.op.Name()
	report := &models.RunReport{
		RunID:     common.NewRunID(),
		Pipeline:  pipeline,
		DryRun:    opts.DryRun,
		StartedAt: r.now(),
	}
	logger := r.logger.WithCorrelationId(report.RunID)

	if err := r.validate.Struct(opts); err != nil {
		return r.fail(report, fmt.Errorf("invalid run options: %w", err))
	}
	limit := opts.Limit
	if limit == 0 {
		limit = r.config.DefaultLimit
	}

	lease, holder, err := r.deps.Locker.Acquire(ctx, pipeline)
	if err != nil {
		logger.Error().Err(err).Str("pipeline", pipeline).Msg("Run lock unavailable")
		return r.fail(report, err)
	}
	if lease == nil {
		report.Status = models.RunStatusAlreadyRunning
		report.FinishedAt = r.now()
		event := logger.Info().Str("pipeline", pipeline)
		if holder != nil {
			event = event.Str("holder", holder.Owner).Str("held_until", holder.HeldUntil.Format(time.RFC3339))
		}
		event.Msg("Pipeline already running, skipping invocation")
		return report, nil
	}

	runErr := r.runLocked(ctx, logger, lease, opts, limit, report)

	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		logger.Warn().Err(err).Str("pipeline", pipeline).Msg("Failed to release run lock")
	}

	if !opts.DryRun && r.deps.Cleaner != nil && r.deps.Cleaner.Enabled() {
		purged, err := r.deps.Cleaner.Purge(context.WithoutCancel(ctx), pipeline, 0)
		if err != nil {
			logger.Warn().Err(err).Str("pipeline", pipeline).Msg("Retention cleanup failed")
		}
		report.Purged = purged
	}

	report.FinishedAt = r.now()
	if runErr != nil {
		report.Status = models.RunStatusError
		report.Error = runErr.Error()
	}

	if !opts.DryRun && r.deps.Stats != nil {
		if err := r.deps.Stats.RecordRun(context.WithoutCancel(ctx), report); err != nil {
			logger.Warn().Err(err).Str("pipeline", pipeline).Msg("Failed to record run stats")
		}
	}

	logger.Info().
		Str("pipeline", pipeline).
		Str("status", string(report.Status)).
		Int("processed", report.Processed).
		Int("succeeded", report.Succeeded).
		Int("no_changes", report.NoChanges).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Int("recovered", report.Recovered).
		Int("purged", report.Purged).
		Bool("dry_run", report.DryRun).
		Dur("duration", report.Duration()).
		Msg("Pipeline run finished")

	return report, runErr
}

func (r *Runner) runLocked(ctx context.Context, logger arbor.ILogger, lease *runlock.Lease, opts models.RunOptions, limit int, report *models.RunReport) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Str("panic", fmt.Sprintf("%v", rec)).Str("stack", string(debug.Stack())).Msg("Panic during pipeline run")
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	pipeline := r.op.Name()

	if !opts.DryRun {
		recovered, err := r.recoverStale(ctx, logger)
		if err != nil {
			return err
		}
		report.Recovered = recovered
	}

	allowed, err := r.deps.Budget.Allow(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("failed to check rate budget: %w", err)
	}
	if !allowed {
		report.Status = models.RunStatusRateLimited
		logger.Info().Str("pipeline", pipeline).Msg("Rate budget exhausted, deferring to next invocation")
		return nil
	}

	scope := selector.Scope{
		Pipeline: pipeline,
		Batch:    opts.Batch,
		Force:    opts.Force,
		Cooldown: r.config.Cooldown,
	}
	if filter, ok := r.op.(interfaces.EligibilityFilter); ok {
		scope.Eligible = filter.Eligible
	}

	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			logger.Warn().Err(err).Str("pipeline", pipeline).Msg("Run cancelled")
			break
		}

		if i > 0 && !opts.DryRun {
			allowed, err := r.deps.Budget.Allow(ctx, pipeline)
			if err != nil {
				return fmt.Errorf("failed to check rate budget: %w", err)
			}
			if !allowed {
				logger.Info().Str("pipeline", pipeline).Int("processed", report.Processed).Msg("Rate budget exhausted mid-run")
				break
			}
		}

		item, err := r.deps.Selector.SelectNext(ctx, scope)
		if err != nil {
			return fmt.Errorf("failed to select next item: %w", err)
		}
		if item == nil {
			logger.Debug().Str("pipeline", pipeline).Msg("No eligible work items")
			break
		}

		if opts.DryRun {
			report.Selected = append(report.Selected, item.ID)
			scope.Exclude(item.ID)
			logger.Info().
				Str("item_id", item.ID).
				Str("subject", item.SubjectRef).
				Str("batch_id", item.BatchID).
				Str("priority", string(item.Priority)).
				Msg("Dry run: would process item")
			continue
		}

		if err := r.processItem(ctx, logger, item, report); err != nil {
			return err
		}
	}

	if report.Processed > 0 || len(report.Selected) > 0 {
		report.Status = models.RunStatusOK
	} else {
		report.Status = models.RunStatusNoWork
	}
	return nil
}

// processItem runs one item through the state machine. Item-level failures end in a
// failed transition; only store errors are returned.
func (r *Runner) processItem(ctx context.Context, logger arbor.ILogger, item *models.WorkItem, report *models.RunReport) error {
	if err := item.MarkProcessing(r.now()); err != nil {
		return err
	}
	if err := r.deps.Store.ApplyUpdate(ctx, item, interfaces.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to mark item %s processing: %w", item.ID, err)
	}

	start := r.now()
	outcome, procErr := r.safeProcess(ctx, item)
	validationFailed := procErr != nil && llm.IsValidationError(procErr)

	now := r.now()
	if procErr != nil {
		_ = item.Fail(procErr.Error(), now)
	} else if err := applyOutcome(item, outcome, now); err != nil {
		_ = item.Fail(err.Error(), now)
	}

	// the item must leave processing even when the run is being cancelled
	persistCtx := context.WithoutCancel(ctx)
	if err := r.deps.Store.ApplyUpdate(persistCtx, item, interfaces.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to persist item %s: %w", item.ID, err)
	}
	report.Count(item.Status)

	if r.deps.Stats != nil {
		if err := r.deps.Stats.RecordItem(persistCtx, item, validationFailed); err != nil {
			logger.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to record item stats")
		}
	}

	event := logger.Info()
	if item.Status == models.WorkItemStatusFailed {
		event = logger.Warn().Str("error", item.ErrorMessage).Bool("validation_failed", validationFailed)
	}
	event.
		Str("item_id", item.ID).
		Str("subject", item.SubjectRef).
		Str("status", string(item.Status)).
		Int("attempts", item.Attempts).
		Dur("duration", now.Sub(start)).
		Msg("Work item processed")
	return nil
}

func (r *Runner) safeProcess(ctx context.Context, item *models.WorkItem) (outcome *interfaces.EnrichmentOutcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("item_id", item.ID).
				Str("panic", fmt.Sprintf("%v", rec)).
				Str("stack", string(debug.Stack())).
				Msg("Panic while processing work item")
			outcome = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.op.Process(ctx, item)
}

func applyOutcome(item *models.WorkItem, outcome *interfaces.EnrichmentOutcome, now time.Time) error {
	if outcome == nil {
		return errors.New("operation returned no outcome")
	}
	switch outcome.Status {
	case models.WorkItemStatusCompleted:
		return item.Complete(outcome.Result, now)
	case models.WorkItemStatusNoChanges:
		return item.NoChanges(outcome.Result, outcome.Reason, now)
	case models.WorkItemStatusSkipped:
		return item.Skip(outcome.Reason, now)
	default:
		return fmt.Errorf("operation returned unsupported status %q", outcome.Status)
	}
}

// recoverStale fails items left in processing by a run that died without finishing
func (r *Runner) recoverStale(ctx context.Context, logger arbor.ILogger) (int, error) {
	if r.config.StaleAfter <= 0 {
		return 0, nil
	}

	stale, err := r.deps.Store.ListWorkItems(ctx, &interfaces.WorkItemFilter{
		Pipeline:      r.op.Name(),
		Statuses:      []models.WorkItemStatus{models.WorkItemStatusProcessing},
		UpdatedBefore: r.now().Add(-r.config.StaleAfter),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list stale items: %w", err)
	}

	for _, item := range stale {
		lastUpdated := item.UpdatedAt
		if err := item.Fail(fmt.Sprintf("abandoned: processing exceeded %s", r.config.StaleAfter), r.now()); err != nil {
			return 0, err
		}
		if err := r.deps.Store.ApplyUpdate(ctx, item, interfaces.UpdateOptions{}); err != nil {
			return 0, fmt.Errorf("failed to recover stale item %s: %w", item.ID, err)
		}
		if r.deps.Stats != nil {
			if err := r.deps.Stats.RecordItem(ctx, item, false); err != nil {
				logger.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to record recovered item stats")
			}
		}
		logger.Warn().
			Str("item_id", item.ID).
			Str("subject", item.SubjectRef).
			Str("stale_since", lastUpdated.Format(time.RFC3339)).
			Dur("stale_for", r.now().Sub(lastUpdated)).
			Msg("Recovered stale processing item")
	}
	return len(stale), nil
}

func (r *Runner) fail(report *models.RunReport, err error) (*models.RunReport, error) {
	report.Status = models.RunStatusError
	report.Error = err.Error()
	report.FinishedAt = r.now()
	return report, err
}
