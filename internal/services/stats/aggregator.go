// Package stats accumulates per-pipeline daily counters and the last run report.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

// Aggregator writes daily snapshots keyed by pipeline and date. Writers for one pipeline
// are serialized by the run lock, so read-modify-write per key is sufficient.
type Aggregator struct {
	counters      interfaces.CounterStorage
	metrics       *Metrics
	retention     time.Duration
	breakdownKeys []string
	logger        arbor.ILogger
	now           func() time.Time
}

// NewAggregator creates an aggregator. metrics may be nil.
func NewAggregator(counters interfaces.CounterStorage, config common.StatsConfig, metrics *Metrics, logger arbor.ILogger) *Aggregator {
	return &Aggregator{
		counters:      counters,
		metrics:       metrics,
		retention:     time.Duration(config.RetentionDays) * 24 * time.Hour,
		breakdownKeys: config.BreakdownKeys,
		logger:        logger,
		now:           time.Now,
	}
}

// WithClock replaces the time source; used by tests
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Metrics returns the prometheus collectors, or nil
func (a *Aggregator) Metrics() *Metrics {
	return a.metrics
}

// RecordItem counts an item that reached a terminal status
func (a *Aggregator) RecordItem(ctx context.Context, item *models.WorkItem, validationFailed bool) error {
	if a.metrics != nil {
		a.metrics.observeItem(item, validationFailed)
	}

	return a.updateDay(ctx, item.Pipeline, func(day *models.DailyStats) {
		day.Processed++
		switch item.Status {
		case models.WorkItemStatusCompleted:
			day.Succeeded++
		case models.WorkItemStatusNoChanges:
			day.NoChanges++
		case models.WorkItemStatusFailed:
			day.Failed++
			if validationFailed {
				day.ValidationFailed++
			}
		case models.WorkItemStatusSkipped:
			day.Skipped++
		}

		if result := item.Payload.Result; result != nil {
			day.InputTokens += result.InputTokens
			day.OutputTokens += result.OutputTokens
			day.EstimatedCost += result.EstimatedCost
		}

		for _, key := range a.breakdownKeys {
			day.AddBreakdown(key, item.Attribute(key))
		}
	})
}

// RecordRun counts the invocation and stores it as the pipeline's last run
func (a *Aggregator) RecordRun(ctx context.Context, report *models.RunReport) error {
	if a.metrics != nil {
		a.metrics.observeRun(report)
	}

	if err := a.updateDay(ctx, report.Pipeline, func(day *models.DailyStats) {
		day.Runs++
	}); err != nil {
		return err
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}
	return a.counters.Update(ctx, lastRunKey(report.Pipeline), 0, func([]byte) ([]byte, error) {
		return data, nil
	})
}

// LastRun returns the most recent run report, or nil when the pipeline never ran
func (a *Aggregator) LastRun(ctx context.Context, pipeline string) (*models.RunReport, error) {
	data, err := a.counters.Get(ctx, lastRunKey(pipeline))
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last run for %s: %w", pipeline, err)
	}

	var report models.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode last run for %s: %w", pipeline, err)
	}
	return &report, nil
}

// Day returns the snapshot for pipeline on day. Missing days are empty.
func (a *Aggregator) Day(ctx context.Context, pipeline string, day time.Time) (*models.DailyStats, error) {
	data, err := a.counters.Get(ctx, dayKey(pipeline, day))
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return models.NewDailyStats(pipeline, day), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stats for %s: %w", pipeline, err)
	}
	return decodeDay(data, pipeline, day)
}

// Window sums the last days snapshots (today included) for pipeline
func (a *Aggregator) Window(ctx context.Context, pipeline string, days int) (*models.WindowStats, error) {
	if days < 1 {
		days = 1
	}

	today := a.now().UTC()
	from := today.AddDate(0, 0, -(days - 1))

	window := &models.WindowStats{
		Pipeline: pipeline,
		From:     from.Format(models.StatsDateLayout),
		To:       today.Format(models.StatsDateLayout),
		Totals:   *models.NewDailyStats(pipeline, today),
	}
	window.Totals.Date = ""

	for d := 0; d < days; d++ {
		day, err := a.Day(ctx, pipeline, from.AddDate(0, 0, d))
		if err != nil {
			return nil, err
		}
		window.Days = append(window.Days, day)
		window.Totals.Merge(day)
	}

	lastRun, err := a.LastRun(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	window.LastRun = lastRun
	return window, nil
}

func (a *Aggregator) updateDay(ctx context.Context, pipeline string, mutate func(day *models.DailyStats)) error {
	now := a.now()
	err := a.counters.Update(ctx, dayKey(pipeline, now), a.retention, func(current []byte) ([]byte, error) {
		day := models.NewDailyStats(pipeline, now)
		if current != nil {
			decoded, err := decodeDay(current, pipeline, now)
			if err != nil {
				return nil, err
			}
			day = decoded
		}
		mutate(day)
		day.UpdatedAt = now
		return json.Marshal(day)
	})
	if err != nil {
		return fmt.Errorf("failed to update stats for %s: %w", pipeline, err)
	}
	return nil
}

func decodeDay(data []byte, pipeline string, day time.Time) (*models.DailyStats, error) {
	stats := models.NewDailyStats(pipeline, day)
	if err := json.Unmarshal(data, stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats snapshot: %w", err)
	}
	return stats, nil
}

func dayKey(pipeline string, day time.Time) string {
	return "stats:" + pipeline + ":" + day.UTC().Format(models.StatsDateLayout)
}

func lastRunKey(pipeline string) string {
	return "lastrun:" + pipeline
}
