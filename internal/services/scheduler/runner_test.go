package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/arbor/writers"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
	"github.com/ternarybob/revisor/internal/services/llm"
	"github.com/ternarybob/revisor/internal/services/ratelimit"
	"github.com/ternarybob/revisor/internal/services/retention"
	"github.com/ternarybob/revisor/internal/services/runlock"
	"github.com/ternarybob/revisor/internal/services/selector"
	"github.com/ternarybob/revisor/internal/services/stats"
	"github.com/ternarybob/revisor/internal/storage/memory"
)

const testPipeline = "content_enrichment"

type fakeOperation struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, item *models.WorkItem) (*interfaces.EnrichmentOutcome, error)
}

func (f *fakeOperation) Name() string { return testPipeline }

func (f *fakeOperation) Process(ctx context.Context, item *models.WorkItem) (*interfaces.EnrichmentOutcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, item.ID)
	f.mu.Unlock()
	if f.fn == nil {
		return completed(), nil
	}
	return f.fn(ctx, item)
}

func (f *fakeOperation) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func completed() *interfaces.EnrichmentOutcome {
	return &interfaces.EnrichmentOutcome{
		Status: models.WorkItemStatusCompleted,
		Result: &models.WorkResult{Content: []byte(`{"ok":true}`), InputTokens: 10, OutputTokens: 5},
	}
}

type failingStore struct {
	*memory.WorkItemStorage
}

func (s failingStore) ApplyUpdate(ctx context.Context, item *models.WorkItem, opts interfaces.UpdateOptions) error {
	return errors.New("store offline")
}

// captureWriter keeps decoded log events written by a logger
type captureWriter struct {
	writers.IWriter
	mu     sync.Mutex
	events []arbormodels.LogEvent
}

func (w *captureWriter) Write(p []byte) (int, error) {
	var event arbormodels.LogEvent
	if err := json.Unmarshal(p, &event); err != nil {
		return 0, err
	}
	w.mu.Lock()
	w.events = append(w.events, event)
	w.mu.Unlock()
	return len(p), nil
}

func (w *captureWriter) GetFilePath() string { return "" }
func (w *captureWriter) Close() error        { return nil }

func (w *captureWriter) find(message string) (arbormodels.LogEvent, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, event := range w.events {
		if event.Message == message {
			return event, true
		}
	}
	return arbormodels.LogEvent{}, false
}

type runnerHarness struct {
	now     time.Time
	store   *memory.WorkItemStorage
	limiter *ratelimit.Limiter
	locker  *runlock.Locker
	stats   *stats.Aggregator
	op      *fakeOperation
	runner  *Runner
	deps    Dependencies
}

func newRunnerHarness(t *testing.T, budget int) *runnerHarness {
	t.Helper()
	logger := arbor.NewLogger()
	h := &runnerHarness{
		now:   time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC),
		store: memory.NewWorkItemStorage(),
		op:    &fakeOperation{},
	}
	clock := func() time.Time { return h.now }

	counters := memory.NewCounterStorage().WithClock(clock)
	h.limiter = ratelimit.NewLimiter(counters, common.RateLimitConfig{Limit: budget, Window: "1h", Scope: "pipeline"}, logger).WithClock(clock)
	h.locker = runlock.NewLocker(memory.NewLockStorage().WithClock(clock), 30*time.Minute, logger)
	h.stats = stats.NewAggregator(counters, common.StatsConfig{RetentionDays: 90, BreakdownKeys: []string{"vehicle"}}, stats.NewMetrics(), logger).WithClock(clock)

	h.deps = Dependencies{
		Store:    h.store,
		Selector: selector.NewSelector(h.store, logger).WithClock(clock),
		Locker:   h.locker,
		Budget:   h.limiter,
		Stats:    h.stats,
		Cleaner:  retention.NewCleaner(h.store, common.RetentionConfig{Enabled: true, Days: 30}, logger).WithClock(clock),
	}
	h.runner = NewRunner(h.op, h.deps, RunnerConfig{DefaultLimit: 1, StaleAfter: 30 * time.Minute}, logger).WithClock(clock)
	return h
}

func (h *runnerHarness) addItem(t *testing.T, id string, age time.Duration) {
	t.Helper()
	item := models.NewWorkItem(testPipeline, "subject-"+id, []byte(`{}`), models.PriorityNone, h.now.Add(-age))
	item.ID = id
	item.Attributes = map[string]string{"vehicle": "golf"}
	require.NoError(t, h.store.SaveWorkItem(context.Background(), item))
}

func (h *runnerHarness) item(t *testing.T, id string) *models.WorkItem {
	t.Helper()
	item, err := h.store.GetWorkItem(context.Background(), id)
	require.NoError(t, err)
	return item
}

func (h *runnerHarness) assertUnlocked(t *testing.T) {
	t.Helper()
	holder, err := h.locker.Holder(context.Background(), testPipeline)
	require.NoError(t, err)
	assert.Nil(t, holder, "run lock must be released")
}

func TestRun_EmptyBacklog(t *testing.T) {
	h := newRunnerHarness(t, 30)

	report, err := h.runner.Run(context.Background(), models.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusNoWork, report.Status)
	assert.Zero(t, h.op.callCount())
	h.assertUnlocked(t)

	last, err := h.stats.LastRun(context.Background(), testPipeline)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, report.RunID, last.RunID)
}

func TestRun_ProcessesUpToLimit(t *testing.T) {
	h := newRunnerHarness(t, 30)
	h.addItem(t, "a", 3*time.Hour)
	h.addItem(t, "b", 2*time.Hour)
	h.addItem(t, "c", time.Hour)

	report, err := h.runner.Run(context.Background(), models.RunOptions{Limit: 2})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusOK, report.Status)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, []string{"a", "b"}, h.op.calls)

	a := h.item(t, "a")
	assert.Equal(t, models.WorkItemStatusCompleted, a.Status)
	assert.Equal(t, 1, a.Attempts)
	assert.NotNil(t, a.Payload.Result)
	assert.NotNil(t, a.ProcessedAt)
	assert.Equal(t, models.WorkItemStatusPending, h.item(t, "c").Status)

	day, err := h.stats.Day(context.Background(), testPipeline, h.now)
	require.NoError(t, err)
	assert.Equal(t, 2, day.Succeeded)
	assert.Equal(t, 2, day.Breakdown["vehicle"]["golf"])
	h.assertUnlocked(t)
}

func TestRun_DefaultLimit(t *testing.T) {
	h := newRunnerHarness(t, 30)
	h.addItem(t, "a", 2*time.Hour)
	h.addItem(t, "b", time.Hour)

	report, err := h.runner.Run(context.Background(), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	h := newRunnerHarness(t, 30)
	h.addItem(t, "boom", 3*time.Hour)
	h.addItem(t, "bad", 2*time.Hour)
	h.addItem(t, "good", time.Hour)

	h.op.fn = func(ctx context.Context, item *models.WorkItem) (*interfaces.EnrichmentOutcome, error) {
		switch item.ID {
		case "boom":
			panic("nil map")
		case "bad":
			return nil, &llm.GenerationError{Kind: llm.KindServerError, StatusCode: 503, Attempts: 3, Err: errors.New("overloaded")}
		}
		return completed(), nil
	}

	report, err := h.runner.Run(context.Background(), models.RunOptions{Limit: 5})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusOK, report.Status)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Succeeded)

	boom := h.item(t, "boom")
	assert.Equal(t, models.WorkItemStatusFailed, boom.Status)
	assert.Contains(t, boom.ErrorMessage, "panic")
	assert.Equal(t, 1, boom.Attempts)
	assert.Nil(t, boom.Payload.Result)

	assert.Equal(t, models.WorkItemStatusFailed, h.item(t, "bad").Status)
	assert.Equal(t, models.WorkItemStatusCompleted, h.item(t, "good").Status)
	h.assertUnlocked(t)
}

func TestRun_ValidationFailure(t *testing.T) {
	h := newRunnerHarness(t, 30)
	h.addItem(t, "a", time.Hour)
	h.op.fn = func(ctx context.Context, item *models.WorkItem) (*interfaces.EnrichmentOutcome, error) {
		return nil, &llm.ValidationError{Reason: "no JSON object found"}
	}

	report, err := h.runner.Run(context.Background(), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	item := h.item(t, "a")
	assert.Equal(t, models.WorkItemStatusFailed, item.Status)
	assert.Equal(t, "validation: no JSON object found", item.ErrorMessage)

	day, err := h.stats.Day(context.Background(), testPipeline, h.now)
	require.NoError(t, err)
	assert.Equal(t, 1, day.ValidationFailed)
}

func TestRun_NoChangesAndSkipped(t *testing.T) {
	h := newRunnerHarness(t, 30)
	h.addItem(t, "same", 2*time.Hour)
	h.addItem(t, "gone", time.Hour)
	h.op.fn = func(ctx context.Context, item *models.WorkItem) (*interfaces.EnrichmentOutcome, error) {
		if item.ID == "same" {
			return &interfaces.EnrichmentOutcome{Status: models.WorkItemStatusNoChanges, Result: &models.WorkResult{}, Reason: "values already correct"}, nil
		}
		return &interfaces.EnrichmentOutcome{Status: models.WorkItemStatusSkipped, Reason: "no introduction"}, nil
	}

	report, err := h.runner.Run(context.Background(), models.RunOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, report.NoChanges)
	assert.Equal(t, 1, report.Skipped)

	same := h.item(t, "same")
	assert.Equal(t, models.WorkItemStatusNoChanges, same.Status)
	assert.Equal(t, "values already correct", same.StatusReason)
	require.NotNil(t, same.Payload.Result)

	gone := h.item(t, "gone")
	assert.Equal(t, models.WorkItemStatusSkipped, gone.Status)
	assert.Nil(t, gone.Payload.Result)
}

func TestRun_RateLimitedBeforeFirstItem(t *testing.T) {
	h := newRunnerHarness(t, 1)
	h.addItem(t, "a", time.Hour)
	require.NoError(t, h.limiter.RecordUsage(context.Background(), testPipeline))

	report, err := h.runner.Run(context.Background(), models.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusRateLimited, report.Status)
	assert.Zero(t, h.op.callCount())

	item := h.item(t, "a")
	assert.Equal(t, models.WorkItemStatusPending, item.Status)
	assert.Zero(t, item.Attempts)
	h.assertUnlocked(t)
}

func TestRun_BudgetExhaustedMidRun(t *testing.T) {
	h := newRunnerHarness(t, 1)
	h.addItem(t, "a", 2*time.Hour)
	h.addItem(t, "b", time.Hour)
	h.op.fn = func(ctx context.Context, item *models.WorkItem) (*interfaces.EnrichmentOutcome, error) {
		require.NoError(t, h.limiter.RecordUsage(ctx, testPipeline))
		return completed(), nil
	}

	report, err := h.runner.Run(context.Background(), models.RunOptions{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusOK, report.Status)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, models.WorkItemStatusPending, h.item(t, "b").Status)
}

func TestRun_AlreadyRunning(t *testing.T) {
	h := newRunnerHarness(t, 30)
	h.addItem(t, "a", time.Hour)

	lease, _, err := h.locker.Acquire(context.Background(), testPipeline)
	require.NoError(t, err)
	require.NotNil(t, lease)

	report, err := h.runner.Run(context.Background(), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAlreadyRunning, report.Status)
	assert.Zero(t, h.op.callCount())

	item := h.item(t, "a")
	assert.Equal(t, models.WorkItemStatusPending, item.Status)
	assert.Zero(t, item.Attempts)

	holder, err := h.locker.Holder(context.Background(), testPipeline)
	require.NoError(t, err)
	assert.Equal(t, lease.Lock.Owner, holder.Owner, "contended run must not release the holder's lock")
}

func TestRun_ConcurrentInvocationsAreExclusive(t *testing.T) {
	h := newRunnerHarness(t, 30)
	h.addItem(t, "a", time.Hour)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	h.op.fn = func(ctx context.Context, item *models.WorkItem) (*interfaces.EnrichmentOutcome, error) {
		close(entered)
		<-proceed
		return completed(), nil
	}

	var first *models.RunReport
	done := make(chan struct{})
	go func() {
		defer close(done)
		first, _ = h.runner.Run(context.Background(), models.RunOptions{})
	}()

	<-entered
	second, err := h.runner.Run(context.Background(), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAlreadyRunning, second.Status)
	assert.Equal(t, models.WorkItemStatusProcessing, h.item(t, "a").Status, "in-flight item is untouched by the second invocation")

	close(proceed)
	<-done
	assert.Equal(t, models.RunStatusOK, first.Status)
	assert.Equal(t, 1, h.op.callCount())
}

func TestRun_DryRun(t *testing.T) {
	h := newRunnerHarness(t, 30)
	h.addItem(t, "a", 3*time.Hour)
	h.addItem(t, "b", 2*time.Hour)
	h.addItem(t, "c", time.Hour)

	report, err := h.runner.Run(context.Background(), models.RunOptions{Limit: 2, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusOK, report.Status)
	assert.Equal(t, []string{"a", "b"}, report.Selected)
	assert.Zero(t, report.Processed)
	assert.Zero(t, h.op.callCount())
	for _, id := range []string{"a", "b", "c"} {
		item := h.item(t, id)
		assert.Equal(t, models.WorkItemStatusPending, item.Status)
		assert.Zero(t, item.Attempts)
	}

	last, err := h.stats.LastRun(context.Background(), testPipeline)
	require.NoError(t, err)
	assert.Nil(t, last, "dry runs leave no stats")
}

func TestRun_RecoversStaleProcessingItems(t *testing.T) {
	h := newRunnerHarness(t, 30)
	stuck := models.NewWorkItem(testPipeline, "subject-stuck", nil, models.PriorityNone, h.now.Add(-2*time.Hour))
	stuck.ID = "stuck"
	require.NoError(t, stuck.MarkProcessing(h.now.Add(-time.Hour)))
	require.NoError(t, h.store.SaveWorkItem(context.Background(), stuck))

	fresh := models.NewWorkItem(testPipeline, "subject-fresh", nil, models.PriorityNone, h.now.Add(-2*time.Hour))
	fresh.ID = "fresh"
	require.NoError(t, fresh.MarkProcessing(h.now.Add(-time.Minute)))
	require.NoError(t, h.store.SaveWorkItem(context.Background(), fresh))

	report, err := h.runner.Run(context.Background(), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, models.RunStatusNoWork, report.Status)

	recovered := h.item(t, "stuck")
	assert.Equal(t, models.WorkItemStatusFailed, recovered.Status)
	assert.Contains(t, recovered.ErrorMessage, "abandoned")
	assert.Equal(t, 1, recovered.Attempts)
	assert.Equal(t, models.WorkItemStatusProcessing, h.item(t, "fresh").Status)
}

func TestRun_StaleRecoveryLogsLastUpdate(t *testing.T) {
	h := newRunnerHarness(t, 30)
	stuck := models.NewWorkItem(testPipeline, "subject-stuck", nil, models.PriorityNone, h.now.Add(-3*time.Hour))
	stuck.ID = "stuck"
	require.NoError(t, stuck.MarkProcessing(h.now.Add(-90*time.Minute)))
	require.NoError(t, h.store.SaveWorkItem(context.Background(), stuck))

	capture := &captureWriter{}
	logger := arbor.NewLogger().WithWriters([]writers.IWriter{capture})
	runner := NewRunner(h.op, h.deps, RunnerConfig{DefaultLimit: 1, StaleAfter: 30 * time.Minute}, logger).
		WithClock(func() time.Time { return h.now })

	report, err := runner.Run(context.Background(), models.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, report.Recovered)

	event, ok := capture.find("Recovered stale processing item")
	require.True(t, ok, "recovery is logged")
	assert.Equal(t, "stuck", event.Fields["item_id"])
	assert.Equal(t, h.now.Add(-90*time.Minute).Format(time.RFC3339), event.Fields["stale_since"])
	assert.True(t, h.now.Equal(h.item(t, "stuck").UpdatedAt), "the item itself carries the recovery time")
}

func TestRun_PurgesExpiredItems(t *testing.T) {
	h := newRunnerHarness(t, 30)
	require.NoError(t, h.store.SaveWorkItem(context.Background(), &models.WorkItem{
		ID:        "ancient",
		Pipeline:  testPipeline,
		Status:    models.WorkItemStatusCompleted,
		CreatedAt: h.now.AddDate(0, 0, -60),
	}))

	report, err := h.runner.Run(context.Background(), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)

	_, err = h.store.GetWorkItem(context.Background(), "ancient")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRun_StoreFailureIsRunLevel(t *testing.T) {
	h := newRunnerHarness(t, 30)
	h.addItem(t, "a", time.Hour)

	deps := h.deps
	deps.Store = failingStore{h.store}
	runner := NewRunner(h.op, deps, RunnerConfig{DefaultLimit: 1}, arbor.NewLogger())

	report, err := runner.Run(context.Background(), models.RunOptions{})
	require.Error(t, err)
	assert.Equal(t, models.RunStatusError, report.Status)
	assert.Contains(t, report.Error, "store offline")
	assert.Zero(t, h.op.callCount())
	h.assertUnlocked(t)
}

func TestRun_InvalidOptions(t *testing.T) {
	h := newRunnerHarness(t, 30)

	report, err := h.runner.Run(context.Background(), models.RunOptions{Limit: -1})
	require.Error(t, err)
	assert.Equal(t, models.RunStatusError, report.Status)
}

func TestNewRunnerConfig(t *testing.T) {
	cfg := common.NewDefaultConfig()
	pipeline := cfg.Pipelines[common.PipelinePressureCorrection]
	pipeline.Limit = 0
	pipeline.Cooldown = "12h"

	rc := NewRunnerConfig(cfg.Scheduler, pipeline)
	assert.Equal(t, cfg.Scheduler.DefaultLimit, rc.DefaultLimit)
	assert.Equal(t, 12*time.Hour, rc.Cooldown)
	assert.Equal(t, 30*time.Minute, rc.StaleAfter)
}
