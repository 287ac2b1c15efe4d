package app

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/handlers"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
	"github.com/ternarybob/revisor/internal/pipelines"
	"github.com/ternarybob/revisor/internal/services/llm"
	"github.com/ternarybob/revisor/internal/services/ratelimit"
	"github.com/ternarybob/revisor/internal/services/retention"
	"github.com/ternarybob/revisor/internal/services/runlock"
	"github.com/ternarybob/revisor/internal/services/scheduler"
	"github.com/ternarybob/revisor/internal/services/selector"
	"github.com/ternarybob/revisor/internal/services/stats"
	"github.com/ternarybob/revisor/internal/services/workitems"
	"github.com/ternarybob/revisor/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	ctx            context.Context
	cancelCtx      context.CancelFunc
	runMu          sync.Mutex
	closing        bool
	runs           sync.WaitGroup // background runs started by RunPipelineAsync
	StorageManager interfaces.StorageManager

	// Scheduling building blocks shared by every pipeline
	Limiter         *ratelimit.Limiter
	Selector        *selector.Selector
	Locker          *runlock.Locker
	Metrics         *stats.Metrics
	StatsService    *stats.Aggregator
	Cleaner         *retention.Cleaner
	WorkItemService *workitems.Service

	// Generation and pipelines (nil when built without generation)
	GenerationClient interfaces.GenerationClient
	Operations       map[string]interfaces.EnrichmentOperation
	Runners          map[string]*scheduler.Runner

	// Cron triggers for serve mode
	SchedulerService *scheduler.Service

	// HTTP handlers
	HealthHandler   *handlers.HealthHandler
	PipelineHandler *handlers.PipelineHandler
	ItemHandler     *handlers.ItemHandler
}

type options struct {
	generation bool
	client     interfaces.GenerationClient
	pricing    llm.Pricing
	storage    interfaces.StorageManager
}

// Option customises application construction
type Option func(*options)

// WithoutGeneration skips the generation client and pipelines. Commands that only
// touch the store (enqueue, reset, stats, cleanup) use it so no API key is needed.
func WithoutGeneration() Option {
	return func(o *options) {
		o.generation = false
	}
}

// WithGenerationClient replaces the Anthropic client, mainly for tests
func WithGenerationClient(client interfaces.GenerationClient, pricing llm.Pricing) Option {
	return func(o *options) {
		o.generation = true
		o.client = client
		o.pricing = pricing
	}
}

// WithStorageManager uses an already opened storage manager
func WithStorageManager(manager interfaces.StorageManager) Option {
	return func(o *options) {
		o.storage = manager
	}
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger, opts ...Option) (*App, error) {
	o := &options{generation: true}
	for _, opt := range opts {
		opt(o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	// Initialize database
	if err := app.initDatabase(o.storage); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Pipelines need the generation client and therefore an API key
	if o.generation {
		if err := app.initPipelines(o.client, o.pricing); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to initialize pipelines: %w", err)
		}
	}

	// Initialize handlers
	app.initHandlers()

	logger.Info().
		Bool("generation", app.GenerationClient != nil).
		Int("pipelines", len(app.Runners)).
		Str("rate_scope", cfg.RateLimit.Scope).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase(manager interfaces.StorageManager) error {
	if manager == nil {
		var err error
		manager, err = storage.NewStorageManager(a.Logger, a.Config)
		if err != nil {
			return fmt.Errorf("failed to create storage manager: %w", err)
		}
	}

	a.StorageManager = manager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initServices creates the storage-backed services every command needs
func (a *App) initServices() error {
	workItems := a.StorageManager.WorkItemStorage()

	a.Limiter = ratelimit.NewLimiter(a.StorageManager.CounterStorage(), a.Config.RateLimit, a.Logger)
	a.Selector = selector.NewSelector(workItems, a.Logger)
	a.Locker = runlock.NewLocker(a.StorageManager.LockStorage(), a.Config.Scheduler.LockTTLDuration(), a.Logger)
	a.Metrics = stats.NewMetrics()
	a.StatsService = stats.NewAggregator(a.StorageManager.CounterStorage(), a.Config.Stats, a.Metrics, a.Logger)
	a.Cleaner = retention.NewCleaner(workItems, a.Config.Retention, a.Logger)
	a.WorkItemService = workitems.NewService(workItems, a.Config.PipelineNames(), a.Logger)
	a.SchedulerService = scheduler.NewService(a.Logger)

	a.Logger.Debug().
		Int("rate_limit", a.Config.RateLimit.Limit).
		Str("rate_window", a.Limiter.Window().String()).
		Str("lock_ttl", a.Locker.TTL().String()).
		Bool("retention_enabled", a.Cleaner.Enabled()).
		Msg("Scheduling services initialized")
	return nil
}

// initPipelines creates the generation client, one runner per pipeline and the
// cron registrations for enabled pipelines
func (a *App) initPipelines(client interfaces.GenerationClient, pricing llm.Pricing) error {
	if client == nil {
		apiKey, err := common.ResolveAPIKey(a.Config)
		if err != nil {
			return err
		}
		claude, err := llm.NewClient(&a.Config.Claude, apiKey, a.Limiter, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to create generation client: %w", err)
		}
		client = claude
		pricing = claude.Pricing()
	}
	a.GenerationClient = client

	ops, err := pipelines.Build(a.Config, pipelines.Deps{
		Client:  client,
		Pricing: pricing,
		Logger:  a.Logger,
	})
	if err != nil {
		return err
	}
	a.Operations = ops

	// Completed pressure corrections are copied to sibling items of the same article
	a.StorageManager.WorkItemStorage().AddUpdateListener(pipelines.NewSiblingSyncer(a.StorageManager.WorkItemStorage(), a.Logger))

	deps := scheduler.Dependencies{
		Store:    a.StorageManager.WorkItemStorage(),
		Selector: a.Selector,
		Locker:   a.Locker,
		Budget:   a.Limiter,
		Stats:    a.StatsService,
		Cleaner:  a.Cleaner,
	}

	a.Runners = make(map[string]*scheduler.Runner, len(ops))
	for name, op := range ops {
		pipelineConfig, _ := a.Config.Pipeline(name)
		a.Runners[name] = scheduler.NewRunner(op, deps, scheduler.NewRunnerConfig(a.Config.Scheduler, pipelineConfig), a.Logger)

		if !pipelineConfig.Enabled {
			a.Logger.Debug().Str("pipeline", name).Msg("Pipeline disabled, not scheduled")
			continue
		}
		if err := a.SchedulerService.RegisterJob(name, pipelineConfig.Schedule, a.scheduledRun(name)); err != nil {
			return fmt.Errorf("failed to schedule pipeline %s: %w", name, err)
		}
	}

	return nil
}

// initHandlers initializes HTTP handlers
func (a *App) initHandlers() {
	a.HealthHandler = handlers.NewHealthHandler(a.StorageManager.WorkItemStorage(), a.Logger)
	a.PipelineHandler = handlers.NewPipelineHandler(a, a.Logger)
	a.ItemHandler = handlers.NewItemHandler(a.WorkItemService, a.Cleaner, a.Logger)
}

// scheduledRun is the cron handler for one pipeline. Business outcomes are
// reported by the runner itself; only run-level failures surface as job errors.
func (a *App) scheduledRun(name string) func() error {
	return func() error {
		_, err := a.RunPipeline(a.ctx, name, models.RunOptions{})
		return err
	}
}

// Runner returns the runner for pipeline
func (a *App) Runner(name string) (*scheduler.Runner, error) {
	if a.Runners == nil {
		return nil, interfaces.ErrGenerationDisabled
	}
	runner, ok := a.Runners[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownPipeline, name)
	}
	return runner, nil
}

// RunPipeline executes one scheduler invocation for pipeline
func (a *App) RunPipeline(ctx context.Context, name string, opts models.RunOptions) (*models.RunReport, error) {
	runner, err := a.Runner(name)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx, opts)
}

// RunPipelineAsync starts a run on the application context and returns at once.
// It fails fast when the pipeline lock is already held. Close waits for the run.
func (a *App) RunPipelineAsync(name string, opts models.RunOptions) (string, error) {
	runner, err := a.Runner(name)
	if err != nil {
		return "", err
	}
	holder, err := a.Locker.Holder(a.ctx, name)
	if err != nil {
		return "", err
	}
	if holder != nil {
		return "", fmt.Errorf("%w: %s held by %s", interfaces.ErrAlreadyRunning, name, holder.Owner)
	}

	a.runMu.Lock()
	if a.closing {
		a.runMu.Unlock()
		return "", interfaces.ErrShuttingDown
	}
	a.runs.Add(1)
	a.runMu.Unlock()

	runID := common.NewRunID()
	go func() {
		defer a.runs.Done()
		report, err := runner.Run(a.ctx, opts)
		if err != nil {
			a.Logger.Error().Err(err).Str("pipeline", name).Str("request_id", runID).Msg("Triggered run failed")
			return
		}
		a.Logger.Info().Str("pipeline", name).Str("request_id", runID).Str("status", string(report.Status)).Msg("Triggered run finished")
	}()
	return runID, nil
}

var _ interfaces.PipelineService = (*App)(nil)

// PipelineNames returns configured pipeline names in order
func (a *App) PipelineNames() []string {
	return a.Config.PipelineNames()
}

// PipelineStatuses reports configuration, lock, backlog and last run per pipeline
func (a *App) PipelineStatuses(ctx context.Context) ([]*interfaces.PipelineStatus, error) {
	jobs := a.SchedulerService.GetAllJobStatuses()

	names := a.PipelineNames()
	sort.Strings(names)

	result := make([]*interfaces.PipelineStatus, 0, len(names))
	for _, name := range names {
		status, err := a.PipelineStatus(ctx, name)
		if err != nil {
			return nil, err
		}
		status.Job = jobs[name]
		result = append(result, status)
	}
	return result, nil
}

// PipelineStatus reports a single pipeline
func (a *App) PipelineStatus(ctx context.Context, name string) (*interfaces.PipelineStatus, error) {
	pipelineConfig, ok := a.Config.Pipeline(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownPipeline, name)
	}

	pending, err := a.StorageManager.WorkItemStorage().CountWorkItems(ctx, &interfaces.WorkItemFilter{
		Pipeline: name,
		Statuses: []models.WorkItemStatus{models.WorkItemStatusPending},
	})
	if err != nil {
		return nil, err
	}
	lock, err := a.Locker.Holder(ctx, name)
	if err != nil {
		return nil, err
	}
	lastRun, err := a.StatsService.LastRun(ctx, name)
	if err != nil {
		return nil, err
	}

	return &interfaces.PipelineStatus{
		Name:     name,
		Enabled:  pipelineConfig.Enabled,
		Schedule: pipelineConfig.Schedule,
		Pending:  pending,
		Lock:     lock,
		LastRun:  lastRun,
	}, nil
}

// PipelineStats returns the windowed stats for pipeline
func (a *App) PipelineStats(ctx context.Context, name string, days int) (*models.WindowStats, error) {
	if _, ok := a.Config.Pipeline(name); !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownPipeline, name)
	}
	return a.StatsService.Window(ctx, name, days)
}

// Close closes all application resources
func (a *App) Close() error {
	a.runMu.Lock()
	a.closing = true
	a.runMu.Unlock()

	if a.cancelCtx != nil {
		a.cancelCtx()
	}

	// Stop scheduler service
	if a.SchedulerService != nil && a.SchedulerService.IsRunning() {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	// Triggered runs release their lock and persist their item before the store closes
	a.runs.Wait()

	// Close storage
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
