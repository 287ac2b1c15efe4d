package main

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/revisor/internal/apiclient"
	"github.com/ternarybob/revisor/internal/app"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
	"github.com/ternarybob/revisor/internal/services/workitems"
)

// operator is the store surface of the enqueue, reset, stats and cleanup commands.
// Either the local application or a running server provides it.
type operator interface {
	Enqueue(ctx context.Context, requests []workitems.EnqueueRequest) ([]*models.WorkItem, error)
	Reset(ctx context.Context, filter workitems.ResetFilter) (int, error)
	Purge(ctx context.Context, pipeline string, days int) (int, error)
	PipelineStats(ctx context.Context, name string, days int) (*models.WindowStats, error)
}

type localOperator struct {
	app *app.App
}

func (o localOperator) Enqueue(ctx context.Context, requests []workitems.EnqueueRequest) ([]*models.WorkItem, error) {
	return o.app.WorkItemService.Enqueue(ctx, requests)
}

func (o localOperator) Reset(ctx context.Context, filter workitems.ResetFilter) (int, error) {
	return o.app.WorkItemService.Reset(ctx, filter)
}

func (o localOperator) Purge(ctx context.Context, pipeline string, days int) (int, error) {
	return o.app.Cleaner.Purge(ctx, pipeline, days)
}

func (o localOperator) PipelineStats(ctx context.Context, name string, days int) (*models.WindowStats, error) {
	return o.app.PipelineStats(ctx, name, days)
}

// openStore opens the local application. When another process holds the store and
// a server answers on the configured address, it returns a client for that server
// instead. The store busy error is returned when nobody can take the request.
func openStore(opts ...app.Option) (*app.App, *apiclient.Client, error) {
	application, err := newApp(opts...)
	if err == nil {
		return application, nil, nil
	}
	if !errors.Is(err, interfaces.ErrStoreBusy) {
		return nil, nil, err
	}

	remote := apiclient.NewClient(apiclient.BaseURL(&config.Server), apiclient.WithLogger(logger))
	if pingErr := remote.Ping(context.Background()); pingErr != nil {
		logger.Warn().
			Err(pingErr).
			Str("path", config.Storage.Badger.Path).
			Msg("Store is held by another process and no server accepts requests")
		return nil, nil, err
	}

	logger.Info().Str("server", remote.BaseURL()).Msg("Store is held by a running server, forwarding request")
	return nil, remote, nil
}

// openOperator opens the store surface for an item command. The returned func
// releases the local store and is always safe to call.
func openOperator() (operator, func(), error) {
	application, remote, err := openStore(app.WithoutGeneration())
	if err != nil {
		return nil, func() {}, err
	}
	if remote != nil {
		return remote, func() {}, nil
	}
	return localOperator{app: application}, func() { application.Close() }, nil
}

// forwardRun hands a run to the server holding the store. Real runs continue in the
// server's background and are reported as started.
func forwardRun(ctx context.Context, remote *apiclient.Client, name string, opts models.RunOptions) (*models.RunReport, error) {
	started := time.Now()
	result, err := remote.Run(ctx, name, opts)
	switch {
	case errors.Is(err, interfaces.ErrAlreadyRunning):
		return localReport(name, opts, models.RunStatusAlreadyRunning, started), nil
	case result != nil && result.Report != nil:
		return result.Report, err
	case err != nil:
		report := localReport(name, opts, models.RunStatusError, started)
		report.Error = err.Error()
		return report, err
	}

	report := localReport(name, opts, models.RunStatusStarted, started)
	report.RunID = result.RequestID
	return report, nil
}

// localReport builds the report of a run the scheduler never saw
func localReport(name string, opts models.RunOptions, status models.RunStatus, started time.Time) *models.RunReport {
	return &models.RunReport{
		RunID:      common.NewRunID(),
		Pipeline:   name,
		Status:     status,
		DryRun:     opts.DryRun,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
}
