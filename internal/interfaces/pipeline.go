package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/revisor/internal/models"
)

var (
	// ErrUnknownPipeline is returned for pipeline names missing from configuration
	ErrUnknownPipeline = errors.New("unknown pipeline")
	// ErrAlreadyRunning is returned when a triggered run finds the run lock held
	ErrAlreadyRunning = errors.New("pipeline is already running")
	// ErrGenerationDisabled is returned when runs are requested without a generation client
	ErrGenerationDisabled = errors.New("pipelines are not initialized")
	// ErrShuttingDown is returned for runs requested after shutdown began
	ErrShuttingDown = errors.New("application is shutting down")
)

// EnrichmentOutcome is the classified result of processing one work item.
// Status is completed, no_changes or skipped; failures are returned as errors.
type EnrichmentOutcome struct {
	Status models.WorkItemStatus
	Result *models.WorkResult
	Reason string
}

// EnrichmentOperation is the per-pipeline capability driven by the scheduler runner
type EnrichmentOperation interface {
	// Name is the pipeline name used for storage keys, locks and stats
	Name() string

	// Process enriches one item that is already in processing
	Process(ctx context.Context, item *models.WorkItem) (*EnrichmentOutcome, error)
}

// EligibilityFilter is implemented by operations with a recency rule beyond the
// pipeline cooldown. It is bypassed by forced runs.
type EligibilityFilter interface {
	Eligible(item *models.WorkItem) bool
}

// PipelineStatus summarizes one configured pipeline for the API and CLI
type PipelineStatus struct {
	Name     string            `json:"name"`
	Enabled  bool              `json:"enabled"`
	Schedule string            `json:"schedule"`
	Pending  int               `json:"pending"`
	Lock     *models.RunLock   `json:"lock,omitempty"`
	Job      *JobStatus        `json:"job,omitempty"`
	LastRun  *models.RunReport `json:"last_run,omitempty"`
}

// PipelineService is the operator surface over all configured pipelines
type PipelineService interface {
	PipelineStatuses(ctx context.Context) ([]*PipelineStatus, error)
	PipelineStatus(ctx context.Context, name string) (*PipelineStatus, error)
	PipelineStats(ctx context.Context, name string, days int) (*models.WindowStats, error)

	// RunPipeline blocks until the run finishes
	RunPipeline(ctx context.Context, name string, opts models.RunOptions) (*models.RunReport, error)

	// RunPipelineAsync starts a run in the background and returns a request id
	RunPipelineAsync(name string, opts models.RunOptions) (string, error)
}
