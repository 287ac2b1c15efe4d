package models

import "time"

// RunOptions controls a single scheduler invocation.
type RunOptions struct {
	Limit  int    `json:"limit" validate:"gte=0"`
	DryRun bool   `json:"dry_run"`
	Force  bool   `json:"force"`
	Batch  string `json:"batch,omitempty"`
}

// RunStatus is the business outcome of a scheduler invocation.
type RunStatus string

const (
	// RunStatusOK means at least one item was processed.
	RunStatusOK RunStatus = "ok"
	// RunStatusNoWork means the selector was drained before anything was processed.
	RunStatusNoWork RunStatus = "no_work"
	// RunStatusAlreadyRunning means another invocation holds the run lock.
	RunStatusAlreadyRunning RunStatus = "already_running"
	// RunStatusRateLimited means the rate budget was exhausted before the first call.
	RunStatusRateLimited RunStatus = "rate_limited"
	// RunStatusError means a run-level failure (lock or store backend) stopped the run.
	RunStatusError RunStatus = "error"
	// RunStatusStarted means the run was handed to a running server and continues there.
	RunStatusStarted RunStatus = "started"
)

// RunReport summarizes one invocation. It is printed by the CLI and persisted as the
// pipeline's last run record.
type RunReport struct {
	RunID      string    `json:"run_id"`
	Pipeline   string    `json:"pipeline"`
	Status     RunStatus `json:"status"`
	DryRun     bool      `json:"dry_run"`
	Selected   []string  `json:"selected,omitempty"`
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	NoChanges  int       `json:"no_changes"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Recovered  int       `json:"recovered"`
	Purged     int       `json:"purged"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Count records a terminal outcome in the report.
func (r *RunReport) Count(status WorkItemStatus) {
	r.Processed++
	switch status {
	case WorkItemStatusCompleted:
		r.Succeeded++
	case WorkItemStatusNoChanges:
		r.NoChanges++
	case WorkItemStatusFailed:
		r.Failed++
	case WorkItemStatusSkipped:
		r.Skipped++
	}
}
