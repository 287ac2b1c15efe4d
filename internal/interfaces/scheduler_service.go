package interfaces

import "time"

// JobStatus represents the current status of a scheduled pipeline
type JobStatus struct {
	Name      string     `json:"name"`
	Enabled   bool       `json:"enabled"`
	Schedule  string     `json:"schedule"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	IsRunning bool       `json:"is_running"`
	LastError string     `json:"last_error,omitempty"`
}

// SchedulerService manages cron-based pipeline triggers in serve mode
type SchedulerService interface {
	// RegisterJob registers a handler under name on a cron schedule
	RegisterJob(name string, schedule string, handler func() error) error

	Start() error
	Stop() error
	IsRunning() bool

	// GetAllJobStatuses returns all job statuses keyed by name
	GetAllJobStatuses() map[string]*JobStatus
}
