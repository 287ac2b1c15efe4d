package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
)

// jobEntry represents a registered pipeline trigger with its last outcome
type jobEntry struct {
	name      string
	schedule  string
	handler   func() error
	cronID    cron.EntryID
	lastRun   *time.Time
	isRunning bool
	lastError string
}

// Service triggers registered handlers on cron schedules in serve mode.
// Different jobs may overlap; a job whose previous tick is still running is skipped.
type Service struct {
	cron    *cron.Cron
	logger  arbor.ILogger
	jobMu   sync.Mutex
	jobs    map[string]*jobEntry
	running bool
}

// NewService creates a new scheduler service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		cron:   cron.New(),
		logger: logger,
		jobs:   make(map[string]*jobEntry),
	}
}

var _ interfaces.SchedulerService = (*Service)(nil)

// RegisterJob adds handler under name on a five-field cron schedule
func (s *Service) RegisterJob(name string, schedule string, handler func() error) error {
	if err := common.ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("invalid schedule for %s: %w", name, err)
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	entry := &jobEntry{
		name:     name,
		schedule: schedule,
		handler:  handler,
	}

	cronID, err := s.cron.AddFunc(schedule, func() {
		s.executeJob(name)
	})
	if err != nil {
		return fmt.Errorf("failed to add job to cron: %w", err)
	}

	entry.cronID = cronID
	s.jobs[name] = entry

	s.logger.Info().
		Str("job_name", name).
		Str("schedule", schedule).
		Msg("Job registered")

	return nil
}

func (s *Service) Start() error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
	return nil
}

// Stop halts the cron and waits for in-flight jobs to return
func (s *Service) Stop() error {
	s.jobMu.Lock()
	if !s.running {
		s.jobMu.Unlock()
		return nil
	}
	s.running = false
	s.jobMu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

func (s *Service) IsRunning() bool {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	return s.running
}

// GetJobStatus returns the status of one job
func (s *Service) GetJobStatus(name string) (*interfaces.JobStatus, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return nil, fmt.Errorf("job %s not found", name)
	}

	status := &interfaces.JobStatus{
		Name:      entry.name,
		Enabled:   true,
		Schedule:  entry.schedule,
		LastRun:   entry.lastRun,
		IsRunning: entry.isRunning,
		LastError: entry.lastError,
	}
	if s.running {
		if next := s.cron.Entry(entry.cronID).Next; !next.IsZero() {
			status.NextRun = &next
		}
	}
	return status, nil
}

func (s *Service) GetAllJobStatuses() map[string]*interfaces.JobStatus {
	s.jobMu.Lock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.jobMu.Unlock()
	sort.Strings(names)

	statuses := make(map[string]*interfaces.JobStatus, len(names))
	for _, name := range names {
		if status, err := s.GetJobStatus(name); err == nil {
			statuses[name] = status
		}
	}
	return statuses
}

func (s *Service) executeJob(name string) {
	s.jobMu.Lock()
	entry, exists := s.jobs[name]
	if !exists {
		s.jobMu.Unlock()
		s.logger.Warn().Str("job_name", name).Msg("Job not found")
		return
	}
	if entry.isRunning {
		s.jobMu.Unlock()
		s.logger.Debug().Str("job_name", name).Msg("Previous tick still running, skipping")
		return
	}
	entry.isRunning = true
	handler := entry.handler
	s.jobMu.Unlock()

	start := time.Now()
	err := s.callHandler(name, handler)
	finished := time.Now()

	s.jobMu.Lock()
	entry.isRunning = false
	entry.lastRun = &finished
	if err != nil {
		entry.lastError = err.Error()
	} else {
		entry.lastError = ""
	}
	s.jobMu.Unlock()

	if err != nil {
		s.logger.Error().
			Str("job_name", name).
			Err(err).
			Dur("duration", finished.Sub(start)).
			Msg("Job execution failed")
		return
	}
	s.logger.Debug().
		Str("job_name", name).
		Dur("duration", finished.Sub(start)).
		Msg("Job execution completed")
}

func (s *Service) callHandler(name string, handler func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job_name", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Panic recovered in job execution")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler()
}
