// -----------------------------------------------------------------------
// Work Item - unit of enrichment work and its status state machine
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a status change is not allowed by the state machine.
var ErrInvalidTransition = errors.New("invalid work item transition")

// WorkItemStatus is the processing state of a work item.
type WorkItemStatus string

const (
	WorkItemStatusPending    WorkItemStatus = "pending"
	WorkItemStatusProcessing WorkItemStatus = "processing"
	WorkItemStatusCompleted  WorkItemStatus = "completed"
	WorkItemStatusFailed     WorkItemStatus = "failed"
	WorkItemStatusSkipped    WorkItemStatus = "skipped"
	WorkItemStatusNoChanges  WorkItemStatus = "no_changes"
)

// IsValid reports whether s is a known status.
func (s WorkItemStatus) IsValid() bool {
	switch s {
	case WorkItemStatusPending, WorkItemStatusProcessing, WorkItemStatusCompleted,
		WorkItemStatusFailed, WorkItemStatusSkipped, WorkItemStatusNoChanges:
		return true
	}
	return false
}

// IsTerminal reports whether s ends a processing attempt.
func (s WorkItemStatus) IsTerminal() bool {
	switch s {
	case WorkItemStatusCompleted, WorkItemStatusFailed, WorkItemStatusSkipped, WorkItemStatusNoChanges:
		return true
	}
	return false
}

// HasResult reports whether items in this status carry a result payload.
func (s WorkItemStatus) HasResult() bool {
	return s == WorkItemStatusCompleted || s == WorkItemStatusNoChanges
}

// RetainableStatuses are the statuses the retention cleaner may purge.
var RetainableStatuses = []WorkItemStatus{
	WorkItemStatusCompleted,
	WorkItemStatusNoChanges,
	WorkItemStatusFailed,
}

// Priority orders pending items inside a selection scope.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
	PriorityNone   Priority = "none"
)

// Rank returns a sort key where lower ranks are selected first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// ParsePriority converts a string into a Priority, defaulting to none.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityMedium, PriorityLow, PriorityNone:
		return Priority(s), nil
	case "":
		return PriorityNone, nil
	}
	return PriorityNone, fmt.Errorf("unknown priority %q", s)
}

// WorkPayload holds the immutable input snapshot and the produced output.
type WorkPayload struct {
	Original json.RawMessage `json:"original"`
	Result   *WorkResult     `json:"result,omitempty"`
}

// WorkResult is stored on completed and no_changes items.
type WorkResult struct {
	Content       json.RawMessage `json:"content,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Model         string          `json:"model,omitempty"`
	StopReason    string          `json:"stop_reason,omitempty"`
	InputTokens   int64           `json:"input_tokens"`
	OutputTokens  int64           `json:"output_tokens"`
	EstimatedCost float64         `json:"estimated_cost"`
}

// WorkItem is one unit of enrichment work tracked through its status state machine.
// Attributes carry subject properties (vehicle, template) used for stats breakdowns.
type WorkItem struct {
	ID            string            `json:"id"`
	Pipeline      string            `json:"pipeline" badgerhold:"index"`
	SubjectRef    string            `json:"subject_ref"`
	Status        WorkItemStatus    `json:"status" badgerhold:"index"`
	Payload       WorkPayload       `json:"payload"`
	Attempts      int               `json:"attempts"`
	Priority      Priority          `json:"priority"`
	BatchID       string            `json:"batch_id,omitempty"`
	BatchPosition int               `json:"batch_position,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	StatusReason  string            `json:"status_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ProcessedAt   *time.Time        `json:"processed_at,omitempty"`
}

// NewWorkItem creates a pending work item with a fresh ID.
func NewWorkItem(pipeline, subjectRef string, original json.RawMessage, priority Priority, now time.Time) *WorkItem {
	if priority == "" {
		priority = PriorityNone
	}
	return &WorkItem{
		ID:         uuid.New().String(),
		Pipeline:   pipeline,
		SubjectRef: subjectRef,
		Status:     WorkItemStatusPending,
		Payload:    WorkPayload{Original: original},
		Priority:   priority,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsOrphan reports whether the item belongs to no batch.
func (w *WorkItem) IsOrphan() bool {
	return w.BatchID == ""
}

// Attribute returns the named subject attribute or "".
func (w *WorkItem) Attribute(key string) string {
	if w.Attributes == nil {
		return ""
	}
	return w.Attributes[key]
}

// MarkProcessing moves a pending item into processing and counts the attempt.
func (w *WorkItem) MarkProcessing(now time.Time) error {
	if w.Status != WorkItemStatusPending {
		return w.transitionError(WorkItemStatusProcessing)
	}
	w.Status = WorkItemStatusProcessing
	w.Attempts++
	w.ErrorMessage = ""
	w.StatusReason = ""
	w.touch(now)
	return nil
}

// Complete stores the result of a successful enrichment that changed the subject.
func (w *WorkItem) Complete(result *WorkResult, now time.Time) error {
	if w.Status != WorkItemStatusProcessing {
		return w.transitionError(WorkItemStatusCompleted)
	}
	if result == nil {
		return fmt.Errorf("%w: completed item requires a result", ErrInvalidTransition)
	}
	w.Status = WorkItemStatusCompleted
	w.Payload.Result = result
	w.touch(now)
	return nil
}

// NoChanges records a successful enrichment that warranted no update.
func (w *WorkItem) NoChanges(result *WorkResult, reason string, now time.Time) error {
	if w.Status != WorkItemStatusProcessing {
		return w.transitionError(WorkItemStatusNoChanges)
	}
	if result == nil {
		result = &WorkResult{}
	}
	result.Reason = reason
	w.Status = WorkItemStatusNoChanges
	w.StatusReason = reason
	w.Payload.Result = result
	w.touch(now)
	return nil
}

// Fail records an unrecoverable error for this attempt.
func (w *WorkItem) Fail(message string, now time.Time) error {
	if w.Status != WorkItemStatusProcessing {
		return w.transitionError(WorkItemStatusFailed)
	}
	w.Status = WorkItemStatusFailed
	w.ErrorMessage = message
	w.Payload.Result = nil
	w.touch(now)
	return nil
}

// Skip records that a precondition was not met at processing time.
func (w *WorkItem) Skip(reason string, now time.Time) error {
	if w.Status != WorkItemStatusProcessing {
		return w.transitionError(WorkItemStatusSkipped)
	}
	w.Status = WorkItemStatusSkipped
	w.ErrorMessage = ""
	w.StatusReason = reason
	w.Payload.Result = nil
	w.touch(now)
	return nil
}

// ResetForReprocessing returns a terminal item to pending. Calling it on a pending
// item is a no-op. Attempts are preserved.
func (w *WorkItem) ResetForReprocessing(now time.Time) (bool, error) {
	if w.Status == WorkItemStatusPending {
		return false, nil
	}
	if !w.Status.IsTerminal() {
		return false, w.transitionError(WorkItemStatusPending)
	}
	w.Status = WorkItemStatusPending
	w.ErrorMessage = ""
	w.StatusReason = ""
	w.ProcessedAt = nil
	w.Payload.Result = nil
	w.UpdatedAt = now
	return true, nil
}

func (w *WorkItem) touch(now time.Time) {
	t := now
	w.UpdatedAt = now
	w.ProcessedAt = &t
}

func (w *WorkItem) transitionError(to WorkItemStatus) error {
	return fmt.Errorf("%w: %s -> %s (item %s)", ErrInvalidTransition, w.Status, to, w.ID)
}
