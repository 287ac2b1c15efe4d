// Package workitems is the upstream producer and operator surface for work items:
// enqueueing from manifests, resetting for reprocessing and listing.
package workitems

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrInvalidRequest marks enqueue and reset requests rejected before touching the store
var ErrInvalidRequest = errors.New("invalid request")

// EnqueueRequest describes one work item to create
type EnqueueRequest struct {
	Pipeline   string            `yaml:"pipeline" json:"pipeline" validate:"required"`
	SubjectRef string            `yaml:"subject" json:"subject" validate:"required"`
	Priority   string            `yaml:"priority" json:"priority" validate:"omitempty,oneof=high medium low none"`
	BatchID    string            `yaml:"batch" json:"batch"`
	Original   json.RawMessage   `yaml:"-" json:"original" validate:"required"`
	Attributes map[string]string `yaml:"attributes" json:"attributes"`
}

// Manifest is an enqueue file. Top-level pipeline, batch and priority apply to every
// item that does not set its own. Items in a batch get positions in file order.
type Manifest struct {
	Pipeline string         `yaml:"pipeline"`
	Batch    string         `yaml:"batch"`
	Priority string         `yaml:"priority"`
	Items    []ManifestItem `yaml:"items"`
}

// ManifestItem is one entry of a Manifest
type ManifestItem struct {
	Pipeline   string                 `yaml:"pipeline"`
	Subject    string                 `yaml:"subject"`
	Priority   string                 `yaml:"priority"`
	Batch      string                 `yaml:"batch"`
	Original   map[string]interface{} `yaml:"original"`
	Attributes map[string]string      `yaml:"attributes"`
}

// ResetFilter selects items to return to pending. IDs wins when set.
type ResetFilter struct {
	IDs      []string                `json:"ids,omitempty"`
	Pipeline string                  `json:"pipeline,omitempty"`
	BatchID  string                  `json:"batch,omitempty"`
	Statuses []models.WorkItemStatus `json:"statuses,omitempty"`
}

// Service creates and resets work items
type Service struct {
	store     interfaces.WorkItemStorage
	pipelines map[string]struct{}
	validate  *validator.Validate
	logger    arbor.ILogger
	now       func() time.Time
}

// NewService creates a work item service accepting the given pipeline names
func NewService(store interfaces.WorkItemStorage, pipelines []string, logger arbor.ILogger) *Service {
	known := make(map[string]struct{}, len(pipelines))
	for _, name := range pipelines {
		known[name] = struct{}{}
	}
	return &Service{
		store:     store,
		pipelines: known,
		validate:  validator.New(),
		logger:    logger,
		now:       time.Now,
	}
}

// LoadManifest reads a YAML or JSON manifest into enqueue requests
func LoadManifest(path string) ([]EnqueueRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	requests, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return requests, nil
}

// ParseManifest decodes manifest bytes. JSON is accepted as a subset of YAML.
func ParseManifest(data []byte) ([]EnqueueRequest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if len(manifest.Items) == 0 {
		return nil, errors.New("manifest has no items")
	}

	requests := make([]EnqueueRequest, 0, len(manifest.Items))
	for i, item := range manifest.Items {
		original, err := json.Marshal(item.Original)
		if err != nil {
			return nil, fmt.Errorf("item %d: invalid original payload: %w", i, err)
		}
		if item.Original == nil {
			original = nil
		}
		requests = append(requests, EnqueueRequest{
			Pipeline:   firstNonEmpty(item.Pipeline, manifest.Pipeline),
			SubjectRef: item.Subject,
			Priority:   firstNonEmpty(item.Priority, manifest.Priority),
			BatchID:    firstNonEmpty(item.Batch, manifest.Batch),
			Original:   original,
			Attributes: item.Attributes,
		})
	}
	return requests, nil
}

// Enqueue validates every request before creating any item. Batch positions continue
// after the highest position already stored for the batch.
func (s *Service) Enqueue(ctx context.Context, requests []EnqueueRequest) ([]*models.WorkItem, error) {
	for i := range requests {
		if err := s.validateRequest(&requests[i]); err != nil {
			return nil, fmt.Errorf("%w: request %d: %w", ErrInvalidRequest, i, err)
		}
	}

	positions := make(map[string]int)
	items := make([]*models.WorkItem, 0, len(requests))
	now := s.now()

	for _, req := range requests {
		priority, _ := models.ParsePriority(req.Priority)
		item := models.NewWorkItem(req.Pipeline, req.SubjectRef, req.Original, priority, now)
		item.Attributes = req.Attributes

		if req.BatchID != "" {
			key := req.Pipeline + "/" + req.BatchID
			last, seen := positions[key]
			if !seen {
				var err error
				last, err = s.lastPosition(ctx, req.Pipeline, req.BatchID)
				if err != nil {
					return items, err
				}
			}
			item.BatchID = req.BatchID
			item.BatchPosition = last + 1
			positions[key] = item.BatchPosition
		}

		if err := s.store.SaveWorkItem(ctx, item); err != nil {
			return items, fmt.Errorf("failed to save work item for %s: %w", req.SubjectRef, err)
		}
		items = append(items, item)
	}

	s.logger.Info().Int("count", len(items)).Msg("Work items enqueued")
	return items, nil
}

// Reset returns matching terminal items to pending. Pending items are left alone and
// processing items are skipped with a warning. It returns how many items changed.
func (s *Service) Reset(ctx context.Context, filter ResetFilter) (int, error) {
	items, err := s.resetCandidates(ctx, filter)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, item := range items {
		changed, err := item.ResetForReprocessing(s.now())
		if errors.Is(err, models.ErrInvalidTransition) {
			s.logger.Warn().Str("item_id", item.ID).Str("status", string(item.Status)).Msg("Item is processing, not reset")
			continue
		}
		if err != nil {
			return reset, err
		}
		if !changed {
			continue
		}
		if err := s.store.ApplyUpdate(ctx, item, interfaces.UpdateOptions{}); err != nil {
			return reset, fmt.Errorf("failed to reset item %s: %w", item.ID, err)
		}
		reset++
	}

	s.logger.Info().Int("reset", reset).Int("matched", len(items)).Msg("Work items reset for reprocessing")
	return reset, nil
}

// List returns items matching filter
func (s *Service) List(ctx context.Context, filter *interfaces.WorkItemFilter) ([]*models.WorkItem, error) {
	return s.store.ListWorkItems(ctx, filter)
}

func (s *Service) resetCandidates(ctx context.Context, filter ResetFilter) ([]*models.WorkItem, error) {
	if len(filter.IDs) > 0 {
		items := make([]*models.WorkItem, 0, len(filter.IDs))
		for _, id := range filter.IDs {
			item, err := s.store.GetWorkItem(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("work item %s: %w", id, err)
			}
			items = append(items, item)
		}
		return items, nil
	}

	if filter.Pipeline == "" && filter.BatchID == "" && len(filter.Statuses) == 0 {
		return nil, fmt.Errorf("%w: reset needs item ids or a pipeline, batch or status filter", ErrInvalidRequest)
	}
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []models.WorkItemStatus{models.WorkItemStatusFailed}
	}
	return s.store.ListWorkItems(ctx, &interfaces.WorkItemFilter{
		Pipeline: filter.Pipeline,
		BatchID:  filter.BatchID,
		Statuses: statuses,
	})
}

func (s *Service) validateRequest(req *EnqueueRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return err
	}
	if _, ok := s.pipelines[req.Pipeline]; !ok {
		return fmt.Errorf("unknown pipeline %q", req.Pipeline)
	}
	if !json.Valid(req.Original) {
		return errors.New("original payload is not valid JSON")
	}
	return nil
}

func (s *Service) lastPosition(ctx context.Context, pipeline, batch string) (int, error) {
	existing, err := s.store.ListWorkItems(ctx, &interfaces.WorkItemFilter{Pipeline: pipeline, BatchID: batch})
	if err != nil {
		return 0, fmt.Errorf("failed to read batch %s: %w", batch, err)
	}
	last := 0
	for _, item := range existing {
		if item.BatchPosition > last {
			last = item.BatchPosition
		}
	}
	return last, nil
}

// ParseStatuses converts a comma separated status list
func ParseStatuses(value string) ([]models.WorkItemStatus, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var statuses []models.WorkItemStatus
	for _, part := range strings.Split(value, ",") {
		status := models.WorkItemStatus(strings.TrimSpace(part))
		if !status.IsValid() {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
