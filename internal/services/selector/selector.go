// -----------------------------------------------------------------------
// Item selector - picks the next pending work item for a pipeline
// -----------------------------------------------------------------------

package selector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

// Scope restricts what SelectNext may return.
type Scope struct {
	Pipeline string

	// Batch limits selection to one batch when set
	Batch string

	// Force bypasses the cooldown and the eligibility filter
	Force bool

	// Cooldown skips subjects processed within this duration
	Cooldown time.Duration

	// Eligible is an optional pipeline-specific recency filter
	Eligible func(item *models.WorkItem) bool

	// ExcludeIDs are never returned. Dry runs use it to walk the queue without mutating it.
	ExcludeIDs map[string]struct{}
}

// Exclude adds id to the scope's exclusion set
func (s *Scope) Exclude(id string) {
	if s.ExcludeIDs == nil {
		s.ExcludeIDs = make(map[string]struct{})
	}
	s.ExcludeIDs[id] = struct{}{}
}

// Selector chooses the next eligible work item
type Selector struct {
	store  interfaces.WorkItemStorage
	logger arbor.ILogger
	now    func() time.Time
}

// NewSelector creates a selector over store
func NewSelector(store interfaces.WorkItemStorage, logger arbor.ILogger) *Selector {
	return &Selector{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source
func (s *Selector) WithClock(now func() time.Time) *Selector {
	s.now = now
	return s
}

// SelectNext returns the next pending item in scope, or nil when there is no work.
//
// Ordering:
//  1. With a batch: priority (high first), then batch position, then creation time.
//  2. Otherwise items in any batch win. The batch whose oldest pending item is oldest
//     goes first, and inside it the lowest position.
//  3. Otherwise the oldest orphan item.
func (s *Selector) SelectNext(ctx context.Context, scope Scope) (*models.WorkItem, error) {
	candidates, err := s.candidates(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if scope.Batch != "" {
		sort.SliceStable(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.Priority.Rank() != b.Priority.Rank() {
				return a.Priority.Rank() < b.Priority.Rank()
			}
			if a.BatchPosition != b.BatchPosition {
				return a.BatchPosition < b.BatchPosition
			}
			return olderThan(a, b)
		})
		return candidates[0], nil
	}

	if item := nextInBatches(candidates); item != nil {
		return item, nil
	}

	var oldest *models.WorkItem
	for _, item := range candidates {
		if !item.IsOrphan() {
			continue
		}
		if oldest == nil || olderThan(item, oldest) {
			oldest = item
		}
	}
	return oldest, nil
}

// candidates lists pending items in scope after exclusion, eligibility and cooldown filters
func (s *Selector) candidates(ctx context.Context, scope Scope) ([]*models.WorkItem, error) {
	pending, err := s.store.ListWorkItems(ctx, &interfaces.WorkItemFilter{
		Pipeline: scope.Pipeline,
		Statuses: []models.WorkItemStatus{models.WorkItemStatusPending},
		BatchID:  scope.Batch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending items: %w", err)
	}

	recent := map[string]struct{}{}
	if !scope.Force && scope.Cooldown > 0 {
		recent, err = s.recentSubjects(ctx, scope.Pipeline, scope.Cooldown)
		if err != nil {
			return nil, err
		}
	}

	result := make([]*models.WorkItem, 0, len(pending))
	for _, item := range pending {
		if _, excluded := scope.ExcludeIDs[item.ID]; excluded {
			continue
		}
		if !scope.Force {
			if _, cooling := recent[item.SubjectRef]; cooling {
				s.logger.Trace().Str("item_id", item.ID).Str("subject", item.SubjectRef).Msg("Subject in cooldown, skipping")
				continue
			}
			if scope.Eligible != nil && !scope.Eligible(item) {
				continue
			}
		}
		result = append(result, item)
	}
	return result, nil
}

// recentSubjects returns subjects with an item of this pipeline processed inside the cooldown
func (s *Selector) recentSubjects(ctx context.Context, pipeline string, cooldown time.Duration) (map[string]struct{}, error) {
	processed, err := s.store.ListWorkItems(ctx, &interfaces.WorkItemFilter{
		Pipeline: pipeline,
		Statuses: []models.WorkItemStatus{
			models.WorkItemStatusCompleted,
			models.WorkItemStatusNoChanges,
		},
		ProcessedSince: s.now().Add(-cooldown),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recently processed items: %w", err)
	}

	subjects := make(map[string]struct{}, len(processed))
	for _, item := range processed {
		if item.SubjectRef != "" {
			subjects[item.SubjectRef] = struct{}{}
		}
	}
	return subjects, nil
}

func nextInBatches(candidates []*models.WorkItem) *models.WorkItem {
	oldestInBatch := make(map[string]*models.WorkItem)
	for _, item := range candidates {
		if item.IsOrphan() {
			continue
		}
		if current, ok := oldestInBatch[item.BatchID]; !ok || olderThan(item, current) {
			oldestInBatch[item.BatchID] = item
		}
	}
	if len(oldestInBatch) == 0 {
		return nil
	}

	var batch string
	var batchAge *models.WorkItem
	for id, item := range oldestInBatch {
		if batchAge == nil || olderThan(item, batchAge) {
			batch, batchAge = id, item
		}
	}

	var next *models.WorkItem
	for _, item := range candidates {
		if item.BatchID != batch {
			continue
		}
		if next == nil || item.BatchPosition < next.BatchPosition ||
			(item.BatchPosition == next.BatchPosition && olderThan(item, next)) {
			next = item
		}
	}
	return next
}

func olderThan(a, b *models.WorkItem) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
