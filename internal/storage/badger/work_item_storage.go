package badger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// WorkItemStorage implements the WorkItemStorage interface for Badger
type WorkItemStorage struct {
	db        *BadgerDB
	logger    arbor.ILogger
	mu        sync.RWMutex
	listeners []interfaces.UpdateListener
}

// NewWorkItemStorage creates a new WorkItemStorage instance
func NewWorkItemStorage(db *BadgerDB, logger arbor.ILogger) *WorkItemStorage {
	return &WorkItemStorage{
		db:     db,
		logger: logger,
	}
}

func (s *WorkItemStorage) SaveWorkItem(ctx context.Context, item *models.WorkItem) error {
	if item.ID == "" {
		return fmt.Errorf("work item ID is required")
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(item.ID, item); err != nil {
		return fmt.Errorf("failed to save work item %s: %w", item.ID, err)
	}
	return nil
}

func (s *WorkItemStorage) GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error) {
	var item models.WorkItem
	if err := s.db.Store().Get(id, &item); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get work item %s: %w", id, err)
	}
	return &item, nil
}

// ApplyUpdate persists item and notifies listeners unless opts suppresses them.
// Listener errors are logged and do not fail the update.
func (s *WorkItemStorage) ApplyUpdate(ctx context.Context, item *models.WorkItem, opts interfaces.UpdateOptions) error {
	if err := s.SaveWorkItem(ctx, item); err != nil {
		return err
	}
	if opts.SuppressNotifications {
		return nil
	}

	s.mu.RLock()
	listeners := make([]interfaces.UpdateListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, listener := range listeners {
		if err := listener.OnWorkItemUpdated(ctx, item); err != nil {
			s.logger.Warn().Err(err).Str("item_id", item.ID).Str("pipeline", item.Pipeline).Msg("Work item update listener failed")
		}
	}
	return nil
}

func (s *WorkItemStorage) AddUpdateListener(listener interfaces.UpdateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// ListWorkItems returns matching items ordered by CreatedAt ascending
func (s *WorkItemStorage) ListWorkItems(ctx context.Context, filter *interfaces.WorkItemFilter) ([]*models.WorkItem, error) {
	var items []models.WorkItem
	if err := s.db.Store().Find(&items, buildWorkItemQuery(filter)); err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}

	result := make([]*models.WorkItem, 0, len(items))
	for i := range items {
		if !matchesProcessedSince(&items[i], filter) {
			continue
		}
		result = append(result, &items[i])
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if filter != nil && filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *WorkItemStorage) CountWorkItems(ctx context.Context, filter *interfaces.WorkItemFilter) (int, error) {
	if filter == nil || filter.ProcessedSince.IsZero() {
		count, err := s.db.Store().Count(&models.WorkItem{}, buildWorkItemQuery(filter))
		if err != nil {
			return 0, fmt.Errorf("failed to count work items: %w", err)
		}
		return int(count), nil
	}

	items, err := s.ListWorkItems(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// DeleteWorkItems removes matching items and returns how many were deleted
func (s *WorkItemStorage) DeleteWorkItems(ctx context.Context, filter *interfaces.WorkItemFilter) (int, error) {
	items, err := s.ListWorkItems(ctx, filter)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, item := range items {
		if err := s.db.Store().Delete(item.ID, &models.WorkItem{}); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			return deleted, fmt.Errorf("failed to delete work item %s: %w", item.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

func buildWorkItemQuery(filter *interfaces.WorkItemFilter) *badgerhold.Query {
	query := badgerhold.Where("ID").Ne("")
	if filter == nil {
		return query
	}

	if filter.Pipeline != "" {
		query = query.And("Pipeline").Eq(filter.Pipeline)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]interface{}, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = status
		}
		query = query.And("Status").In(statuses...)
	}
	if filter.BatchID != "" {
		query = query.And("BatchID").Eq(filter.BatchID)
	}
	if filter.SubjectRef != "" {
		query = query.And("SubjectRef").Eq(filter.SubjectRef)
	}
	if !filter.CreatedBefore.IsZero() {
		query = query.And("CreatedAt").Lt(filter.CreatedBefore)
	}
	if !filter.UpdatedBefore.IsZero() {
		query = query.And("UpdatedAt").Lt(filter.UpdatedBefore)
	}
	return query
}

func matchesProcessedSince(item *models.WorkItem, filter *interfaces.WorkItemFilter) bool {
	if filter == nil || filter.ProcessedSince.IsZero() {
		return true
	}
	return item.ProcessedAt != nil && !item.ProcessedAt.Before(filter.ProcessedSince)
}
