package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

// WorkItemStorage keeps work items in a map. Items are copied on the way in and out
// so callers never share state with the store.
type WorkItemStorage struct {
	mu             sync.RWMutex
	items          map[string]models.WorkItem
	listeners      []interfaces.UpdateListener
	listenerErrors []error
}

// NewWorkItemStorage creates an empty in-memory work item store
func NewWorkItemStorage() *WorkItemStorage {
	return &WorkItemStorage{items: make(map[string]models.WorkItem)}
}

func (s *WorkItemStorage) SaveWorkItem(ctx context.Context, item *models.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = cloneItem(item)
	return nil
}

func (s *WorkItemStorage) GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	out := cloneItem(&item)
	return &out, nil
}

// ApplyUpdate persists item and notifies listeners unless opts suppresses them.
// Listener errors are recorded and do not fail the update.
func (s *WorkItemStorage) ApplyUpdate(ctx context.Context, item *models.WorkItem, opts interfaces.UpdateOptions) error {
	if err := s.SaveWorkItem(ctx, item); err != nil {
		return err
	}
	if opts.SuppressNotifications {
		return nil
	}

	s.mu.RLock()
	listeners := append([]interfaces.UpdateListener(nil), s.listeners...)
	s.mu.RUnlock()

	for _, listener := range listeners {
		if err := listener.OnWorkItemUpdated(ctx, item); err != nil {
			s.mu.Lock()
			s.listenerErrors = append(s.listenerErrors, fmt.Errorf("listener failed for item %s: %w", item.ID, err))
			s.mu.Unlock()
		}
	}
	return nil
}

// ListenerErrors returns the errors returned by update listeners so far
func (s *WorkItemStorage) ListenerErrors() []error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]error(nil), s.listenerErrors...)
}

func (s *WorkItemStorage) AddUpdateListener(listener interfaces.UpdateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *WorkItemStorage) ListWorkItems(ctx context.Context, filter *interfaces.WorkItemFilter) ([]*models.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.WorkItem, 0)
	for _, item := range s.items {
		if !Matches(&item, filter) {
			continue
		}
		out := cloneItem(&item)
		result = append(result, &out)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if filter != nil && filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *WorkItemStorage) CountWorkItems(ctx context.Context, filter *interfaces.WorkItemFilter) (int, error) {
	items, err := s.ListWorkItems(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (s *WorkItemStorage) DeleteWorkItems(ctx context.Context, filter *interfaces.WorkItemFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, item := range s.items {
		if Matches(&item, filter) {
			delete(s.items, id)
			deleted++
		}
	}
	return deleted, nil
}

// Matches reports whether item satisfies every non-zero field of filter
func Matches(item *models.WorkItem, filter *interfaces.WorkItemFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Pipeline != "" && item.Pipeline != filter.Pipeline {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, status := range filter.Statuses {
			if item.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.BatchID != "" && item.BatchID != filter.BatchID {
		return false
	}
	if filter.SubjectRef != "" && item.SubjectRef != filter.SubjectRef {
		return false
	}
	if !filter.CreatedBefore.IsZero() && !item.CreatedAt.Before(filter.CreatedBefore) {
		return false
	}
	if !filter.UpdatedBefore.IsZero() && !item.UpdatedAt.Before(filter.UpdatedBefore) {
		return false
	}
	if !filter.ProcessedSince.IsZero() && (item.ProcessedAt == nil || item.ProcessedAt.Before(filter.ProcessedSince)) {
		return false
	}
	return true
}

func cloneItem(item *models.WorkItem) models.WorkItem {
	out := *item
	if item.Attributes != nil {
		out.Attributes = make(map[string]string, len(item.Attributes))
		for k, v := range item.Attributes {
			out.Attributes[k] = v
		}
	}
	if item.Payload.Result != nil {
		result := *item.Payload.Result
		out.Payload.Result = &result
	}
	if item.ProcessedAt != nil {
		processedAt := *item.ProcessedAt
		out.ProcessedAt = &processedAt
	}
	return out
}
