// -----------------------------------------------------------------------
// Storage interfaces for work items, run locks and counters
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/revisor/internal/models"
)

// ErrNotFound is returned when a work item does not exist
var ErrNotFound = errors.New("not found")

// ErrStoreBusy is returned when another process holds the store open
var ErrStoreBusy = errors.New("store is held by another process")

// WorkItemFilter narrows work item queries. Zero values are ignored.
type WorkItemFilter struct {
	Pipeline       string
	Statuses       []models.WorkItemStatus
	BatchID        string
	SubjectRef     string
	CreatedBefore  time.Time
	UpdatedBefore  time.Time
	ProcessedSince time.Time
	Limit          int
}

// UpdateOptions controls side effects of ApplyUpdate.
type UpdateOptions struct {
	// SuppressNotifications skips registered UpdateListeners for this write.
	SuppressNotifications bool
}

// UpdateListener is notified after a work item update is persisted
type UpdateListener interface {
	OnWorkItemUpdated(ctx context.Context, item *models.WorkItem) error
}

// UpdateListenerFunc adapts a function to UpdateListener
type UpdateListenerFunc func(ctx context.Context, item *models.WorkItem) error

// OnWorkItemUpdated calls f(ctx, item)
func (f UpdateListenerFunc) OnWorkItemUpdated(ctx context.Context, item *models.WorkItem) error {
	return f(ctx, item)
}

// WorkItemStorage - persistence for work items and their status transitions
type WorkItemStorage interface {
	// SaveWorkItem inserts or replaces an item without notifying listeners
	SaveWorkItem(ctx context.Context, item *models.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error)

	// ApplyUpdate persists item and, unless suppressed, notifies listeners
	ApplyUpdate(ctx context.Context, item *models.WorkItem, opts UpdateOptions) error

	ListWorkItems(ctx context.Context, filter *WorkItemFilter) ([]*models.WorkItem, error)
	CountWorkItems(ctx context.Context, filter *WorkItemFilter) (int, error)
	DeleteWorkItems(ctx context.Context, filter *WorkItemFilter) (int, error)

	AddUpdateListener(listener UpdateListener)
}

// LockStorage - TTL-bounded mutual exclusion records keyed by name
type LockStorage interface {
	// TryAcquire creates the lock for owner unless a live lock exists.
	// It returns the current holder when the lock is taken.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (*models.RunLock, bool, error)

	// Release deletes the lock if owner still holds it
	Release(ctx context.Context, key, owner string) (bool, error)

	// Get returns the live lock or ErrKeyNotFound
	Get(ctx context.Context, key string) (*models.RunLock, error)
}

// CounterStorage - small keyed values updated with atomic read-modify-write.
// Used by the rate limiter and the stats aggregator.
type CounterStorage interface {
	// Get returns the raw value or ErrKeyNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Update runs fn with the current value (nil when absent) and stores the result.
	// A ttl of zero keeps the value forever.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error

	Delete(ctx context.Context, key string) error
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	WorkItemStorage() WorkItemStorage
	LockStorage() LockStorage
	CounterStorage() CounterStorage
	Close() error
}
