package badger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newItem(pipeline, subject string, createdAt time.Time) *models.WorkItem {
	return models.NewWorkItem(pipeline, subject, json.RawMessage(`{"subject":"`+subject+`"}`), models.PriorityNone, createdAt)
}

func TestWorkItemStorage_SaveAndGet(t *testing.T) {
	storage := NewWorkItemStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	item := newItem("pressure_correction", "article-1", time.Now())
	item.Attributes = map[string]string{"vehicle": "golf"}
	require.NoError(t, storage.SaveWorkItem(ctx, item))

	got, err := storage.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.SubjectRef, got.SubjectRef)
	assert.Equal(t, models.WorkItemStatusPending, got.Status)
	assert.Equal(t, "golf", got.Attribute("vehicle"))
	assert.JSONEq(t, string(item.Payload.Original), string(got.Payload.Original))

	_, err = storage.GetWorkItem(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestWorkItemStorage_ListFilters(t *testing.T) {
	storage := NewWorkItemStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	third := newItem("content_enrichment", "c", base.Add(3*time.Hour))
	first := newItem("content_enrichment", "a", base.Add(1*time.Hour))
	first.BatchID = "B1"
	second := newItem("content_enrichment", "b", base.Add(2*time.Hour))
	require.NoError(t, second.MarkProcessing(base))
	require.NoError(t, second.Fail("boom", base))
	other := newItem("pressure_correction", "d", base)

	for _, item := range []*models.WorkItem{third, first, second, other} {
		require.NoError(t, storage.SaveWorkItem(ctx, item))
	}

	all, err := storage.ListWorkItems(ctx, &interfaces.WorkItemFilter{Pipeline: "content_enrichment"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].SubjectRef, all[1].SubjectRef, all[2].SubjectRef})

	pending, err := storage.ListWorkItems(ctx, &interfaces.WorkItemFilter{
		Pipeline: "content_enrichment",
		Statuses: []models.WorkItemStatus{models.WorkItemStatusPending},
	})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	batch, err := storage.ListWorkItems(ctx, &interfaces.WorkItemFilter{BatchID: "B1"})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, first.ID, batch[0].ID)

	limited, err := storage.ListWorkItems(ctx, &interfaces.WorkItemFilter{Pipeline: "content_enrichment", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a", limited[0].SubjectRef)

	processed, err := storage.ListWorkItems(ctx, &interfaces.WorkItemFilter{ProcessedSince: base.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, second.ID, processed[0].ID)

	count, err := storage.CountWorkItems(ctx, &interfaces.WorkItemFilter{
		Statuses: []models.WorkItemStatus{models.WorkItemStatusPending},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestWorkItemStorage_ApplyUpdateNotifications(t *testing.T) {
	storage := NewWorkItemStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	var notified []string
	storage.AddUpdateListener(interfaces.UpdateListenerFunc(func(ctx context.Context, item *models.WorkItem) error {
		notified = append(notified, item.ID)
		return nil
	}))

	loud := newItem("pressure_correction", "a", time.Now())
	quiet := newItem("pressure_correction", "b", time.Now())

	require.NoError(t, storage.ApplyUpdate(ctx, loud, interfaces.UpdateOptions{}))
	require.NoError(t, storage.ApplyUpdate(ctx, quiet, interfaces.UpdateOptions{SuppressNotifications: true}))

	assert.Equal(t, []string{loud.ID}, notified)

	_, err := storage.GetWorkItem(ctx, quiet.ID)
	assert.NoError(t, err, "suppressed updates are still persisted")
}

func TestWorkItemStorage_DeleteWorkItems(t *testing.T) {
	storage := NewWorkItemStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()
	old := time.Now().Add(-60 * 24 * time.Hour)

	oldDone := newItem("p", "done", old)
	require.NoError(t, oldDone.MarkProcessing(old))
	require.NoError(t, oldDone.Complete(&models.WorkResult{}, old))
	oldPending := newItem("p", "pending", old)
	freshDone := newItem("p", "fresh", time.Now())
	require.NoError(t, freshDone.MarkProcessing(time.Now()))
	require.NoError(t, freshDone.Complete(&models.WorkResult{}, time.Now()))

	for _, item := range []*models.WorkItem{oldDone, oldPending, freshDone} {
		require.NoError(t, storage.SaveWorkItem(ctx, item))
	}

	deleted, err := storage.DeleteWorkItems(ctx, &interfaces.WorkItemFilter{
		Statuses:      models.RetainableStatuses,
		CreatedBefore: time.Now().Add(-30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = storage.GetWorkItem(ctx, oldDone.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = storage.GetWorkItem(ctx, oldPending.ID)
	assert.NoError(t, err)
	_, err = storage.GetWorkItem(ctx, freshDone.ID)
	assert.NoError(t, err)
}

func TestLockStorage_AcquireRelease(t *testing.T) {
	storage := NewLockStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	lock, acquired, err := storage.TryAcquire(ctx, "pressure_correction", "owner-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	assert.Equal(t, "owner-a", lock.Owner)

	holder, acquired, err := storage.TryAcquire(ctx, "pressure_correction", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)
	require.NotNil(t, holder)
	assert.Equal(t, "owner-a", holder.Owner)

	_, acquired, err = storage.TryAcquire(ctx, "content_enrichment", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "locks are independent per key")

	released, err := storage.Release(ctx, "pressure_correction", "owner-b")
	require.NoError(t, err)
	assert.False(t, released, "only the owner may release")

	released, err = storage.Release(ctx, "pressure_correction", "owner-a")
	require.NoError(t, err)
	assert.True(t, released)

	_, err = storage.Get(ctx, "pressure_correction")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	_, acquired, err = storage.TryAcquire(ctx, "pressure_correction", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestLockStorage_ExpiredLockCanBeTaken(t *testing.T) {
	storage := NewLockStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	_, acquired, err := storage.TryAcquire(ctx, "p", "crashed", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	storage.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	lock, acquired, err := storage.TryAcquire(ctx, "p", "next", time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, "next", lock.Owner)
}

func TestLockStorage_ConcurrentAcquire(t *testing.T) {
	storage := NewLockStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	const contenders = 8
	var wg sync.WaitGroup
	results := make(chan bool, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, acquired, err := storage.TryAcquire(ctx, "p", common.NewLockOwner(), time.Minute)
			assert.NoError(t, err)
			results <- acquired
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	for acquired := range results {
		if acquired {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestCounterStorage_Update(t *testing.T) {
	storage := NewCounterStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	_, err := storage.Get(ctx, "calls")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	increment := func(current []byte) ([]byte, error) {
		n := 0
		if current != nil {
			if err := json.Unmarshal(current, &n); err != nil {
				return nil, err
			}
		}
		return json.Marshal(n + 1)
	}

	const writers = 4
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, storage.Update(ctx, "calls", time.Hour, increment))
		}()
	}
	wg.Wait()

	raw, err := storage.Get(ctx, "calls")
	require.NoError(t, err)
	var n int
	require.NoError(t, json.Unmarshal(raw, &n))
	assert.Equal(t, writers, n)

	require.NoError(t, storage.Delete(ctx, "calls"))
	_, err = storage.Get(ctx, "calls")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestNewBadgerDB_HeldStoreIsBusy(t *testing.T) {
	path := t.TempDir()
	holder, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: path})
	require.NoError(t, err)
	defer holder.Close()

	started := time.Now()
	_, err = NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: path, OpenTimeout: "300ms"})
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrStoreBusy)
	assert.Contains(t, err.Error(), path)
	assert.GreaterOrEqual(t, time.Since(started), 300*time.Millisecond)
}

func TestNewBadgerDB_WaitsForReleasedLock(t *testing.T) {
	path := t.TempDir()
	holder, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: path})
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		time.Sleep(300 * time.Millisecond)
		holder.Close()
		close(released)
	}()

	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: path, OpenTimeout: "10s"})
	require.NoError(t, err)
	defer db.Close()
	<-released
}
