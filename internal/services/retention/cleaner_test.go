package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
	"github.com/ternarybob/revisor/internal/storage/memory"
)

func TestCleaner_Purge(t *testing.T) {
	now := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	store := memory.NewWorkItemStorage()
	cleaner := NewCleaner(store, common.RetentionConfig{Enabled: true, Days: 30}, arbor.NewLogger()).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	old := now.AddDate(0, 0, -45)
	recent := now.AddDate(0, 0, -5)

	items := []struct {
		id      string
		status  models.WorkItemStatus
		created time.Time
		deleted bool
	}{
		{"old-completed", models.WorkItemStatusCompleted, old, true},
		{"old-no-changes", models.WorkItemStatusNoChanges, old, true},
		{"old-failed", models.WorkItemStatusFailed, old, true},
		{"old-pending", models.WorkItemStatusPending, old, false},
		{"old-processing", models.WorkItemStatusProcessing, old, false},
		{"old-skipped", models.WorkItemStatusSkipped, old, false},
		{"recent-completed", models.WorkItemStatusCompleted, recent, false},
	}
	for _, it := range items {
		require.NoError(t, store.SaveWorkItem(ctx, &models.WorkItem{
			ID:        it.id,
			Pipeline:  "content_enrichment",
			Status:    it.status,
			CreatedAt: it.created,
		}))
	}

	deleted, err := cleaner.Purge(ctx, "content_enrichment", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	for _, it := range items {
		_, err := store.GetWorkItem(ctx, it.id)
		if it.deleted {
			assert.ErrorIs(t, err, interfaces.ErrNotFound, it.id)
		} else {
			assert.NoError(t, err, it.id)
		}
	}
}

func TestCleaner_PurgeOverrideAndPipelineScope(t *testing.T) {
	now := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	store := memory.NewWorkItemStorage()
	cleaner := NewCleaner(store, common.RetentionConfig{Enabled: true, Days: 30}, arbor.NewLogger()).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	ten := now.AddDate(0, 0, -10)
	require.NoError(t, store.SaveWorkItem(ctx, &models.WorkItem{ID: "a", Pipeline: "p1", Status: models.WorkItemStatusFailed, CreatedAt: ten}))
	require.NoError(t, store.SaveWorkItem(ctx, &models.WorkItem{ID: "b", Pipeline: "p2", Status: models.WorkItemStatusFailed, CreatedAt: ten}))

	deleted, err := cleaner.Purge(ctx, "p1", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	deleted, err = cleaner.Purge(ctx, "", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}
