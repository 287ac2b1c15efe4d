package pipelines

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

// SiblingSyncer copies a completed pressure correction onto pending items for the same
// subject under other templates. Its own writes suppress notifications so siblings do
// not trigger another sync.
type SiblingSyncer struct {
	store  interfaces.WorkItemStorage
	logger arbor.ILogger
	now    func() time.Time
}

// NewSiblingSyncer creates a syncer; register it with store.AddUpdateListener
func NewSiblingSyncer(store interfaces.WorkItemStorage, logger arbor.ILogger) *SiblingSyncer {
	return &SiblingSyncer{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func (s *SiblingSyncer) OnWorkItemUpdated(ctx context.Context, item *models.WorkItem) error {
	if item.Pipeline != common.PipelinePressureCorrection ||
		item.Status != models.WorkItemStatusCompleted ||
		item.SubjectRef == "" ||
		item.Payload.Result == nil {
		return nil
	}

	siblings, err := s.store.ListWorkItems(ctx, &interfaces.WorkItemFilter{
		Pipeline:   item.Pipeline,
		Statuses:   []models.WorkItemStatus{models.WorkItemStatusPending},
		SubjectRef: item.SubjectRef,
	})
	if err != nil {
		return fmt.Errorf("failed to list siblings of %s: %w", item.ID, err)
	}

	synced := 0
	for _, sibling := range siblings {
		if sibling.ID == item.ID {
			continue
		}

		now := s.now()
		if err := sibling.MarkProcessing(now); err != nil {
			return err
		}
		result := &models.WorkResult{
			Content: item.Payload.Result.Content,
			Reason:  "synced from " + item.ID,
			Model:   item.Payload.Result.Model,
		}
		if err := sibling.Complete(result, now); err != nil {
			return err
		}
		if err := s.store.ApplyUpdate(ctx, sibling, interfaces.UpdateOptions{SuppressNotifications: true}); err != nil {
			return fmt.Errorf("failed to sync sibling %s: %w", sibling.ID, err)
		}
		synced++
	}

	if synced > 0 {
		s.logger.Info().
			Str("item_id", item.ID).
			Str("subject", item.SubjectRef).
			Int("siblings", synced).
			Msg("Synced pressure correction to sibling items")
	}
	return nil
}
