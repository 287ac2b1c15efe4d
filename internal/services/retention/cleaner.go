package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

// Cleaner purges terminal work items older than the retention window.
// Pending, processing and skipped items are never touched.
type Cleaner struct {
	store   interfaces.WorkItemStorage
	enabled bool
	days    int
	logger  arbor.ILogger
	now     func() time.Time
}

// NewCleaner creates a cleaner from the retention config
func NewCleaner(store interfaces.WorkItemStorage, config common.RetentionConfig, logger arbor.ILogger) *Cleaner {
	return &Cleaner{
		store:   store,
		enabled: config.Enabled,
		days:    config.Days,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock replaces the time source; used by tests
func (c *Cleaner) WithClock(now func() time.Time) *Cleaner {
	c.now = now
	return c
}

// Enabled reports whether automatic purging runs at the end of each invocation
func (c *Cleaner) Enabled() bool {
	return c.enabled
}

// Purge deletes retainable items of pipeline created more than days ago.
// days <= 0 uses the configured window. An empty pipeline purges all pipelines.
func (c *Cleaner) Purge(ctx context.Context, pipeline string, days int) (int, error) {
	if days <= 0 {
		days = c.days
	}
	if days <= 0 {
		return 0, fmt.Errorf("retention window must be positive")
	}

	cutoff := c.now().AddDate(0, 0, -days)
	deleted, err := c.store.DeleteWorkItems(ctx, &interfaces.WorkItemFilter{
		Pipeline:      pipeline,
		Statuses:      models.RetainableStatuses,
		CreatedBefore: cutoff,
	})
	if err != nil {
		return deleted, fmt.Errorf("failed to purge work items: %w", err)
	}

	if deleted > 0 {
		c.logger.Info().
			Str("pipeline", pipeline).
			Int("deleted", deleted).
			Str("cutoff", cutoff.Format(time.RFC3339)).
			Msg("Purged expired work items")
	}
	return deleted, nil
}
