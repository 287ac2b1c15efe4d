// Package ratelimit gates outbound generation calls against a windowed call budget.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

// Scope values for the budget key
const (
	ScopePipeline = "pipeline"
	ScopeGlobal   = "global"
)

// Limiter tracks calls inside a fixed window that opens at the first recorded call.
// Allow is a read-only check; RecordUsage charges the budget after a call succeeded.
type Limiter struct {
	counters interfaces.CounterStorage
	limit    int
	window   time.Duration
	scope    string
	logger   arbor.ILogger
	now      func() time.Time
}

// NewLimiter creates a limiter over the injected counter store
func NewLimiter(counters interfaces.CounterStorage, config common.RateLimitConfig, logger arbor.ILogger) *Limiter {
	scope := config.Scope
	if scope == "" {
		scope = ScopePipeline
	}
	return &Limiter{
		counters: counters,
		limit:    config.Limit,
		window:   common.ParseDuration(config.Window, time.Hour),
		scope:    scope,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source; used by tests
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Window returns the configured window length
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Allow reports whether another call may be issued for pipeline
func (l *Limiter) Allow(ctx context.Context, pipeline string) (bool, error) {
	budget, err := l.Budget(ctx, pipeline)
	if err != nil {
		return false, err
	}
	return budget.CallsInWindow(l.now(), l.window) < l.limit, nil
}

// RecordUsage charges one call against the budget for pipeline
func (l *Limiter) RecordUsage(ctx context.Context, pipeline string) error {
	now := l.now()
	var count int
	err := l.counters.Update(ctx, l.key(pipeline), l.window, func(current []byte) ([]byte, error) {
		budget, err := decodeBudget(current)
		if err != nil {
			return nil, err
		}
		if budget.Elapsed(now, l.window) {
			budget.WindowStart = now
			budget.CallCount = 0
		}
		budget.CallCount++
		budget.Limit = l.limit
		budget.LastCallAt = now
		count = budget.CallCount
		return json.Marshal(budget)
	})
	if err != nil {
		return fmt.Errorf("failed to record rate limit usage: %w", err)
	}

	l.logger.Debug().Str("pipeline", pipeline).Str("scope", l.scope).Int("calls", count).Int("limit", l.limit).Msg("Recorded generation call")
	return nil
}

// Budget returns the current budget for pipeline. An elapsed window reads as empty.
func (l *Limiter) Budget(ctx context.Context, pipeline string) (*models.RateBudget, error) {
	raw, err := l.counters.Get(ctx, l.key(pipeline))
	if err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to read rate limit budget: %w", err)
	}

	budget, err := decodeBudget(raw)
	if err != nil {
		return nil, err
	}
	if budget.Elapsed(l.now(), l.window) {
		budget = &models.RateBudget{}
	}
	budget.Limit = l.limit
	return budget, nil
}

// WaitDuration returns how long a caller must wait before the budget allows a call.
// It returns zero when a call is allowed now.
func (l *Limiter) WaitDuration(ctx context.Context, pipeline string) (time.Duration, error) {
	budget, err := l.Budget(ctx, pipeline)
	if err != nil {
		return 0, err
	}
	now := l.now()
	if budget.CallsInWindow(now, l.window) < l.limit {
		return 0, nil
	}
	return budget.ResetsAt(l.window).Sub(now), nil
}

func (l *Limiter) key(pipeline string) string {
	if l.scope == ScopeGlobal {
		return "ratelimit:global"
	}
	return "ratelimit:" + pipeline
}

func decodeBudget(raw []byte) (*models.RateBudget, error) {
	budget := &models.RateBudget{}
	if len(raw) == 0 {
		return budget, nil
	}
	if err := json.Unmarshal(raw, budget); err != nil {
		return nil, fmt.Errorf("failed to decode rate limit budget: %w", err)
	}
	return budget, nil
}
