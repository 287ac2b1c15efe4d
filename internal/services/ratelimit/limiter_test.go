package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/storage/memory"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestLimiter(t *testing.T, limit int, scope string) (*Limiter, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	counters := memory.NewCounterStorage().WithClock(c.Now)
	limiter := NewLimiter(counters, common.RateLimitConfig{Limit: limit, Window: "1h", Scope: scope}, arbor.NewLogger()).WithClock(c.Now)
	return limiter, c
}

func TestLimiter_AllowUntilBudgetExhausted(t *testing.T) {
	limiter, _ := newTestLimiter(t, 3, ScopePipeline)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "p")
		require.NoError(t, err)
		require.True(t, allowed, "call %d should be allowed", i+1)
		require.NoError(t, limiter.RecordUsage(ctx, "p"))
	}

	allowed, err := limiter.Allow(ctx, "p")
	require.NoError(t, err)
	assert.False(t, allowed)

	budget, err := limiter.Budget(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 3, budget.CallCount)
	assert.Equal(t, 3, budget.Limit)
}

func TestLimiter_AllowIsReadOnly(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, ScopePipeline)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, err := limiter.Allow(ctx, "p")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	budget, err := limiter.Budget(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 0, budget.CallCount)
}

func TestLimiter_RecordUsageIncrementsByOne(t *testing.T) {
	limiter, c := newTestLimiter(t, 30, ScopePipeline)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, limiter.RecordUsage(ctx, "p"))
		c.now = c.now.Add(time.Minute)
		budget, err := limiter.Budget(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, i, budget.CallCount)
	}
}

func TestLimiter_WindowReset(t *testing.T) {
	limiter, c := newTestLimiter(t, 2, ScopePipeline)
	ctx := context.Background()

	require.NoError(t, limiter.RecordUsage(ctx, "p"))
	c.now = c.now.Add(10 * time.Minute)
	require.NoError(t, limiter.RecordUsage(ctx, "p"))

	wait, err := limiter.WaitDuration(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 50*time.Minute, wait)

	c.now = c.now.Add(50 * time.Minute)
	allowed, err := limiter.Allow(ctx, "p")
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, limiter.RecordUsage(ctx, "p"))
	budget, err := limiter.Budget(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, budget.CallCount, "new window starts at the first call after reset")
	assert.Equal(t, c.now, budget.WindowStart)
}

func TestLimiter_Scope(t *testing.T) {
	tests := []struct {
		scope        string
		otherAllowed bool
	}{
		{ScopePipeline, true},
		{ScopeGlobal, false},
	}

	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			limiter, _ := newTestLimiter(t, 1, tt.scope)
			ctx := context.Background()

			require.NoError(t, limiter.RecordUsage(ctx, "pressure_correction"))

			allowed, err := limiter.Allow(ctx, "content_enrichment")
			require.NoError(t, err)
			assert.Equal(t, tt.otherAllowed, allowed)
		})
	}
}
