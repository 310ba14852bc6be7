package sentinel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testRateConfig(perMinute, burst int) RateLimitConfig {
	return RateLimitConfig{Classes: map[string]ClassLimit{
		"default": {RequestsPerMinute: perMinute, Burst: burst},
	}}
}

func TestRateLimiterRejectsBeyondBudget(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	rl := NewRateLimiter(store, testRateConfig(60, 0), NewMemoryMetrics(), zaptest.NewLogger(t))
	// Mid-minute so every request lands in the same window.
	rl.clock = func() time.Time {
		return time.Date(2026, 3, 4, 10, 30, 15, 0, time.UTC)
	}

	for i := 0; i < 60; i++ {
		result := rl.Check(ctx, "10.0.0.1", "default", false)
		require.True(t, result.Allowed, "request %d should be allowed", i+1)
	}

	result := rl.Check(ctx, "10.0.0.1", "default", false)
	assert.False(t, result.Allowed)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, result.RetryAfter, time.Minute)
}

func TestRateLimiterConcurrentCallersShareOneBudget(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	rl := NewRateLimiter(store, testRateConfig(60, 0), NewMemoryMetrics(), zaptest.NewLogger(t))
	rl.clock = func() time.Time {
		return time.Date(2026, 3, 4, 10, 30, 15, 0, time.UTC)
	}

	const callers = 100
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Check(ctx, "10.0.0.1", "default", false).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	// The budget holds under any interleaving: exactly 60 of the 100
	// simultaneous callers get through, never 61.
	assert.Equal(t, int64(60), allowed.Load())
}

func TestRateLimiterBudgetsArePerSource(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	rl := NewRateLimiter(store, testRateConfig(2, 0), NewMemoryMetrics(), zaptest.NewLogger(t))

	require.True(t, rl.Check(ctx, "10.0.0.1", "default", false).Allowed)
	require.True(t, rl.Check(ctx, "10.0.0.1", "default", false).Allowed)
	assert.False(t, rl.Check(ctx, "10.0.0.1", "default", false).Allowed)

	// A different source has its own untouched budget.
	assert.True(t, rl.Check(ctx, "10.0.0.2", "default", false).Allowed)
}

func TestRateLimiterBurst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	rl := NewRateLimiter(store, testRateConfig(1000, 3), NewMemoryMetrics(), zaptest.NewLogger(t))
	rl.clock = func() time.Time {
		return time.Date(2026, 3, 4, 10, 30, 15, 0, time.UTC)
	}

	for i := 0; i < 3; i++ {
		require.True(t, rl.Check(ctx, "10.0.0.1", "default", false).Allowed)
	}

	result := rl.Check(ctx, "10.0.0.1", "default", false)
	assert.False(t, result.Allowed)
	assert.Equal(t, time.Second, result.RetryAfter)
}

func TestRateLimiterMonitoredSourceHalvedBudget(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	rl := NewRateLimiter(store, testRateConfig(4, 0), NewMemoryMetrics(), zaptest.NewLogger(t))

	require.True(t, rl.Check(ctx, "10.0.0.1", "default", true).Allowed)
	require.True(t, rl.Check(ctx, "10.0.0.1", "default", true).Allowed)
	assert.False(t, rl.Check(ctx, "10.0.0.1", "default", true).Allowed)
}

func TestRateLimiterUnknownClassFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	metrics := NewMemoryMetrics()
	rl := NewRateLimiter(store, testRateConfig(1, 0), metrics, zaptest.NewLogger(t))

	require.True(t, rl.Check(ctx, "10.0.0.1", "nonexistent", false).Allowed)
	assert.False(t, rl.Check(ctx, "10.0.0.1", "nonexistent", false).Allowed)
	assert.Equal(t, int64(1),
		metrics.CounterValue("rate_limit_rejections_total", map[string]string{"class": "default"}))
}

func TestRateLimiterFailsOpenOnStoreError(t *testing.T) {
	ctx := context.Background()
	metrics := NewMemoryMetrics()
	rl := NewRateLimiter(failingStore{}, testRateConfig(1, 0), metrics, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		result := rl.Check(ctx, "10.0.0.1", "default", false)
		assert.True(t, result.Allowed)
		assert.True(t, result.Degraded)
	}
	assert.Equal(t, int64(5),
		metrics.CounterValue("store_errors_total", map[string]string{"op": "rate_limit"}))
}
