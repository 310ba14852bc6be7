package sentinel

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RateLimiter enforces per-source, per-class budgets on top of the state
// store: a fixed 60-second window for the per-minute limit and a one-second
// sub-window for bursts. Counters live only in the store, so any number of
// workers sees a single linearizable count per key.
type RateLimiter struct {
	store   StateStore
	classes map[string]ClassLimit
	metrics MetricsCollector
	logger  *zap.Logger
	clock   func() time.Time
}

// RateResult reports one limiter decision.
type RateResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	// Degraded means the store was unreachable and the request was allowed
	// fail-open rather than evaluated.
	Degraded bool
}

func NewRateLimiter(store StateStore, cfg RateLimitConfig, metrics MetricsCollector, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		store:   store,
		classes: cfg.Classes,
		metrics: metrics,
		logger:  logger,
		clock:   time.Now,
	}
}

// Check counts this request against the class budget for source. Monitored
// sources run on half the per-minute budget. A store failure never rejects:
// rate limiting fails open and the degradation is surfaced via metrics.
func (rl *RateLimiter) Check(ctx context.Context, source, class string, monitored bool) RateResult {
	limit, ok := rl.classes[class]
	if !ok {
		limit = rl.classes["default"]
		class = "default"
	}

	perMinute := limit.RequestsPerMinute
	if monitored && perMinute > 1 {
		perMinute /= 2
	}

	now := rl.clock()
	windowStart := now.Truncate(time.Minute)
	windowEnd := windowStart.Add(time.Minute)

	count, err := rl.store.IncrementWithExpiry(ctx, rateKey(class, source, windowStart), windowEnd.Sub(now))
	if err != nil {
		rl.degraded(class, err)
		return RateResult{Allowed: true, Degraded: true}
	}

	if limit.Burst > 0 {
		burst, err := rl.store.IncrementWithExpiry(ctx, burstKey(class, source, now), time.Second)
		if err != nil {
			rl.degraded(class, err)
			return RateResult{Allowed: true, Degraded: true}
		}
		if burst > int64(limit.Burst) {
			rl.rejected(class)
			return RateResult{Allowed: false, RetryAfter: time.Second}
		}
	}

	if count > int64(perMinute) {
		rl.rejected(class)
		return RateResult{Allowed: false, RetryAfter: windowEnd.Sub(now)}
	}

	return RateResult{Allowed: true, Remaining: perMinute - int(count)}
}

func (rl *RateLimiter) rejected(class string) {
	if rl.metrics != nil {
		rl.metrics.IncrementCounter("rate_limit_rejections_total", map[string]string{"class": class})
	}
}

func (rl *RateLimiter) degraded(class string, err error) {
	if rl.metrics != nil {
		rl.metrics.IncrementCounter("store_errors_total", map[string]string{"op": "rate_limit"})
	}
	rl.logger.Warn("rate limiter degraded, allowing request",
		zap.String("class", class), zap.Error(err))
}
