package sentinel

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// RequestInspector is the engine's only entry point: one call per inbound
// request, safe under unbounded concurrency. All mutable state lives in the
// StateStore; the inspector itself holds only immutable config, the shared
// pattern library pointer and the read-only scorer.
type RequestInspector struct {
	store      StateStore
	limiter    *RateLimiter
	extractor  *FeatureExtractor
	scorer     *AnomalyScorer
	classifier *ThreatClassifier
	responder  *ResponseCoordinator
	metrics    MetricsCollector
	logger     *zap.Logger

	patterns  atomic.Pointer[PatternLibrary]
	rateCfg   RateLimitConfig
	whitelist *SourceList
	blacklist *SourceList
	protected []string
	bodyMax   int
	clock     func() time.Time
}

// InspectorDeps bundles the collaborators for NewRequestInspector.
type InspectorDeps struct {
	Store      StateStore
	Limiter    *RateLimiter
	Extractor  *FeatureExtractor
	Scorer     *AnomalyScorer
	Classifier *ThreatClassifier
	Responder  *ResponseCoordinator
	Metrics    MetricsCollector
	Logger     *zap.Logger
	Patterns   *PatternLibrary
}

func NewRequestInspector(cfg *Config, deps InspectorDeps) *RequestInspector {
	ri := &RequestInspector{
		store:      deps.Store,
		limiter:    deps.Limiter,
		extractor:  deps.Extractor,
		scorer:     deps.Scorer,
		classifier: deps.Classifier,
		responder:  deps.Responder,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		rateCfg:    cfg.RateLimit,
		whitelist:  NewSourceList(cfg.Detection.Whitelist),
		blacklist:  NewSourceList(cfg.Detection.Blacklist),
		protected:  cfg.Detection.ProtectedPaths,
		bodyMax:    cfg.Detection.BodySnapshotMax,
		clock:      time.Now,
	}
	ri.ReloadPatterns(deps.Patterns)
	return ri
}

// ReloadPatterns swaps in a freshly loaded library. The swap is atomic;
// in-flight inspections finish on the library they started with.
func (ri *RequestInspector) ReloadPatterns(lib *PatternLibrary) {
	ri.patterns.Store(lib)
	if ri.metrics != nil {
		ri.metrics.SetGauge("pattern_library_size", float64(lib.Len()), nil)
	}
}

// Inspect runs the full detection pipeline for one request. It never
// returns an error: internal failures degrade protection, they do not fail
// the protected request.
func (ri *RequestInspector) Inspect(ctx context.Context, req InspectRequest) Decision {
	start := ri.clock()
	defer func() {
		if ri.metrics != nil {
			ri.metrics.ObserveHistogram("inspection_duration_seconds",
				ri.clock().Sub(start).Seconds(), nil)
		}
	}()

	// Blacklisted sources are treated as blocked without running detection.
	if ri.blacklist.Contains(req.Source) {
		return Decision{Allowed: false, Reason: "blacklisted"}
	}

	// Whitelisted sources bypass rate limiting and detection entirely.
	if ri.whitelist.Contains(req.Source) {
		return Decision{Allowed: true, Reason: "whitelisted"}
	}

	if blocked := ri.checkBlocked(ctx, req.Source); blocked {
		return Decision{Allowed: false, Reason: "blocked"}
	}

	monitored := ri.responder.IsMonitored(ctx, req.Source)
	class := ri.rateCfg.ResolveClass(req.Path)

	if rate := ri.limiter.Check(ctx, req.Source, class, monitored); !rate.Allowed {
		// A rejection is itself a MEDIUM security event; it skips the
		// anomaly path entirely.
		event := NewSecurityEvent(req, ri.bodyMax, ri.clock())
		threat := ri.classifier.RateLimitThreat(event)
		ri.responder.Handle(ctx, threat)
		return Decision{
			Allowed:    false,
			Reason:     ThreatTypeRateLimit,
			RetryAfter: rate.RetryAfter,
			Threat:     threat,
		}
	}

	event := NewSecurityEvent(req, ri.bodyMax, ri.clock())
	ri.extractor.TouchSession(ctx, req.Source)
	vector := ri.extractor.Extract(ctx, &event, class)

	rateMetrics := RateMetrics{
		RequestRate: vector[featRequestCount] / 60,
		ErrorRate:   vector[featErrorRate],
	}
	match := ri.patterns.Load().Match(&event, rateMetrics)

	score := ri.score(vector)

	threat := ri.classifier.Classify(event, match, score, ri.isProtected(req.Path))
	if threat == nil {
		return Decision{Allowed: true}
	}

	ri.responder.Handle(ctx, threat)
	if threat.Action == ActionBlockIP {
		return Decision{Allowed: false, Reason: threat.ThreatType, Threat: threat}
	}
	return Decision{Allowed: true, Reason: threat.ThreatType, Threat: threat}
}

// checkBlocked fails open: when the store cannot answer, the request is
// allowed and the degradation is made visible to operators.
func (ri *RequestInspector) checkBlocked(ctx context.Context, source string) bool {
	blocked, err := ri.responder.IsBlocked(ctx, source)
	if err != nil {
		if ri.metrics != nil {
			ri.metrics.IncrementCounter("store_errors_total", map[string]string{"op": "block_check"})
		}
		ri.logger.Error("block check failed, allowing request",
			zap.String("source", source), zap.Error(err))
		return false
	}
	return blocked
}

// isProtected reports whether the path falls under a prefix configured for
// extra scrutiny. Protected paths halve the anomaly minimum in Classify.
func (ri *RequestInspector) isProtected(path string) bool {
	for _, prefix := range ri.protected {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (ri *RequestInspector) score(vector FeatureVector) float64 {
	if ri.scorer == nil {
		return 0
	}
	score, err := ri.scorer.Score(vector)
	if err != nil {
		if ri.metrics != nil {
			ri.metrics.IncrementCounter("scoring_errors_total", nil)
		}
		ri.logger.Warn("anomaly scoring failed, continuing with patterns only",
			zap.Error(err))
		return 0
	}
	if ri.metrics != nil {
		ri.metrics.ObserveHistogram("anomaly_score", score, nil)
	}
	return score
}

// RecordOutcome feeds response status back into the error-rate counter for
// the source and the traffic class the path resolves to, so the error ratio
// divides counts from the same window. Counter writes are fire-and-forget.
func (ri *RequestInspector) RecordOutcome(ctx context.Context, source, path string, status int) {
	if status < 400 || source == "" {
		return
	}
	class := ri.rateCfg.ResolveClass(path)
	now := ri.clock()
	windowStart := now.Truncate(time.Minute)
	ttl := windowStart.Add(time.Minute).Sub(now)
	if _, err := ri.store.IncrementWithExpiry(ctx, errorKey(class, source, windowStart), ttl); err != nil {
		ri.logger.Debug("error counter write failed", zap.String("source", source), zap.Error(err))
	}
}

// ClientIP resolves the original client address behind proxies.
func ClientIP(c *fiber.Ctx) string {
	if ip := c.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := c.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	return c.IP()
}

// Middleware adapts the inspector to a Fiber handler. Denied requests get a
// JSON error with an optional Retry-After hint; everything else continues
// and has its response status fed back for error-rate tracking.
func (ri *RequestInspector) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		req := InspectRequest{
			Source:        ClientIP(c),
			Method:        c.Method(),
			Path:          c.Path(),
			Query:         c.Queries(),
			Body:          string(c.Body()),
			CorrelationID: c.Get("X-Request-ID"),
			UserID:        c.Get("X-User-ID"),
			SessionID:     c.Cookies("session_id"),
		}

		decision := ri.Inspect(c.UserContext(), req)
		if !decision.Allowed {
			status := fiber.StatusForbidden
			if decision.Reason == ThreatTypeRateLimit {
				status = fiber.StatusTooManyRequests
			}
			if decision.RetryAfter > 0 {
				c.Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
			}
			return c.Status(status).JSON(fiber.Map{
				"error": "access denied",
				"type":  decision.Reason,
			})
		}

		err := c.Next()
		ri.RecordOutcome(c.UserContext(), req.Source, req.Path, c.Response().StatusCode())
		return err
	}
}

// retryAfterSeconds renders a duration as the whole-second form the
// Retry-After header requires, rounding up so clients never retry early.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
