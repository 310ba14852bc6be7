package sentinel

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// FeatureCount is the fixed length of every feature vector. The anomaly
// model artifact must declare exactly this many features, in this order.
const FeatureCount = 8

// Feature vector positions.
const (
	featHourOfDay = iota
	featBusinessHours
	featWeekend
	featRequestCount
	featErrorRate
	featLocationRisk
	featSessionDuration
	featActionFrequency
)

// FeatureNames lists the canonical order, used to cross-check model
// artifacts at load time.
var FeatureNames = []string{
	"hour_of_day",
	"is_business_hours",
	"is_weekend",
	"recent_request_count",
	"recent_error_rate",
	"location_risk",
	"session_duration",
	"action_frequency",
}

// FeatureVector is one request's numeric fingerprint.
type FeatureVector [FeatureCount]float64

// FeatureExtractor turns a security event plus store counters into a
// feature vector. Extraction is total: every failed lookup contributes 0,
// never an error, because it runs on the hot path of every request.
type FeatureExtractor struct {
	store        StateStore
	locationRisk LocationRiskFunc
	sessionTTL   time.Duration
	logger       *zap.Logger
	clock        func() time.Time
}

func NewFeatureExtractor(store StateStore, locationRisk LocationRiskFunc, logger *zap.Logger) *FeatureExtractor {
	return &FeatureExtractor{
		store:        store,
		locationRisk: locationRisk,
		sessionTTL:   30 * time.Minute,
		logger:       logger,
		clock:        time.Now,
	}
}

// TouchSession records one action for the source's rolling session. The
// session start marker is written only when the counter opens a new
// session, so duration stays stable across concurrent workers. Errors are
// swallowed: sessions are a scoring signal, not correctness state.
func (fe *FeatureExtractor) TouchSession(ctx context.Context, source string) {
	count, err := fe.store.IncrementWithExpiry(ctx, sessionCountKey(source), fe.sessionTTL)
	if err != nil {
		fe.logger.Debug("session touch failed", zap.String("source", source), zap.Error(err))
		return
	}
	if count == 1 {
		start := strconv.FormatInt(fe.clock().Unix(), 10)
		if err := fe.store.SetWithTTL(ctx, sessionStartKey(source), start, fe.sessionTTL); err != nil {
			fe.logger.Debug("session start write failed", zap.String("source", source), zap.Error(err))
		}
	}
}

// Extract builds the feature vector for an event. class selects which rate
// window supplies the recent request count.
func (fe *FeatureExtractor) Extract(ctx context.Context, event *SecurityEvent, class string) FeatureVector {
	var v FeatureVector
	now := event.Timestamp
	if now.IsZero() {
		now = fe.clock()
	}

	v[featHourOfDay] = float64(now.Hour())
	weekday := now.Weekday()
	if weekday == time.Saturday || weekday == time.Sunday {
		v[featWeekend] = 1
	} else if now.Hour() >= 9 && now.Hour() < 17 {
		v[featBusinessHours] = 1
	}

	windowStart := now.Truncate(time.Minute)
	requests := fe.counter(ctx, rateKey(class, event.Source, windowStart))
	v[featRequestCount] = requests

	errors := fe.counter(ctx, errorKey(class, event.Source, windowStart))
	if requests > 0 {
		v[featErrorRate] = errors / requests
	}

	if fe.locationRisk != nil {
		risk := fe.locationRisk(ctx, event.Source)
		if risk >= 0 && risk <= 1 {
			v[featLocationRisk] = risk
		}
	}

	if start, ok := fe.sessionStart(ctx, event.Source); ok {
		duration := now.Sub(start).Seconds()
		if duration > 0 {
			v[featSessionDuration] = duration
			actions := fe.counter(ctx, sessionCountKey(event.Source))
			v[featActionFrequency] = actions / duration
		}
	}

	return v
}

func (fe *FeatureExtractor) counter(ctx context.Context, key string) float64 {
	value, found, err := fe.store.Get(ctx, key)
	if err != nil || !found {
		return 0
	}
	count, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return count
}

func (fe *FeatureExtractor) sessionStart(ctx context.Context, source string) (time.Time, bool) {
	value, found, err := fe.store.Get(ctx, sessionStartKey(source))
	if err != nil || !found {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}
