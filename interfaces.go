package sentinel

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable marks a state store failure. Callers treat it as "no
// information available" and apply their own fail-open policy.
var ErrStoreUnavailable = errors.New("state store unavailable")

// StateStore is the only shared mutable state in the engine. Every operation
// must be atomic under concurrent callers for the same key; no caller ever
// read-modify-writes a raw value outside these primitives.
type StateStore interface {
	// IncrementWithExpiry atomically increments key and returns the new
	// count. The ttl applies from the first increment; later increments
	// leave the expiry untouched.
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetWithTTL writes value under key. Writing an existing key replaces
	// both value and TTL, which is what makes re-blocking extend rather
	// than duplicate.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the live value for key, or found=false when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	Delete(ctx context.Context, key string) error

	HealthCheck(ctx context.Context) error
}

// MetricsCollector is the observability seam shared by all components.
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	HealthCheck() error
}

// NotificationSender delivers one alert on a single channel. Senders must be
// best-effort: a failed send is logged by the registry, never propagated.
type NotificationSender interface {
	Send(ctx context.Context, payload *NotificationPayload) error
	Name() string
}

// LocationRiskFunc is an optional external lookup mapping a source to a risk
// score in [0,1]. A nil func means the feature defaults to 0.
type LocationRiskFunc func(ctx context.Context, source string) float64
