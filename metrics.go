package sentinel

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusMetrics implements MetricsCollector on client_golang. The
// metric set is fixed at construction; unknown names are dropped (logged at
// debug) rather than registered on the fly, since Prometheus label sets are
// immutable per name.
type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	logger     *zap.Logger
}

func NewPrometheusMetrics(reg prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	m := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		logger:     logger,
	}

	counter := func(name, help string, labels ...string) {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
		reg.MustRegister(vec)
		m.counters[name] = vec
	}
	gauge := func(name, help string, labels ...string) {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
		reg.MustRegister(vec)
		m.gauges[name] = vec
	}
	histogram := func(name, help string, buckets []float64, labels ...string) {
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
		reg.MustRegister(vec)
		m.histograms[name] = vec
	}

	counter("threat_detections_total", "Threats detected by type, severity and chosen action.",
		"threat_type", "severity", "action")
	counter("rate_limit_rejections_total", "Requests rejected by the rate limiter per traffic class.",
		"class")
	counter("store_errors_total", "State store failures by operation.", "op")
	counter("scoring_errors_total", "Anomaly scoring failures.")
	counter("notifications_total", "Notification attempts by channel and outcome.",
		"channel", "outcome")
	histogram("inspection_duration_seconds", "End-to-end inspection pipeline latency.",
		[]float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25})
	histogram("anomaly_score", "Distribution of anomaly scores over inspected requests.",
		[]float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, .95, 1})
	gauge("pattern_library_size", "Patterns in the active library.")

	return m
}

func (m *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
	vec, ok := m.counters[name]
	if !ok {
		m.unknown(name)
		return
	}
	vec.With(prometheus.Labels(labels)).Inc()
}

func (m *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	vec, ok := m.histograms[name]
	if !ok {
		m.unknown(name)
		return
	}
	vec.With(prometheus.Labels(labels)).Observe(value)
}

func (m *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
	vec, ok := m.gauges[name]
	if !ok {
		m.unknown(name)
		return
	}
	vec.With(prometheus.Labels(labels)).Set(value)
}

func (m *PrometheusMetrics) HealthCheck() error { return nil }

func (m *PrometheusMetrics) unknown(name string) {
	if m.logger != nil {
		m.logger.Debug("unregistered metric dropped", zap.String("name", name))
	}
}

// MemoryMetrics is a map-backed MetricsCollector for tests and small
// deployments that do not scrape Prometheus.
type MemoryMetrics struct {
	mu         sync.RWMutex
	counters   map[string]map[string]int64
	gauges     map[string]map[string]float64
	histograms map[string][]float64
}

func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:   make(map[string]map[string]int64),
		gauges:     make(map[string]map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (m *MemoryMetrics) IncrementCounter(name string, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[name] == nil {
		m.counters[name] = make(map[string]int64)
	}
	m.counters[name][labelKey(labels)]++
}

func (m *MemoryMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms[name] = append(m.histograms[name], value)
}

func (m *MemoryMetrics) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges[name] == nil {
		m.gauges[name] = make(map[string]float64)
	}
	m.gauges[name][labelKey(labels)] = value
}

func (m *MemoryMetrics) HealthCheck() error { return nil }

// CounterValue returns a counter's current value, for assertions in tests.
func (m *MemoryMetrics) CounterValue(name string, labels map[string]string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if byLabel, ok := m.counters[name]; ok {
		return byLabel[labelKey(labels)]
	}
	return 0
}

// HistogramCount returns how many observations a histogram has recorded.
func (m *MemoryMetrics) HistogramCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.histograms[name])
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return "default"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}
