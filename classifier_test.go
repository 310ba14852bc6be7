package sentinel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyReturnsNilBelowThreshold(t *testing.T) {
	tc := NewThreatClassifier(0.5)
	event := testEvent("GET", "/api/items", "", nil)
	assert.Nil(t, tc.Classify(event, nil, 0.3, false))
}

func TestClassifyProtectedPathHalvesThreshold(t *testing.T) {
	tc := NewThreatClassifier(0.5)
	event := testEvent("GET", "/admin/export", "", nil)

	threat := tc.Classify(event, nil, 0.3, true)
	require.NotNil(t, threat)
	assert.Equal(t, SeverityLow, threat.Severity)
	assert.Equal(t, ThreatTypeAnomalous, threat.ThreatType)
}

func TestClassifySeverityTable(t *testing.T) {
	tc := NewThreatClassifier(0.5)
	event := testEvent("POST", "/api/items", "", nil)

	cases := []struct {
		name     string
		match    *PatternMatch
		score    float64
		severity Severity
	}{
		{"high-confidence pattern with low score", &PatternMatch{PatternID: "p", Confidence: 0.9}, 0.3, SeverityCritical},
		{"extreme anomaly alone", nil, 0.9, SeverityCritical},
		{"medium pattern", &PatternMatch{PatternID: "p", Confidence: 0.6}, 0.2, SeverityHigh},
		{"strong anomaly alone", nil, 0.7, SeverityHigh},
		{"moderate anomaly alone", nil, 0.5, SeverityMedium},
		{"pattern and strong score", &PatternMatch{PatternID: "p", Confidence: 0.95}, 0.95, SeverityCritical},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			threat := tc.Classify(event, c.match, c.score, false)
			require.NotNil(t, threat)
			assert.Equal(t, c.severity, threat.Severity)
		})
	}
}

func TestClassifyConfidencePrefersPattern(t *testing.T) {
	tc := NewThreatClassifier(0.5)
	event := testEvent("POST", "/api/items", "", nil)

	threat := tc.Classify(event, &PatternMatch{PatternID: "sqli", Confidence: 0.85}, 0.6, false)
	require.NotNil(t, threat)
	assert.Equal(t, "sqli", threat.ThreatType)
	assert.Equal(t, 0.85, threat.Confidence)
	assert.Equal(t, 0.6, threat.AnomalyScore)

	threat = tc.Classify(event, nil, 0.6, false)
	require.NotNil(t, threat)
	assert.Equal(t, ThreatTypeAnomalous, threat.ThreatType)
	assert.Equal(t, 0.6, threat.Confidence)
}

func TestClassifyTagsInjectionPayloads(t *testing.T) {
	tc := NewThreatClassifier(0.5)

	cases := []string{
		"id=1 UNION SELECT password FROM users",
		"<script>alert(1)</script>",
		"file=../../etc/passwd",
		"name=' OR '1'='1",
	}
	for _, body := range cases {
		event := testEvent("POST", "/api/items", body, nil)
		threat := tc.Classify(event, nil, 0.6, false)
		require.NotNil(t, threat, body)
		assert.Equal(t, ThreatTypeInjection, threat.ThreatType, body)
	}

	event := testEvent("POST", "/api/items", `{"name":"ordinary"}`, nil)
	threat := tc.Classify(event, nil, 0.6, false)
	require.NotNil(t, threat)
	assert.Equal(t, ThreatTypeAnomalous, threat.ThreatType)
}

func TestRateLimitThreat(t *testing.T) {
	tc := NewThreatClassifier(0.5)
	now := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)
	tc.clock = func() time.Time { return now }

	event := testEvent("GET", "/api/items", "", nil)
	threat := tc.RateLimitThreat(event)
	require.NotNil(t, threat)
	assert.Equal(t, ThreatTypeRateLimit, threat.ThreatType)
	assert.Equal(t, SeverityMedium, threat.Severity)
	assert.Equal(t, 1.0, threat.Confidence)
	assert.Equal(t, now, threat.CreatedAt)
	assert.NotEmpty(t, threat.ID)
}
