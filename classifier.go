package sentinel

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ThreatTypeAnomalous tags threats found only by the anomaly scorer.
const ThreatTypeAnomalous = "anomalous_behavior"

// ThreatTypeInjection is a convenience sub-tag for anomalous requests whose
// payload carries SQL or script markers. Informational only; the severity
// decision never depends on it.
const ThreatTypeInjection = "injection_attempt"

// ThreatTypeRateLimit tags rate limiter rejections.
const ThreatTypeRateLimit = "rate_limit_exceeded"

// ThreatClassifier combines an optional pattern match with the anomaly
// score into a severity and confidence decision.
type ThreatClassifier struct {
	minAnomalyScore float64
	clock           func() time.Time
}

func NewThreatClassifier(minAnomalyScore float64) *ThreatClassifier {
	return &ThreatClassifier{minAnomalyScore: minAnomalyScore, clock: time.Now}
}

// Classify returns the threat for this event, or nil when neither a pattern
// matched nor the anomaly score reached the configured minimum. Requests on
// protected paths face half the usual minimum. Nil is the steady state:
// almost every request walks away clean.
func (tc *ThreatClassifier) Classify(event SecurityEvent, match *PatternMatch, anomalyScore float64, protected bool) *ThreatEvent {
	min := tc.minAnomalyScore
	if protected {
		min /= 2
	}
	if match == nil && anomalyScore < min {
		return nil
	}

	var severity Severity
	switch {
	case (match != nil && match.Confidence >= 0.9) || anomalyScore >= 0.9:
		severity = SeverityCritical
	case match != nil || anomalyScore >= 0.7:
		severity = SeverityHigh
	case anomalyScore >= 0.5:
		severity = SeverityMedium
	default:
		severity = SeverityLow
	}

	threatType := ThreatTypeAnomalous
	confidence := anomalyScore
	if match != nil {
		threatType = match.PatternID
		confidence = match.Confidence
	} else if looksLikeInjection(event.Payload()) {
		threatType = ThreatTypeInjection
	}

	return &ThreatEvent{
		ID:           uuid.NewString(),
		Event:        event,
		ThreatType:   threatType,
		Severity:     severity,
		AnomalyScore: anomalyScore,
		Confidence:   confidence,
		CreatedAt:    tc.clock(),
	}
}

// RateLimitThreat builds the MEDIUM threat reported for a rate limiter
// rejection. Rejections bypass the anomaly path entirely.
func (tc *ThreatClassifier) RateLimitThreat(event SecurityEvent) *ThreatEvent {
	return &ThreatEvent{
		ID:         uuid.NewString(),
		Event:      event,
		ThreatType: ThreatTypeRateLimit,
		Severity:   SeverityMedium,
		Confidence: 1,
		CreatedAt:  tc.clock(),
	}
}

var injectionMarkers = []string{
	"union select",
	"drop table",
	"insert into",
	"' or '",
	"\" or \"",
	"or 1=1",
	"<script",
	"javascript:",
	"onerror=",
	"../",
	"%00",
}

func looksLikeInjection(payload string) bool {
	if payload == "" {
		return false
	}
	lowered := strings.ToLower(payload)
	for _, marker := range injectionMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
