package sentinel

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecurityEventCapsBody(t *testing.T) {
	req := InspectRequest{
		Source: "10.0.0.1",
		Method: "POST",
		Path:   "/api/items",
		Body:   strings.Repeat("x", 5000),
	}
	event := NewSecurityEvent(req, 4096, time.Now())
	assert.Len(t, event.Body, 4096)
}

func TestNewSecurityEventGeneratesCorrelationID(t *testing.T) {
	event := NewSecurityEvent(InspectRequest{Source: "10.0.0.1"}, 4096, time.Now())
	assert.NotEmpty(t, event.CorrelationID)

	event = NewSecurityEvent(InspectRequest{Source: "10.0.0.1", CorrelationID: "req-7"}, 4096, time.Now())
	assert.Equal(t, "req-7", event.CorrelationID)
}

func TestEventQueryFieldIsDeterministic(t *testing.T) {
	event := SecurityEvent{Query: map[string]string{"c": "3", "a": "1", "b": "2"}}

	// The joined form must be stable across calls so regex conditions that
	// span several parameters match the same string on every request.
	for i := 0; i < 20; i++ {
		value, ok := event.Field("query")
		require.True(t, ok)
		assert.Equal(t, "a=1&b=2&c=3", value)
	}
}

func TestSeverityRoundTrip(t *testing.T) {
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		parsed, err := ParseSeverity(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseSeverity("catastrophic")
	assert.Error(t, err)
}

func TestSourceList(t *testing.T) {
	list := NewSourceList([]string{"10.0.0.0/24", "192.0.2.7", " ", "garbage"})

	assert.True(t, list.Contains("10.0.0.99"))
	assert.True(t, list.Contains("192.0.2.7"))
	assert.False(t, list.Contains("10.0.1.1"))
	assert.False(t, list.Contains("not-an-ip"))
	assert.False(t, list.Contains(""))

	var nilList *SourceList
	assert.False(t, nilList.Contains("10.0.0.1"))
}
