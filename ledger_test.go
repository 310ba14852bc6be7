package sentinel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerThreat(source, threatType string, age time.Duration) *ThreatEvent {
	return &ThreatEvent{
		ID:         "t-" + source,
		Event:      SecurityEvent{Source: source, Path: "/api/items"},
		ThreatType: threatType,
		Severity:   SeverityHigh,
		CreatedAt:  time.Now().Add(-age),
	}
}

func TestLedgerKeepsLatestPerSource(t *testing.T) {
	ledger := NewThreatLedger(5 * time.Minute)
	ledger.Record(ledgerThreat("10.0.0.1", "sqli", 0))
	ledger.Record(ledgerThreat("10.0.0.1", "scraper", 0))
	ledger.Record(ledgerThreat("10.0.0.2", "sqli", 0))

	events := ledger.Snapshot()
	require.Len(t, events, 2)

	summary := ledger.Summary()
	assert.Equal(t, 2, summary.ActiveSources)
	assert.Equal(t, 1, summary.ActiveThreats["scraper"])
	assert.Equal(t, 1, summary.ActiveThreats["sqli"])
}

func TestLedgerExpiresOldEntries(t *testing.T) {
	ledger := NewThreatLedger(5 * time.Minute)
	ledger.Record(ledgerThreat("10.0.0.1", "sqli", 10*time.Minute))
	ledger.Record(ledgerThreat("10.0.0.2", "sqli", time.Minute))

	assert.Len(t, ledger.Snapshot(), 1)

	ledger.Cleanup()
	ledger.mu.RLock()
	remaining := len(ledger.entries)
	ledger.mu.RUnlock()
	assert.Equal(t, 1, remaining)
}

func TestLedgerIgnoresNilAndSourceless(t *testing.T) {
	ledger := NewThreatLedger(5 * time.Minute)
	ledger.Record(nil)
	ledger.Record(&ThreatEvent{ID: "x", CreatedAt: time.Now()})
	assert.Empty(t, ledger.Snapshot())
}
