package sentinel

import (
	"sync"
	"time"
)

// ThreatLedger keeps the most recent threat per source for a bounded TTL so
// dashboards can show what is currently under attack without touching the
// state store or the archive.
type ThreatLedger struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*ThreatEvent
}

// ThreatSummary aggregates the live ledger for dashboard consumption.
type ThreatSummary struct {
	ActiveThreats map[string]int `json:"activeThreats"`
	ActiveSources int            `json:"activeSources"`
	TotalThreats  int            `json:"totalThreats"`
	LastUpdated   time.Time      `json:"lastUpdated"`
}

func NewThreatLedger(ttl time.Duration) *ThreatLedger {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ThreatLedger{
		ttl:     ttl,
		entries: make(map[string]*ThreatEvent),
	}
}

func (l *ThreatLedger) Record(threat *ThreatEvent) {
	if threat == nil || threat.Event.Source == "" {
		return
	}
	l.mu.Lock()
	l.entries[threat.Event.Source] = threat
	l.mu.Unlock()
}

// Snapshot returns the live entries.
func (l *ThreatLedger) Snapshot() []ThreatEvent {
	now := time.Now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	var events []ThreatEvent
	for _, entry := range l.entries {
		if now.Sub(entry.CreatedAt) > l.ttl {
			continue
		}
		events = append(events, *entry)
	}
	return events
}

// Cleanup drops expired entries.
func (l *ThreatLedger) Cleanup() {
	now := time.Now()
	l.mu.Lock()
	for source, entry := range l.entries {
		if now.Sub(entry.CreatedAt) > l.ttl {
			delete(l.entries, source)
		}
	}
	l.mu.Unlock()
}

func (l *ThreatLedger) Summary() ThreatSummary {
	summary := ThreatSummary{ActiveThreats: make(map[string]int)}
	events := l.Snapshot()
	summary.ActiveSources = len(events)
	for _, ev := range events {
		summary.ActiveThreats[ev.ThreatType]++
		summary.TotalThreats++
		if ev.CreatedAt.After(summary.LastUpdated) {
			summary.LastUpdated = ev.CreatedAt
		}
	}
	return summary
}
