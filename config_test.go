package sentinel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
server:
  port: 9090
detection:
  min_anomaly_score: 0.6
rate_limit:
  classes:
    default:
      requests_per_minute: 30
      burst: 5
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 0.6, cfg.Detection.MinAnomalyScore)
	assert.Equal(t, 30, cfg.RateLimit.Classes["default"].RequestsPerMinute)
	// Untouched sections keep their defaults.
	assert.Equal(t, 9100, cfg.Server.MetricsPort)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	// Double underscore separates hierarchy levels, so leaf keys that
	// themselves contain underscores stay reachable.
	t.Setenv("SENTINEL_LOG_LEVEL", "debug")
	t.Setenv("SENTINEL_SERVER__METRICS_PORT", "9200")
	t.Setenv("SENTINEL_DETECTION__MIN_ANOMALY_SCORE", "0.8")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9200, cfg.Server.MetricsPort)
	assert.Equal(t, 0.8, cfg.Detection.MinAnomalyScore)
}

func TestValidateRejectsBadSeverityAction(t *testing.T) {
	cfg := defaultConfig()
	cfg.Response.SeverityActions["medium"] = "launch_missiles"
	assert.Error(t, cfg.Validate())

	cfg = defaultConfig()
	cfg.Response.SeverityActions["superhigh"] = "block_ip"
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresDefaultClass(t *testing.T) {
	cfg := defaultConfig()
	delete(cfg.RateLimit.Classes, "default")
	assert.Error(t, cfg.Validate())
}

func TestResolveClass(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, "api", cfg.RateLimit.ResolveClass("/api/items"))
	assert.Equal(t, "auth", cfg.RateLimit.ResolveClass("/login"))
	assert.Equal(t, "auth", cfg.RateLimit.ResolveClass("/auth/refresh"))
	assert.Equal(t, "default", cfg.RateLimit.ResolveClass("/static/logo.png"))
}

func writePattern(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadPatternLibrary(t *testing.T) {
	dir := t.TempDir()
	writePattern(t, dir, "10_sqli.json", `{
		"id": "sqli",
		"description": "SQL keywords in request payload",
		"conditions": [{"field": "body", "operator": "regex", "value": "(?i)union\\s+select"}],
		"confidence": 0.95
	}`)
	writePattern(t, dir, "20_scraper.json", `{
		"id": "scraper",
		"conditions": [{"field": "request_rate", "operator": "gt", "value": "10"}],
		"confidence": 0.6
	}`)
	writePattern(t, dir, "notes.txt", "not a pattern")

	lib, err := LoadPatternLibrary(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, lib.Len())
	assert.NotEqual(t, "empty", lib.Version)

	event := testEvent("POST", "/api/items", "x UNION SELECT y", nil)
	match := lib.Match(&event, RateMetrics{})
	require.NotNil(t, match)
	assert.Equal(t, "sqli", match.PatternID)
}

func TestLoadPatternLibraryRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	writePattern(t, dir, "bad.json", `{"id": "bad", "confidence": 0.5}`)

	_, err := LoadPatternLibrary(dir)
	assert.Error(t, err)
}

func TestLoadPatternLibraryMissingDirIsEmpty(t *testing.T) {
	lib, err := LoadPatternLibrary(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Equal(t, 0, lib.Len())
	assert.Equal(t, "empty", lib.Version)
}

func TestWatchPatternDirReloads(t *testing.T) {
	dir := t.TempDir()
	reloaded := make(chan *PatternLibrary, 4)

	watcher, err := WatchPatternDir(dir, zaptest.NewLogger(t), func(lib *PatternLibrary) {
		reloaded <- lib
	})
	require.NoError(t, err)
	defer watcher.Stop()

	writePattern(t, dir, "10_sqli.json", `{
		"id": "sqli",
		"conditions": [{"field": "body", "operator": "regex", "value": "union"}],
		"confidence": 0.9
	}`)

	select {
	case lib := <-reloaded:
		assert.Equal(t, 1, lib.Len())
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never delivered a reload")
	}
}
