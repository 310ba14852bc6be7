package sentinel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// Config is the full engine configuration, loaded once at startup. A change
// requires a reload of the whole config object; nothing mutates it in place.
type Config struct {
	LogLevel string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Redis     RedisConfig     `koanf:"redis"`
	Detection DetectionConfig `koanf:"detection"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Response  ResponseConfig  `koanf:"response"`
	Notify    NotifyConfig    `koanf:"notify"`
	Archive   ArchiveConfig   `koanf:"archive"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"gt=0,lte=65535"`
	MetricsPort     int           `koanf:"metrics_port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DetectionConfig struct {
	PatternDir      string   `koanf:"pattern_dir"`
	ModelPath       string   `koanf:"model_path"`
	MinAnomalyScore float64  `koanf:"min_anomaly_score" validate:"gte=0,lte=1"`
	BodySnapshotMax int      `koanf:"body_snapshot_max" validate:"gt=0"`
	ProtectedPaths  []string `koanf:"protected_paths"`
	Whitelist       []string `koanf:"whitelist"`
	Blacklist       []string `koanf:"blacklist"`
}

// ClassLimit is one traffic class budget. Paths are matched by prefix; the
// first class whose prefix matches wins, otherwise "default" applies.
type ClassLimit struct {
	RequestsPerMinute int      `koanf:"requests_per_minute" validate:"gt=0"`
	Burst             int      `koanf:"burst" validate:"gte=0"`
	PathPrefixes      []string `koanf:"path_prefixes"`
}

type RateLimitConfig struct {
	Classes map[string]ClassLimit `koanf:"classes" validate:"required,dive"`
}

type ResponseConfig struct {
	BlockTTL        time.Duration     `koanf:"block_ttl" validate:"gt=0"`
	MonitorTTL      time.Duration     `koanf:"monitor_ttl" validate:"gt=0"`
	ThreatTTL       time.Duration     `koanf:"threat_ttl" validate:"gt=0"`
	SeverityActions map[string]string `koanf:"severity_actions"`
}

type NotifyConfig struct {
	Channel string            `koanf:"channel"`
	Topic   string            `koanf:"topic"`
	Message string            `koanf:"message"`
	Webhook map[string]string `koanf:"webhook"`
	Slack   map[string]string `koanf:"slack"`
}

type ArchiveConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Path      string        `koanf:"path"`
	MaxEvents int           `koanf:"max_events"`
	MaxAge    time.Duration `koanf:"max_age"`
}

func defaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			MetricsPort:     9100,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Detection: DetectionConfig{
			PatternDir:      "configs/patterns",
			MinAnomalyScore: 0.5,
			BodySnapshotMax: 4096,
		},
		RateLimit: RateLimitConfig{
			Classes: map[string]ClassLimit{
				"default": {RequestsPerMinute: 120, Burst: 20},
				"api":     {RequestsPerMinute: 300, Burst: 50, PathPrefixes: []string{"/api/"}},
				"auth":    {RequestsPerMinute: 20, Burst: 5, PathPrefixes: []string{"/login", "/auth/"}},
			},
		},
		Response: ResponseConfig{
			BlockTTL:   time.Hour,
			MonitorTTL: 2 * time.Hour,
			ThreatTTL:  24 * time.Hour,
			SeverityActions: map[string]string{
				"critical": "block_ip",
				"high":     "block_ip",
				"medium":   "increase_monitoring",
				"low":      "log_only",
			},
		},
		Notify: NotifyConfig{
			Channel: "log",
			Topic:   "security",
			Message: "{{threatType}} from {{source}} on {{path}} (severity {{severity}})",
		},
		Archive: ArchiveConfig{
			Path:      "sentinel_threats.db",
			MaxEvents: 10000,
			MaxAge:    7 * 24 * time.Hour,
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// and SENTINEL_-prefixed environment variables, then validates it. Invalid
// config is fatal by design: the engine must not start half-protected.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	// Double underscore separates hierarchy levels so multi-word leaf keys
	// stay addressable: SENTINEL_DETECTION__MIN_ANOMALY_SCORE →
	// detection.min_anomaly_score.
	if err := k.Load(env.Provider("SENTINEL_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "SENTINEL_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints plus the cross-field rules the
// validator tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, ok := c.RateLimit.Classes["default"]; !ok {
		return fmt.Errorf("invalid config: rate_limit.classes must define a %q class", "default")
	}
	for name, action := range c.Response.SeverityActions {
		if _, err := ParseSeverity(name); err != nil {
			return fmt.Errorf("invalid config: response.severity_actions: %w", err)
		}
		if _, err := ParseResponseAction(action); err != nil {
			return fmt.Errorf("invalid config: response.severity_actions[%s]: %w", name, err)
		}
	}
	return nil
}

// ResolveClass maps a request path to its traffic class by prefix.
func (c *RateLimitConfig) ResolveClass(path string) string {
	names := make([]string, 0, len(c.Classes))
	for name := range c.Classes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "default" {
			continue
		}
		for _, prefix := range c.Classes[name].PathPrefixes {
			if strings.HasPrefix(path, prefix) {
				return name
			}
		}
	}
	return "default"
}

// LoadPatternLibrary reads every *.json pattern file in dir, one pattern per
// file, in sorted filename order so declaration order is deterministic. The
// library version is the latest file modification time.
func LoadPatternLibrary(dir string) (*PatternLibrary, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return CompilePatterns("empty", nil)
		}
		return nil, fmt.Errorf("failed to read pattern directory %s: %w", dir, err)
	}

	var names []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		names = append(names, f.Name())
	}
	sort.Strings(names)

	var patterns []ThreatPattern
	var latest time.Time
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read pattern file %s: %w", name, err)
		}
		var p ThreatPattern
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse pattern file %s: %w", name, err)
		}
		if err := validator.New().Struct(&p); err != nil {
			return nil, fmt.Errorf("invalid pattern file %s: %w", name, err)
		}
		if info, err := os.Stat(path); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		patterns = append(patterns, p)
	}

	version := latest.UTC().Format(time.RFC3339)
	if latest.IsZero() {
		version = "empty"
	}
	return CompilePatterns(version, patterns)
}

// PatternWatcher reloads the pattern library when files in the pattern
// directory change. A reload is always the full library; a broken edit keeps
// the previous library live.
type PatternWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
	logger  *zap.Logger
}

// WatchPatternDir starts a watcher on dir that calls apply with each freshly
// loaded library.
func WatchPatternDir(dir string, logger *zap.Logger, apply func(*PatternLibrary)) (*PatternWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	pw := &PatternWatcher{watcher: watcher, done: make(chan struct{}), logger: logger}
	go func() {
		// Editors fire several events per save; a short debounce collapses
		// them into one reload.
		var pending <-chan time.Time
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					pending = time.After(250 * time.Millisecond)
				}
			case <-pending:
				pending = nil
				lib, err := LoadPatternLibrary(dir)
				if err != nil {
					logger.Error("pattern reload failed, keeping previous library",
						zap.String("dir", dir), zap.Error(err))
					continue
				}
				logger.Info("pattern library reloaded",
					zap.String("version", lib.Version),
					zap.Int("patterns", lib.Len()))
				apply(lib)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("pattern watcher error", zap.Error(err))
			case <-pw.done:
				return
			}
		}
	}()
	return pw, nil
}

// Stop shuts the watcher down.
func (pw *PatternWatcher) Stop() error {
	close(pw.done)
	return pw.watcher.Close()
}
