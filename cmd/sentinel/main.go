package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/oarkflow/ip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oarkflow/sentinel"
)

func main() {
	configPath := flag.String("config", "configs/sentinel.yaml", "path to config file")
	flag.Parse()

	cfg, err := sentinel.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("sentinel exited", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(cfg *sentinel.Config, logger *zap.Logger) error {
	ip.Init()

	store, closeStore, err := newStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := sentinel.NewPrometheusMetrics(registry, logger)

	patterns, err := sentinel.LoadPatternLibrary(cfg.Detection.PatternDir)
	if err != nil {
		return fmt.Errorf("loading pattern library: %w", err)
	}
	logger.Info("pattern library loaded",
		zap.String("version", patterns.Version),
		zap.Int("patterns", patterns.Len()))

	var scorer *sentinel.AnomalyScorer
	if cfg.Detection.ModelPath != "" {
		model, err := sentinel.LoadModelArtifact(cfg.Detection.ModelPath)
		if err != nil {
			return fmt.Errorf("loading anomaly model: %w", err)
		}
		scorer, err = sentinel.NewAnomalyScorer(model)
		if err != nil {
			return fmt.Errorf("building anomaly scorer: %w", err)
		}
		logger.Info("anomaly model loaded", zap.String("version", scorer.ModelVersion()))
	} else {
		logger.Warn("no anomaly model configured, running on patterns and rate limits only")
	}

	ledger := sentinel.NewThreatLedger(5 * time.Minute)

	var archive *sentinel.ThreatArchive
	if cfg.Archive.Enabled {
		archive, err = sentinel.NewThreatArchive(cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("opening threat archive: %w", err)
		}
		defer archive.Close()
	}

	notifier := sentinel.NewNotificationRegistry(cfg.Notify, metrics, logger)
	whitelist := sentinel.NewSourceList(cfg.Detection.Whitelist)

	responder, err := sentinel.NewResponseCoordinator(
		store, notifier, metrics, ledger, archive,
		cfg.Response, cfg.Notify, whitelist, logger)
	if err != nil {
		return fmt.Errorf("building response coordinator: %w", err)
	}

	inspector := sentinel.NewRequestInspector(cfg, sentinel.InspectorDeps{
		Store:      store,
		Limiter:    sentinel.NewRateLimiter(store, cfg.RateLimit, metrics, logger),
		Extractor:  sentinel.NewFeatureExtractor(store, nil, logger),
		Scorer:     scorer,
		Classifier: sentinel.NewThreatClassifier(cfg.Detection.MinAnomalyScore),
		Responder:  responder,
		Metrics:    metrics,
		Logger:     logger,
		Patterns:   patterns,
	})

	watcher, err := sentinel.WatchPatternDir(cfg.Detection.PatternDir, logger, inspector.ReloadPatterns)
	if err != nil {
		logger.Warn("pattern hot reload disabled", zap.Error(err))
	}

	stop := make(chan struct{})
	go housekeeping(stop, ledger, archive, logger)

	app := newApp(cfg, logger, inspector, store, ledger, archive)
	metricsSrv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}),
	}
	go func() {
		logger.Info("metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Info("shutting down gracefully")
		close(stop)
		if watcher != nil {
			if err := watcher.Stop(); err != nil {
				logger.Warn("error stopping pattern watcher", zap.Error(err))
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logger.Warn("error shutting down metrics server", zap.Error(err))
		}
		if err := app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
			logger.Warn("error shutting down server", zap.Error(err))
		}
		notifier.Drain()
	}()

	logger.Info("sentinel listening", zap.Int("port", cfg.Server.Port))
	return app.Listen(fmt.Sprintf(":%d", cfg.Server.Port))
}

func newStore(cfg *sentinel.Config, logger *zap.Logger) (sentinel.StateStore, func(), error) {
	if cfg.Redis.URL != "" {
		store, err := sentinel.NewRedisStateStore(&cfg.Redis, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return store, func() { store.Close() }, nil
	}
	logger.Warn("no redis configured, using in-process state store; block and rate state will not be shared across instances")
	store := sentinel.NewMemoryStateStore()
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				store.Cleanup()
			case <-done:
				return
			}
		}
	}()
	return store, func() { close(done) }, nil
}

func housekeeping(stop <-chan struct{}, ledger *sentinel.ThreatLedger, archive *sentinel.ThreatArchive, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ledger.Cleanup()
			if archive != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := archive.Prune(ctx); err != nil {
					logger.Warn("archive prune failed", zap.Error(err))
				}
				cancel()
			}
		case <-stop:
			return
		}
	}
}

func newApp(
	cfg *sentinel.Config,
	logger *zap.Logger,
	inspector *sentinel.RequestInspector,
	store sentinel.StateStore,
	ledger *sentinel.ThreatLedger,
	archive *sentinel.ThreatArchive,
) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		health := fiber.Map{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
			"services":  fiber.Map{},
		}
		services := health["services"].(fiber.Map)

		if err := store.HealthCheck(c.UserContext()); err != nil {
			health["status"] = "degraded"
			services["store"] = fiber.Map{"status": "error", "error": err.Error()}
		} else {
			services["store"] = fiber.Map{"status": "ok"}
		}

		if archive != nil {
			if err := archive.HealthCheck(c.UserContext()); err != nil {
				health["status"] = "degraded"
				services["archive"] = fiber.Map{"status": "error", "error": err.Error()}
			} else {
				services["archive"] = fiber.Map{"status": "ok"}
			}
		}

		statusCode := fiber.StatusOK
		if health["status"] == "degraded" {
			statusCode = fiber.StatusServiceUnavailable
		}
		return c.Status(statusCode).JSON(health)
	})

	app.Get("/internal/threats", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"summary": ledger.Summary(),
			"active":  ledger.Snapshot(),
		})
	})

	if archive != nil {
		app.Get("/internal/threats/history", func(c *fiber.Ctx) error {
			events, err := archive.Recent(c.UserContext(), c.QueryInt("limit", 50))
			if err != nil {
				logger.Warn("archive query failed", zap.Error(err))
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "archive unavailable"})
			}
			return c.JSON(fiber.Map{"threats": events})
		})
	}

	app.Use(cors.New())
	app.Use(inspector.Middleware())

	app.All("/*", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	return app
}
