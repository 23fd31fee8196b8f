// Command optimizer runs the predictive analytics and automated decision
// service.
//
// Startup order:
//  1. .env → config (YAML file + OPTIMIZER_* env) → logger, audit trail, tracing
//  2. Store (SQLite or PostgreSQL) and the event bus with its websocket and redis fan-out
//  3. Anomaly coordinator, forecaster, ranker and the workflow engine
//  4. Scheduler, workflow definitions, then the HTTP and gRPC servers
//
// SIGINT or SIGTERM stops the servers, waits for running workflow ticks and
// flushes the audit trail within server.shutdown_timeout_seconds.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/decision"
	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/forecast"
	"github.com/kubilitics/kubilitics-optimizer/internal/audit"
	"github.com/kubilitics/kubilitics-optimizer/internal/config"
	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/events"
	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/server"
	"github.com/kubilitics/kubilitics-optimizer/internal/telemetry"
	"github.com/kubilitics/kubilitics-optimizer/internal/workflow"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/kubilitics/optimizer.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "optimizer: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return err
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	auditLog := audit.NewNopLogger()
	if cfg.Audit.Enabled {
		ac := audit.DefaultConfig()
		ac.AuditLogPath = cfg.Audit.Path
		if auditLog, err = audit.NewLogger(ac, logger); err != nil {
			return fmt.Errorf("create audit logger: %w", err)
		}
	}
	defer func() { _ = auditLog.Close() }()
	_ = auditLog.Log(ctx, audit.NewEvent(audit.EventConfigLoaded).
		WithDescription("configuration loaded").
		WithMetadata("config_path", configPath).
		WithMetadata("database", cfg.Database.Type))

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, version, cfg.Telemetry.Insecure)
	if err != nil {
		return err
	}

	store, err := db.Open(ctx, db.Options{
		Type:        cfg.Database.Type,
		SQLitePath:  cfg.Database.SQLitePath,
		PostgresURL: cfg.Database.PostgresURL,
		MaxConns:    cfg.Database.MaxConns,
	}, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Database.Type, err)
	}
	defer func() { _ = store.Close() }()

	bus := events.NewBus(cfg.Events.HistorySize, logger)

	var hub *events.WebSocketHub
	if cfg.Events.WebSocketEnabled {
		hub = events.NewWebSocketHub(cfg.Server.AllowedOrigins, logger)
		unsubscribe := bus.Subscribe(hub)
		defer func() {
			unsubscribe()
			hub.Close()
		}()
	}

	mirrorCtx, stopMirror := context.WithCancel(context.Background())
	defer stopMirror()
	if cfg.Events.RedisAddr != "" {
		mirror, err := events.NewRedisPublisher(ctx, events.RedisOptions{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
			DB:       cfg.Events.RedisDB,
			Channel:  cfg.Events.RedisChannel,
		}, logger)
		if err != nil {
			// The mirror is optional; the service runs without it.
			logger.Warn("redis event mirror disabled", zap.Error(err))
		} else {
			ch, unsubscribe := bus.SubscribeChan(cfg.Events.HistorySize)
			go mirror.Run(mirrorCtx, ch)
			defer func() {
				unsubscribe()
				_ = mirror.Close()
			}()
		}
	}

	anomalyCfg := anomaly.DefaultConfig()
	anomalyCfg.DefaultSensitivity = cfg.Anomaly.DefaultSensitivity
	anomalyCfg.DefaultWindowSize = cfg.Anomaly.DefaultWindowSize
	anomalyCfg.Lookback = time.Duration(cfg.Anomaly.DetectionLookbackMinutes) * time.Minute
	anomalyCfg.MaxParallel = cfg.Anomaly.MaxParallel
	anomalyCfg.Isolation.NumTrees = cfg.Anomaly.IsolationTrees
	anomalyCfg.Isolation.SubsampleSize = cfg.Anomaly.IsolationSubsample
	anomalyCfg.SequenceLength = cfg.Anomaly.SequenceLength
	anomalyCfg.Seed = cfg.Forecast.Seed
	coord := anomaly.NewCoordinator(anomalyCfg, anomaly.Deps{
		Data:   store,
		Store:  store,
		Events: bus,
		Audit:  auditLog,
		Logger: logger,
	})
	if err := coord.Restore(ctx); err != nil {
		return err
	}

	forecaster := forecast.NewForecaster(forecast.Config{
		DefaultHorizonDays: cfg.Forecast.DefaultHorizonDays,
		Seed:               cfg.Forecast.Seed,
	}, store, logger)
	ranker := decision.NewRanker(logger)

	engine, err := workflow.NewEngine(workflow.Config{
		DefaultTimeLimit: time.Duration(cfg.Workflow.DefaultTimeLimitSeconds) * time.Second,
		MaxParallel:      cfg.Anomaly.MaxParallel,
	}, workflow.Deps{
		Store:      store,
		Detector:   coord,
		Forecaster: forecaster,
		Ranker:     ranker,
		Events:     bus,
		Audit:      auditLog,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	loc, err := time.LoadLocation(cfg.Workflow.Timezone)
	if err != nil {
		return fmt.Errorf("load scheduler timezone: %w", err)
	}
	scheduler := workflow.NewScheduler(engine, loc, logger)

	grpcServer, err := server.NewGRPCServer(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort), logger)
	if err != nil {
		return err
	}
	scheduler.SetReporter(grpcServer)
	engine.AttachScheduler(scheduler)

	if err := engine.Restore(ctx); err != nil {
		return err
	}
	if path := cfg.Workflow.DefinitionsPath; path != "" {
		defs, err := workflow.LoadDefinitions(path)
		if err != nil {
			return err
		}
		failures := engine.Bootstrap(ctx, defs)
		logger.Info("workflow definitions loaded",
			zap.String("path", path),
			zap.Int("definitions", len(defs)),
			zap.Int("failures", len(failures)))
	}
	scheduler.Start()

	deps := server.Deps{
		Store:       store,
		Coordinator: coord,
		Forecaster:  forecaster,
		Ranker:      ranker,
		Engine:      engine,
		Scheduler:   scheduler,
		Bus:         bus,
		Logger:      logger,
	}
	if hub != nil {
		deps.Hub = hub
	}
	httpServer, err := server.New(server.Options{
		Host:               cfg.Server.Host,
		HTTPPort:           cfg.Server.HTTPPort,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
	}, deps)
	if err != nil {
		return err
	}
	if err := httpServer.Start(); err != nil {
		return err
	}
	grpcServer.Start()

	go detectLoop(ctx, coord, anomalyCfg.Lookback, logger)
	go watchConfig(ctx, mgr, logger)

	_ = auditLog.Log(ctx, audit.NewEvent(audit.EventSystemStarted).WithMetadata("version", version))
	logger.Info("optimizer started",
		zap.String("version", version),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	grpcServer.Shutdown(shutdownCtx)
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop incomplete", zap.Error(err))
	}
	stopMirror()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	_ = auditLog.Log(shutdownCtx, audit.NewEvent(audit.EventSystemShutdown))
	logger.Info("shutdown complete")
	return nil
}

// detectLoop runs a detection pass over every active model once per
// lookback period, so each sample is scored about once.
func detectLoop(ctx context.Context, coord *anomaly.Coordinator, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := coord.DetectAll(ctx, models.EntityScope{})
			if err != nil {
				logger.Error("scheduled detection failed", zap.Error(err))
				continue
			}
			if len(report.Alerts) > 0 || len(report.Failures) > 0 {
				logger.Info("scheduled detection finished",
					zap.Int("alerts", len(report.Alerts)),
					zap.Int("failures", len(report.Failures)))
			}
		}
	}
}

// watchConfig logs configuration file changes. Listener and store settings
// only take effect after a restart.
func watchConfig(ctx context.Context, mgr config.ConfigManager, logger *zap.Logger) {
	changes := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-changes:
			if !ok {
				return
			}
			logger.Info("configuration file changed; restart to apply",
				zap.String("log_level", cfg.Logging.Level),
				zap.Int("http_port", cfg.Server.HTTPPort))
		}
	}
}
