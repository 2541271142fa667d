// Package main is the entry point for the flowd workflow server.
// It wires all dependencies together and starts the HTTP server.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/objectql/flowcore/internal/config"
	"github.com/objectql/flowcore/internal/definition"
	"github.com/objectql/flowcore/internal/flow"
	"github.com/objectql/flowcore/internal/fsm"
	"github.com/objectql/flowcore/internal/observability"
	"github.com/objectql/flowcore/internal/storage"
	"github.com/objectql/flowcore/internal/task"
	"github.com/objectql/flowcore/internal/transport"
	"github.com/objectql/flowcore/internal/workflow"
	"github.com/objectql/flowcore/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "flowd", version)
	if err != nil {
		logger.Fatal("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load definitions, validate, build registry.
	loader := definition.NewLoader(
		definition.WithStrictChecksums(cfg.Definitions.StrictChecksums))
	defs, err := loader.LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Fatal("definition loading failed", zap.Error(err))
		return 1
	}

	validator := definition.NewValidator()
	verrs := validator.Validate(defs)
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		logger.Fatal("definition validation failed", zap.Int("errors", len(verrs)))
		return 1
	}

	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	// Step 5: Initialize storage.
	store, storeCloser, err := buildStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("storage initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Build execution engines.
	fsmEngine := fsm.NewEngine(
		fsm.WithLogger(logger),
		fsm.WithMetrics(metrics),
	)
	flowEngine := flow.NewEngine(
		flow.WithLogger(logger),
		flow.WithMetrics(metrics),
		flow.WithMaxNodes(cfg.Engine.MaxNodesPerRun),
		flow.WithStrictHandlers(cfg.Engine.StrictHandlers),
	)
	flowEngine.RegisterHandler(model.NodeHTTPRequest,
		flow.NewHTTPRequestHandler(&http.Client{Timeout: 30 * time.Second}))

	// Step 7: Build services.
	var taskOpts []task.Option
	if cfg.Tasks.DefaultDue > 0 {
		taskOpts = append(taskOpts, task.WithDefaultDue(cfg.Tasks.DefaultDue))
	}
	tasks := task.NewService(store, taskOpts...)

	workflows := workflow.NewService(registry, store, fsmEngine, flowEngine,
		workflow.WithLogger(logger))

	// Step 8: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL,
		transport.WithJWKSLogger(logger))

	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readinessChecks.Store = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Workflows:    workflows,
		Tasks:        tasks,
		Health:       observability.HandleHealth(),
		Ready:        observability.HandleReady(readinessChecks),
		Metrics:      observability.Handler(),
	})

	// Wrap router with metrics and tracing middleware.
	handler := metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Tasks.SweepInterval > 0 {
		sweeper := task.NewSweeper(tasks, store, cfg.Tasks.SweepInterval,
			cfg.Tasks.EscalationTarget, logger, metrics)
		go sweeper.Run(bgCtx)
	}

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", registry.Len()),
		zap.String("storage", cfg.Storage.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel background tasks, then close the store.
	bgCancel()
	if storeCloser != nil {
		storeCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore creates the persistence backend based on config.
func buildStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory store")
		return storage.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.Postgres.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("storage: %s environment variable not set", cfg.Postgres.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		poolCfg.MinConns = int32(cfg.Postgres.MinConns)
		poolCfg.MaxConnLifetime = cfg.Postgres.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: connect: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("storage: ping: %w", err)
		}

		return storage.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}
