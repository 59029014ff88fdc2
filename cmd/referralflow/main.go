// Package main is the entry point for the referralflow server.
// It wires all dependencies together, starts the ops HTTP server, and runs
// the background sweep and job-runner loops.
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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/civiclegal/referralflow/internal/config"
	"github.com/civiclegal/referralflow/internal/definition"
	"github.com/civiclegal/referralflow/internal/jobs"
	"github.com/civiclegal/referralflow/internal/notify"
	"github.com/civiclegal/referralflow/internal/observability"
	"github.com/civiclegal/referralflow/internal/sweeplock"
	"github.com/civiclegal/referralflow/internal/transport"
	"github.com/civiclegal/referralflow/internal/workflow"
	"github.com/civiclegal/referralflow/model"
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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "referralflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load workflow definitions, validate, build registry.
	loader := definition.NewLoader()
	defs, err := loader.LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	validator := definition.NewValidator()
	verrs := validator.Validate(defs)
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		return 1
	}

	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(registry.Count()))

	// Step 5: Initialize stores.
	pool, poolCloser, err := buildPool(ctx, cfg.Store)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	if poolCloser != nil {
		defer poolCloser()
	}

	var (
		instances workflow.InstanceStore
		nstore    notify.Store
		jstore    jobs.Store
	)
	if pool != nil {
		instances = workflow.NewPgInstanceStore(pool)
		nstore = notify.NewPgStore(pool)
		jstore = jobs.NewPgStore(pool)
		logger.Info("using postgres stores")
	} else {
		instances = workflow.NewMemoryInstanceStore()
		nstore = notify.NewMemoryStore()
		jstore = jobs.NewMemoryStore()
		logger.Info("using in-memory stores")
	}

	// Step 6: Initialize the sweep/runner lease.
	lock, lockCloser, err := buildLock(ctx, cfg.Lock, logger)
	if err != nil {
		logger.Error("lock initialization failed", zap.Error(err))
		return 1
	}
	if lockCloser != nil {
		defer lockCloser()
	}

	// Step 7: Build the notification pipeline.
	signingKey := os.Getenv(cfg.Links.SigningKeyEnv)
	if signingKey == "" {
		logger.Error("link signing key not set", zap.String("env", cfg.Links.SigningKeyEnv))
		return 1
	}
	links := notify.NewLinks(cfg.Links.BaseURL, []byte(signingKey), cfg.Links.TTL)

	mailer := notify.NewAPIMailer(cfg.Mailer)
	directory := model.NewMemoryDirectory()

	dispatcher := notify.NewDispatcher(
		nstore, instances, registry, directory, mailer, links,
		jstore, cfg.Sweep.SendHour, logger, metrics,
	)
	engine := workflow.NewEngine(registry, instances, dispatcher, logger, metrics)
	sweeper := notify.NewSweeper(
		registry, engine, dispatcher, directory,
		cfg.Sweep.MaxConcurrentBatches, logger, metrics,
	)

	runner := jobs.NewRunner(jstore, cfg.Jobs.ClaimLimit, logger, metrics)
	runner.Register(notify.DeferredSendFunction, dispatcher.DeferredSend)

	// Step 8: Build the HTTP router.
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Count() > 0 },
	}
	if hc, ok := instances.(observability.HealthChecker); ok {
		readiness.InstanceStore = hc
	}
	if hc, ok := nstore.(observability.HealthChecker); ok {
		readiness.NotificationStore = hc
	}
	if hc, ok := jstore.(observability.HealthChecker); ok {
		readiness.JobStore = hc
	}
	if hc, ok := lock.(observability.HealthChecker); ok {
		readiness.SweepLock = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Logger:    logger,
		Metrics:   metrics,
		Sweeper:   sweeper,
		Runner:    runner,
		JobStore:  jstore,
		Lock:      lock,
		LockTTL:   cfg.Lock.TTL,
		Readiness: readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start background loops.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go runSweepLoop(bgCtx, sweeper, lock, cfg.Sweep.Interval, cfg.Lock.TTL, logger)
	go runJobLoop(bgCtx, runner, lock, cfg.Jobs.RunnerInterval, cfg.Lock.TTL, logger)

	// Step 10: Start the HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", registry.Count()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildPool creates a pgx pool when the store driver is postgres. A nil
// pool means the in-memory stores should be used.
func buildPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, func(), error) {
	if cfg.Driver == "memory" {
		return nil, nil, nil
	}

	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, pool.Close, nil
}

// buildLock creates the cross-process lease based on config.
func buildLock(ctx context.Context, cfg config.LockConfig, logger *zap.Logger) (sweeplock.Lock, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-process sweep lock")
		return sweeplock.NewMemoryLock(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("lock: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("lock: redis ping: %w", err)
		}
		return sweeplock.NewRedisLock(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("lock: unsupported driver %q", cfg.Driver)
	}
}

// runSweepLoop runs the overdue-notification sweep on a fixed interval.
// Ticks are serialized across replicas by the shared lease.
func runSweepLoop(ctx context.Context, sweeper *notify.Sweeper, lock sweeplock.Lock, interval, ttl time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runWithLease(ctx, lock, transport.SweepLease, ttl, logger, func(ctx context.Context) error {
				_, err := sweeper.RunSweep(ctx, time.Now().UTC())
				return err
			})
		}
	}
}

// runJobLoop claims and executes due scheduled jobs on a fixed interval.
func runJobLoop(ctx context.Context, runner *jobs.Runner, lock sweeplock.Lock, interval, ttl time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runWithLease(ctx, lock, transport.RunnerLease, ttl, logger, func(ctx context.Context) error {
				_, err := runner.RunDue(ctx, time.Now().UTC())
				return err
			})
		}
	}
}

func runWithLease(ctx context.Context, lock sweeplock.Lock, name string, ttl time.Duration, logger *zap.Logger, fn func(context.Context) error) {
	acquired, err := lock.Acquire(ctx, name, ttl)
	if err != nil {
		logger.Warn("lease acquire failed", zap.String("lease", name), zap.Error(err))
		return
	}
	if !acquired {
		logger.Debug("lease held elsewhere, skipping tick", zap.String("lease", name))
		return
	}
	defer func() {
		if err := lock.Release(ctx, name); err != nil {
			logger.Warn("lease release failed", zap.String("lease", name), zap.Error(err))
		}
	}()

	if err := fn(ctx); err != nil {
		logger.Error("background tick failed", zap.String("lease", name), zap.Error(err))
	}
}
