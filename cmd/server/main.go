package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/config"
	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
	_ "github.com/bloodyteeths/mkfakturi-sub002/internal/core/entities" // Register entity kinds
	"github.com/bloodyteeths/mkfakturi-sub002/internal/csvsource"
	"github.com/bloodyteeths/mkfakturi-sub002/internal/lease"
	"github.com/bloodyteeths/mkfakturi-sub002/internal/logging"
	"github.com/bloodyteeths/mkfakturi-sub002/internal/seed"
	"github.com/bloodyteeths/mkfakturi-sub002/internal/store/postgres"
	"github.com/bloodyteeths/mkfakturi-sub002/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"max_concurrent_jobs", cfg.Import.MaxConcurrentJobs,
		"workers", cfg.Import.Workers,
		"redis_leases", cfg.Redis.URL != "",
	)

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}

	// Apply pool configuration from config
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	// Connect to database
	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		dbName := strings.TrimPrefix(u.Path, "/")
		slog.Info("connected to database", "name", dbName)
	} else {
		slog.Info("connected to database")
	}

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	store := postgres.New(pool)

	if cfg.Import.SeedRules {
		if _, err := seed.Apply(ctx, store); err != nil {
			slog.Error("failed to seed mapping rules", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("entity kinds registered", "count", core.KindCount())

	health := map[string]web.HealthCheck{"postgres": pool.Ping}

	// Leases: Redis when configured, advisory locks otherwise
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("failed to parse redis URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("failed to ping redis", "error", err)
			os.Exit(1)
		}
		health["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	leaseDB := stdlib.OpenDBFromPool(pool)
	defer leaseDB.Close()

	orchestrator := core.NewOrchestrator(core.Dependencies{
		Jobs:    store,
		Staging: store,
		Rules:   store,
		Logs:    store,
		Tenants: store,
		Live:    store,
		Leases:  lease.NewProvider(redisClient, leaseDB),
		Source:  csvsource.New(),
	}, core.OrchestratorConfig{
		Workers:             cfg.Import.Workers,
		BatchSize:           cfg.Import.BatchSize,
		CommitBatchSize:     cfg.Import.CommitBatchSize,
		LeaseTTL:            cfg.Import.LeaseTTL,
		PhaseTimeout:        cfg.Import.PhaseTimeout,
		MinThroughput:       cfg.Import.MinThroughput,
		AbortOnPhaseTimeout: cfg.Import.AbortOnPhaseTimeout,
		StrictUnmapped:      cfg.Import.StrictUnmapped,
		HeuristicMapping:    cfg.Import.HeuristicMapping,
		DefaultStrategy:     core.DuplicateStrategy(cfg.Import.DuplicateStrategy),
		DefaultCurrency:     cfg.Import.DefaultCurrency,
		LogRetention:        time.Duration(cfg.Retention.LogRetentionDays) * 24 * time.Hour,
		AuditRetentionYears: cfg.Retention.AuditRetentionYears,
	})

	limiter := core.NewJobLimiter(cfg.Import.MaxConcurrentJobs, cfg.Import.MaxWaitTime)
	dispatcher := core.NewDispatcher(store, orchestrator, limiter, cfg.Import.PollInterval, cfg.Import.LeaseTTL)
	retention := core.NewRetentionScheduler(store, store, core.RetentionConfig{
		StagingPurgeDays: cfg.Retention.StagingPurgeDays,
		BatchSize:        cfg.Retention.BatchSize,
		CheckInterval:    cfg.Retention.CheckInterval,
	})

	// Create server with config
	server := web.NewServer(orchestrator, limiter, health, cfg)

	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		dispatcher.Start(jobCtx)
	}()
	go func() {
		defer background.Done()
		retention.Start(jobCtx)
	}()

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop accepting requests first so no new jobs are created
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		// Running jobs stop at their next batch boundary and resume
		// on another worker once their lease lapses
		cancelJobs()
		if status := limiter.Status(); status.Active > 0 {
			slog.Info("waiting for import jobs to stop", "active", status.Active)
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("import jobs did not stop in time", "error", err)
			} else {
				slog.Info("all import jobs stopped")
			}
		}
		background.Wait()
		dispatcher.Wait()
	}()

	// Start server (uses addr from config internally)
	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
	slog.Info("server stopped")
}
