// Command server starts the subtitle extraction API HTTP service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/admission"
	"github.com/7and1/youtube-subtitle-api/internal/cache"
	"github.com/7and1/youtube-subtitle-api/internal/config"
	"github.com/7and1/youtube-subtitle-api/internal/kv"
	"github.com/7and1/youtube-subtitle-api/internal/observability/logging"
	"github.com/7and1/youtube-subtitle-api/internal/observability/metrics"
	"github.com/7and1/youtube-subtitle-api/internal/queue"
	"github.com/7and1/youtube-subtitle-api/internal/ratelimit"
	"github.com/7and1/youtube-subtitle-api/internal/server"
	"github.com/7and1/youtube-subtitle-api/internal/serverutil"
	"github.com/7and1/youtube-subtitle-api/internal/store"
)

func main() {
	cfg, err := resolveConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shared, err := buildSharedStore(cfg, logger)
	if err != nil {
		logger.Error("failed to initialise shared store", "error", err)
		os.Exit(1)
	}
	defer shared.Close()

	repo, err := buildRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise artifact repository", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.Close(closeCtx); err != nil {
			logger.Warn("failed to close artifact repository", "error", err)
		}
	}()

	coordinator, err := cache.NewCoordinator(cache.Config{
		Local:     cache.NewLRU(cfg.CacheCapacity),
		Shared:    shared,
		Durable:   repo,
		LocalTTL:  cfg.CacheTTL,
		SharedTTL: cfg.SharedTTL,
		Logger:    logger,
		Observe:   recorder.ObserveCacheLookup,
	})
	if err != nil {
		logger.Error("failed to initialise cache coordinator", "error", err)
		os.Exit(1)
	}

	jobs, err := queue.New(queue.Config{Store: shared, Logger: logger})
	if err != nil {
		logger.Error("failed to initialise job queue", "error", err)
		os.Exit(1)
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		Store:   shared,
		Default: ratelimit.Limit{RatePerMinute: cfg.RateLimitPerMinute, Burst: cfg.RateLimitBurst},
		Limits: map[string]ratelimit.Limit{
			// Cached lookups never reach the extraction pipeline, so they
			// get a wider budget.
			admission.EndpointCached: {RatePerMinute: cfg.RateLimitPerMinute * 4, Burst: cfg.RateLimitBurst * 4},
		},
		Policy:  rateLimitPolicy(cfg),
		Logger:  logger,
		Observe: recorder.ObserveRateLimit,
	})
	if err != nil {
		logger.Error("failed to initialise rate limiter", "error", err)
		os.Exit(1)
	}

	orch, err := admission.New(admission.Config{
		Coordinator: coordinator,
		Queue:       jobs,
		Limiter:     limiter,
		Repository:  repo,
		LockTTL:     cfg.ExtractionTimeout * time.Duration(cfg.ExtractionMaxAttempts),
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to initialise admission orchestrator", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(orch, server.Config{
		Addr: cfg.Addr,
		TLS: serverutil.TLSConfig{
			CertFile: cfg.TLSCert,
			KeyFile:  cfg.TLSKey,
		},
		AdminAPIKey: cfg.AdminAPIKey,
		Health: func(ctx context.Context) error {
			if err := shared.Ping(ctx); err != nil {
				return fmt.Errorf("shared store: %w", err)
			}
			if err := repo.Ping(ctx); err != nil {
				return fmt.Errorf("artifact repository: %w", err)
			}
			return nil
		},
		Metrics:         recorder,
		Logger:          logger,
		ShutdownTimeout: cfg.GracefulTimeout,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	go pollQueueDepth(ctx, jobs, recorder)

	logger.Info("subtitle API listening", "addr", cfg.Addr, "mode", cfg.Mode)
	if cfg.TLSCert != "" {
		logger.Info("TLS enabled", "cert_file", cfg.TLSCert)
	}
	if err := srv.Run(ctx, nil); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// buildSharedStore connects the shared cache tier. Outside production a
// missing Redis address degrades to the in-process store so the service
// still runs, with single-node semantics.
func buildSharedStore(cfg config.Config, logger *slog.Logger) (kv.Store, error) {
	if cfg.RedisAddr == "" && len(cfg.RedisAddrs) == 0 {
		logger.Warn("no Redis address configured, using in-process store")
		return kv.NewMemoryStore(), nil
	}
	return kv.NewRedisStore(kv.RedisConfig{
		Addr:         cfg.RedisAddr,
		Addrs:        cfg.RedisAddrs,
		Username:     cfg.RedisUsername,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		MasterName:   cfg.RedisMasterName,
		DialTimeout:  cfg.RedisTimeout,
		ReadTimeout:  cfg.RedisTimeout,
		WriteTimeout: cfg.RedisTimeout,
		PoolSize:     cfg.RedisPoolSize,
		TLS: kv.RedisTLSConfig{
			CAFile:             cfg.RedisTLSCA,
			CertFile:           cfg.RedisTLSCert,
			KeyFile:            cfg.RedisTLSKey,
			ServerName:         cfg.RedisTLSServerName,
			InsecureSkipVerify: cfg.RedisTLSSkipVerify,
		},
	})
}

// buildRepository opens the durable tier, falling back to the in-memory
// repository when no DSN is configured.
func buildRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, error) {
	if cfg.PostgresDSN == "" {
		logger.Warn("no Postgres DSN configured, using in-memory repository")
		return store.NewMemoryRepository(), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.PostgresConnectTimeout)
	defer cancel()
	return store.NewPostgresRepository(connectCtx, store.PostgresConfig{
		DSN:                 cfg.PostgresDSN,
		MaxConnections:      int32(cfg.PostgresMaxConns),
		MinConnections:      int32(cfg.PostgresMinConns),
		MaxConnLifetime:     cfg.PostgresMaxConnLifetime,
		MaxConnIdleTime:     cfg.PostgresMaxConnIdle,
		HealthCheckInterval: cfg.PostgresHealthInterval,
		ConnectTimeout:      cfg.PostgresConnectTimeout,
		ApplicationName:     cfg.PostgresAppName,
	})
}

func rateLimitPolicy(cfg config.Config) ratelimit.Policy {
	if cfg.RateLimitFailOpen {
		return ratelimit.FailOpen
	}
	return ratelimit.FailClosed
}

// pollQueueDepth keeps the queue depth gauge current.
func pollQueueDepth(ctx context.Context, jobs *queue.Queue, recorder *metrics.Recorder) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := jobs.Depth(ctx); err == nil {
				recorder.SetQueueDepth(depth)
			}
		}
	}
}
