// Command worker drains the extraction queue: it runs the engine ladder,
// commits artifacts through the cache tiers, and delivers webhooks. It also
// hosts the reaper and retention sweeper background loops.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/7and1/youtube-subtitle-api/internal/cache"
	"github.com/7and1/youtube-subtitle-api/internal/config"
	"github.com/7and1/youtube-subtitle-api/internal/extract"
	"github.com/7and1/youtube-subtitle-api/internal/kv"
	"github.com/7and1/youtube-subtitle-api/internal/observability/logging"
	"github.com/7and1/youtube-subtitle-api/internal/observability/metrics"
	"github.com/7and1/youtube-subtitle-api/internal/proxy"
	"github.com/7and1/youtube-subtitle-api/internal/queue"
	"github.com/7and1/youtube-subtitle-api/internal/retry"
	"github.com/7and1/youtube-subtitle-api/internal/serverutil"
	"github.com/7and1/youtube-subtitle-api/internal/store"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
	"github.com/7and1/youtube-subtitle-api/internal/webhook"
	"github.com/7and1/youtube-subtitle-api/internal/worker"
)

func main() {
	cfg, extra, err := resolveConfig(os.Args[1:])
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

	rotator, err := buildRotator(cfg, recorder, logger)
	if err != nil {
		logger.Error("failed to load proxy pool", "error", err)
		os.Exit(1)
	}

	extractor, err := extract.New(extract.Config{
		Primary:        &extract.TimedTextEngine{},
		Fallback:       &extract.InnertubeEngine{},
		Titles:         &extract.OEmbedTitles{},
		Rotator:        rotator,
		AttemptTimeout: cfg.ExtractionTimeout,
		Backoff: retry.Policy{
			Attempts: cfg.ExtractionMaxAttempts,
			Base:     cfg.BackoffBase,
			Cap:      cfg.BackoffCap,
			Jitter:   true,
		},
		Throttle:     rate.NewLimiter(rate.Limit(extra.outboundRPS), extra.outboundRPS*2),
		RetentionTTL: cfg.Retention(),
		Logger:       logger,
		Observe:      recorder.ObserveExtraction,
	})
	if err != nil {
		logger.Error("failed to initialise extractor", "error", err)
		os.Exit(1)
	}

	dispatcher, err := buildDispatcher(cfg, recorder, logger)
	if err != nil {
		logger.Error("failed to initialise webhook dispatcher", "error", err)
		os.Exit(1)
	}

	jobTimeout := cfg.ExtractionTimeout * time.Duration(cfg.ExtractionMaxAttempts)
	runtime, err := worker.New(worker.Config{
		Queue:        jobs,
		Coordinator:  coordinator,
		Extractor:    extractor,
		Dispatcher:   dispatcher,
		Archive:      repo,
		Concurrency:  int64(cfg.WorkerConcurrency),
		JobTimeout:   jobTimeout,
		DrainTimeout: cfg.GracefulTimeout,
		Logger:       logger,
		ObserveStart: func(transcript.Job) { recorder.JobStarted() },
		Observe:      recorder.JobFinished,
	})
	if err != nil {
		logger.Error("failed to initialise worker runtime", "error", err)
		os.Exit(1)
	}

	stopReaper := queue.StartReaper(ctx, logger, jobs, 30*time.Second, 2*jobTimeout, cfg.ExtractionMaxAttempts)
	defer stopReaper()
	stopSweeper := store.StartRetentionSweeper(ctx, logger, repo, time.Hour)
	defer stopSweeper()

	go pollQueueDepth(ctx, jobs, recorder)
	go serveMetrics(ctx, extra.metricsAddr, shared, recorder, logger)

	logger.Info("extraction worker starting",
		"concurrency", cfg.WorkerConcurrency,
		"job_timeout", jobTimeout,
		"proxies", !rotator.Empty())
	if err := runtime.Run(ctx); err != nil {
		logger.Error("worker error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

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

func buildRotator(cfg config.Config, recorder *metrics.Recorder, logger *slog.Logger) (*proxy.Rotator, error) {
	pool, err := config.LoadProxyPool(cfg.ProxyPoolPath)
	if err != nil {
		return nil, err
	}
	if len(pool) > 0 {
		logger.Info("proxy pool loaded", "size", len(pool))
	}
	rotator := proxy.NewRotator(pool, cfg.ProxyMaxFailures, cfg.ProxyCooldown)
	rotator.Observe(recorder.ObserveProxyEvent)
	return rotator, nil
}

// buildDispatcher returns nil when no secret is configured, which disables
// webhook delivery entirely.
func buildDispatcher(cfg config.Config, recorder *metrics.Recorder, logger *slog.Logger) (*webhook.Dispatcher, error) {
	if cfg.WebhookSecret == "" {
		logger.Info("no webhook secret configured, deliveries disabled")
		return nil, nil
	}
	return webhook.NewDispatcher(webhook.Config{
		Secret:  cfg.WebhookSecret,
		Timeout: cfg.WebhookTimeout,
		Backoff: webhookBackoff(cfg),
		Logger:  logger,
		Observe: recorder.ObserveWebhook,
	})
}

// webhookBackoff keeps the fixed redelivery schedule: gaps of one second,
// doubling up to the cap, with no jitter. Receivers time replay windows off
// these gaps, so they must stay deterministic.
func webhookBackoff(cfg config.Config) retry.Policy {
	return retry.Policy{
		Attempts: cfg.WebhookMaxRetries,
		Base:     time.Second,
		Cap:      cfg.BackoffCap,
	}
}

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

// serveMetrics exposes /metrics and /healthz on a sidecar listener.
func serveMetrics(ctx context.Context, addr string, shared kv.Store, recorder *metrics.Recorder, logger *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := shared.Ping(r.Context()); err != nil {
			http.Error(w, "degraded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	err := serverutil.Run(ctx, serverutil.Config{
		Server: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	})
	if err != nil {
		logger.Warn("metrics listener stopped", "error", err)
	}
}
