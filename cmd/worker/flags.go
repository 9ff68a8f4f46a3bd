package main

import (
	"flag"
	"fmt"

	"github.com/7and1/youtube-subtitle-api/internal/config"
)

// workerExtras holds settings that only the worker binary needs.
type workerExtras struct {
	metricsAddr string
	outboundRPS int
}

// resolveConfig parses the worker flag set and applies YTSUBS_* environment
// overrides. Flags win over the environment; the environment wins over
// defaults.
func resolveConfig(args []string) (config.Config, workerExtras, error) {
	fs := flag.NewFlagSet("ytsubs-worker", flag.ContinueOnError)

	mode := fs.String("mode", "", "runtime mode (development or production)")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")

	redisAddr := fs.String("redis-addr", "", "Redis address for the shared tier")
	redisAddrs := fs.String("redis-addrs", "", "comma-separated Redis addresses")
	redisUsername := fs.String("redis-username", "", "Redis username")
	redisPassword := fs.String("redis-password", "", "Redis password")
	redisMaster := fs.String("redis-master-name", "", "Redis sentinel master name")
	redisDB := fs.Int("redis-db", 0, "Redis database index")
	redisPoolSize := fs.Int("redis-pool-size", 0, "Redis connection pool size")
	redisTimeout := fs.Duration("redis-timeout", 0, "Redis operation timeout")
	redisTLSCA := fs.String("redis-tls-ca", "", "Redis TLS CA file")
	redisTLSCert := fs.String("redis-tls-cert", "", "Redis TLS client certificate")
	redisTLSKey := fs.String("redis-tls-key", "", "Redis TLS client key")
	redisTLSServerName := fs.String("redis-tls-server-name", "", "Redis TLS server name")
	redisTLSSkipVerify := fs.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")

	postgresDSN := fs.String("postgres-dsn", "", "Postgres DSN for the durable tier")
	postgresMaxConns := fs.Int("postgres-max-conns", 0, "Postgres pool max connections")
	postgresMinConns := fs.Int("postgres-min-conns", 0, "Postgres pool min connections")

	cacheCapacity := fs.Int("cache-capacity", 0, "in-process cache entry capacity")
	cacheTTL := fs.Duration("cache-ttl", 0, "in-process cache TTL")
	sharedTTL := fs.Duration("shared-ttl", 0, "shared cache TTL")
	retentionDays := fs.Int("retention-days", 0, "durable artifact retention in days")

	extractionTimeout := fs.Duration("extraction-timeout", 0, "per-attempt extraction deadline")
	extractionAttempts := fs.Int("extraction-attempts", 0, "extraction ladder attempts")
	backoffBase := fs.Duration("backoff-base", 0, "retry backoff base delay")
	backoffCap := fs.Duration("backoff-cap", 0, "retry backoff delay cap")

	concurrency := fs.Int("concurrency", 0, "simultaneous extractions")
	gracefulTimeout := fs.Duration("graceful-timeout", 0, "graceful shutdown deadline")

	webhookSecret := fs.String("webhook-secret", "", "HMAC secret for webhook signatures")
	webhookTimeout := fs.Duration("webhook-timeout", 0, "per-delivery webhook deadline")
	webhookRetries := fs.Int("webhook-retries", 0, "webhook delivery attempts")

	proxyPool := fs.String("proxy-pool", "", "path to proxy pool file, one URL per line")
	proxyMaxFailures := fs.Int("proxy-max-failures", 0, "failures before a proxy is benched")
	proxyCooldown := fs.Duration("proxy-cooldown", 0, "bench duration for a failing proxy")

	metricsAddr := fs.String("metrics-addr", "", "metrics listener address")
	outboundRPS := fs.Int("outbound-rps", 0, "outbound request rate cap across extractions")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, workerExtras{}, err
	}

	cfg := config.Default()
	cfg.Mode = config.String(*mode, "MODE", cfg.Mode)
	cfg.LogLevel = config.String(*logLevel, "LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = config.String(*logFormat, "LOG_FORMAT", cfg.LogFormat)

	cfg.RedisAddr = config.String(*redisAddr, "REDIS_ADDR", "")
	cfg.RedisAddrs = config.List(*redisAddrs, "REDIS_ADDRS")
	cfg.RedisUsername = config.String(*redisUsername, "REDIS_USERNAME", "")
	cfg.RedisPassword = config.String(*redisPassword, "REDIS_PASSWORD", "")
	cfg.RedisMasterName = config.String(*redisMaster, "REDIS_MASTER_NAME", "")
	cfg.RedisDB = config.Int(*redisDB, "REDIS_DB", 0)
	cfg.RedisPoolSize = config.Int(*redisPoolSize, "REDIS_POOL_SIZE", 0)
	cfg.RedisTimeout = config.Duration(*redisTimeout, "REDIS_TIMEOUT", cfg.RedisTimeout)
	cfg.RedisTLSCA = config.String(*redisTLSCA, "REDIS_TLS_CA", "")
	cfg.RedisTLSCert = config.String(*redisTLSCert, "REDIS_TLS_CERT", "")
	cfg.RedisTLSKey = config.String(*redisTLSKey, "REDIS_TLS_KEY", "")
	cfg.RedisTLSServerName = config.String(*redisTLSServerName, "REDIS_TLS_SERVER_NAME", "")
	cfg.RedisTLSSkipVerify = config.Bool(*redisTLSSkipVerify, "REDIS_TLS_SKIP_VERIFY", false)

	cfg.PostgresDSN = config.String(*postgresDSN, "POSTGRES_DSN", "")
	cfg.PostgresMaxConns = config.Int(*postgresMaxConns, "POSTGRES_MAX_CONNS", 0)
	cfg.PostgresMinConns = config.Int(*postgresMinConns, "POSTGRES_MIN_CONNS", 0)
	cfg.PostgresAppName = config.String("", "POSTGRES_APP_NAME", "ytsubs-worker")

	cfg.CacheCapacity = config.Int(*cacheCapacity, "CACHE_CAPACITY", cfg.CacheCapacity)
	cfg.CacheTTL = config.Duration(*cacheTTL, "CACHE_TTL", cfg.CacheTTL)
	cfg.SharedTTL = config.Duration(*sharedTTL, "SHARED_TTL", cfg.SharedTTL)
	cfg.RetentionDays = config.Int(*retentionDays, "RETENTION_DAYS", cfg.RetentionDays)

	cfg.ExtractionTimeout = config.Duration(*extractionTimeout, "EXTRACTION_TIMEOUT", cfg.ExtractionTimeout)
	cfg.ExtractionMaxAttempts = config.Int(*extractionAttempts, "EXTRACTION_MAX_ATTEMPTS", cfg.ExtractionMaxAttempts)
	cfg.BackoffBase = config.Duration(*backoffBase, "BACKOFF_BASE", cfg.BackoffBase)
	cfg.BackoffCap = config.Duration(*backoffCap, "BACKOFF_CAP", cfg.BackoffCap)

	cfg.WorkerConcurrency = config.Int(*concurrency, "WORKER_CONCURRENCY", cfg.WorkerConcurrency)
	cfg.GracefulTimeout = config.Duration(*gracefulTimeout, "GRACEFUL_TIMEOUT", cfg.GracefulTimeout)

	cfg.WebhookSecret = config.String(*webhookSecret, "WEBHOOK_SECRET", "")
	cfg.WebhookTimeout = config.Duration(*webhookTimeout, "WEBHOOK_TIMEOUT", cfg.WebhookTimeout)
	cfg.WebhookMaxRetries = config.Int(*webhookRetries, "WEBHOOK_MAX_RETRIES", cfg.WebhookMaxRetries)

	cfg.ProxyPoolPath = config.String(*proxyPool, "PROXY_POOL_PATH", "")
	cfg.ProxyMaxFailures = config.Int(*proxyMaxFailures, "PROXY_MAX_FAILURES", cfg.ProxyMaxFailures)
	cfg.ProxyCooldown = config.Duration(*proxyCooldown, "PROXY_COOLDOWN", cfg.ProxyCooldown)

	extras := workerExtras{
		metricsAddr: config.String(*metricsAddr, "WORKER_METRICS_ADDR", ":9091"),
		outboundRPS: config.Int(*outboundRPS, "OUTBOUND_RPS", 5),
	}
	if extras.outboundRPS <= 0 {
		return config.Config{}, workerExtras{}, fmt.Errorf("outbound rps must be positive")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, workerExtras{}, err
	}
	return cfg, extras, nil
}
