package main

import (
	"flag"

	"github.com/7and1/youtube-subtitle-api/internal/config"
)

// resolveConfig parses the server flag set and applies YTSUBS_* environment
// overrides. Flags win over the environment; the environment wins over
// defaults.
func resolveConfig(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("ytsubs-server", flag.ContinueOnError)

	addr := fs.String("addr", "", "listen address")
	mode := fs.String("mode", "", "runtime mode (development or production)")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	tlsCert := fs.String("tls-cert", "", "TLS certificate file")
	tlsKey := fs.String("tls-key", "", "TLS key file")

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

	ratePerMinute := fs.Int("rate-limit", 0, "sustained requests per minute per principal")
	rateBurst := fs.Int("rate-burst", 0, "burst headroom above the sustained rate")
	rateFailOpen := fs.Bool("rate-fail-open", false, "admit traffic when the bucket store is down")

	extractionTimeout := fs.Duration("extraction-timeout", 0, "per-extraction deadline")
	extractionAttempts := fs.Int("extraction-attempts", 0, "extraction ladder attempts")

	gracefulTimeout := fs.Duration("graceful-timeout", 0, "graceful shutdown deadline")
	adminAPIKey := fs.String("admin-api-key", "", "admin API key (plain or pbkdf2 hash)")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	cfg.Addr = config.String(*addr, "ADDR", cfg.Addr)
	cfg.Mode = config.String(*mode, "MODE", cfg.Mode)
	cfg.LogLevel = config.String(*logLevel, "LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = config.String(*logFormat, "LOG_FORMAT", cfg.LogFormat)
	cfg.TLSCert = config.String(*tlsCert, "TLS_CERT", "")
	cfg.TLSKey = config.String(*tlsKey, "TLS_KEY", "")

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
	cfg.PostgresAppName = config.String("", "POSTGRES_APP_NAME", "ytsubs-server")

	cfg.CacheCapacity = config.Int(*cacheCapacity, "CACHE_CAPACITY", cfg.CacheCapacity)
	cfg.CacheTTL = config.Duration(*cacheTTL, "CACHE_TTL", cfg.CacheTTL)
	cfg.SharedTTL = config.Duration(*sharedTTL, "SHARED_TTL", cfg.SharedTTL)
	cfg.RetentionDays = config.Int(*retentionDays, "RETENTION_DAYS", cfg.RetentionDays)

	cfg.RateLimitPerMinute = config.Int(*ratePerMinute, "RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute)
	cfg.RateLimitBurst = config.Int(*rateBurst, "RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.RateLimitFailOpen = config.Bool(*rateFailOpen, "RATE_LIMIT_FAIL_OPEN", false)

	cfg.ExtractionTimeout = config.Duration(*extractionTimeout, "EXTRACTION_TIMEOUT", cfg.ExtractionTimeout)
	cfg.ExtractionMaxAttempts = config.Int(*extractionAttempts, "EXTRACTION_MAX_ATTEMPTS", cfg.ExtractionMaxAttempts)

	cfg.GracefulTimeout = config.Duration(*gracefulTimeout, "GRACEFUL_TIMEOUT", cfg.GracefulTimeout)
	cfg.AdminAPIKey = config.String(*adminAPIKey, "ADMIN_API_KEY", "")

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
