// Package config holds the configuration surface shared by the server and
// worker binaries, plus the flag/env resolution helpers the entrypoints
// use. Flags win over environment variables; environment variables win
// over defaults.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is the prefix for every environment override.
const EnvPrefix = "YTSUBS_"

// Config is the resolved runtime configuration.
type Config struct {
	Addr      string
	Mode      string
	LogLevel  string
	LogFormat string
	TLSCert   string
	TLSKey    string

	RedisAddr          string
	RedisAddrs         []string
	RedisUsername      string
	RedisPassword      string
	RedisMasterName    string
	RedisDB            int
	RedisPoolSize      int
	RedisTimeout       time.Duration
	RedisTLSCA         string
	RedisTLSCert       string
	RedisTLSKey        string
	RedisTLSServerName string
	RedisTLSSkipVerify bool

	PostgresDSN             string
	PostgresMaxConns        int
	PostgresMinConns        int
	PostgresMaxConnLifetime time.Duration
	PostgresMaxConnIdle     time.Duration
	PostgresHealthInterval  time.Duration
	PostgresConnectTimeout  time.Duration
	PostgresAppName         string

	CacheCapacity int
	CacheTTL      time.Duration
	SharedTTL     time.Duration
	RetentionDays int

	RateLimitPerMinute int
	RateLimitBurst     int
	RateLimitFailOpen  bool

	ExtractionTimeout     time.Duration
	ExtractionMaxAttempts int
	BackoffBase           time.Duration
	BackoffCap            time.Duration

	WorkerConcurrency int
	GracefulTimeout   time.Duration

	WebhookTimeout    time.Duration
	WebhookMaxRetries int
	WebhookSecret     string

	ProxyPoolPath    string
	ProxyMaxFailures int
	ProxyCooldown    time.Duration

	AdminAPIKey string
}

// Default returns the built-in defaults before flag and env resolution.
func Default() Config {
	return Config{
		Addr:      ":8080",
		Mode:      "development",
		LogLevel:  "info",
		LogFormat: "json",

		RedisTimeout: 2 * time.Second,

		PostgresConnectTimeout: 5 * time.Second,

		CacheCapacity: 1024,
		CacheTTL:      10 * time.Minute,
		SharedTTL:     24 * time.Hour,
		RetentionDays: 30,

		RateLimitPerMinute: 30,
		RateLimitBurst:     5,

		ExtractionTimeout:     30 * time.Second,
		ExtractionMaxAttempts: 4,
		BackoffBase:           time.Second,
		BackoffCap:            8 * time.Second,

		WorkerConcurrency: 4,
		GracefulTimeout:   10 * time.Second,

		WebhookTimeout:    10 * time.Second,
		WebhookMaxRetries: 3,

		ProxyMaxFailures: 3,
		ProxyCooldown:    time.Minute,
	}
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate limit per minute must be positive")
	}
	if c.ExtractionTimeout <= 0 {
		return fmt.Errorf("extraction timeout must be positive")
	}
	if c.Mode == "production" {
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("production mode requires a Postgres DSN")
		}
		if strings.TrimSpace(c.RedisAddr) == "" && len(c.RedisAddrs) == 0 {
			return fmt.Errorf("production mode requires a Redis address")
		}
	}
	return nil
}

// Retention converts the day-based retention setting to a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// String resolves a string setting: flag value, then YTSUBS_<key>, then
// fallback.
func String(flagValue, key, fallback string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + key)); v != "" {
		return v
	}
	return fallback
}

// Int resolves an integer setting from flag, env, or fallback.
func Int(flagValue int, key string, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(EnvPrefix + key); env != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return v
		}
	}
	return fallback
}

// Bool resolves a boolean setting. A set flag wins; otherwise the env var
// is parsed when present.
func Bool(flagValue bool, key string, fallback bool) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(EnvPrefix + key); ok {
		if v, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return v
		}
	}
	return fallback
}

// Duration resolves a duration setting from flag, env, or fallback.
func Duration(flagValue time.Duration, key string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(EnvPrefix + key); env != "" {
		if v, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return v
		}
	}
	return fallback
}

// List resolves a comma-separated setting into trimmed entries.
func List(flagValue, key string) []string {
	raw := String(flagValue, key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// LoadProxyPool reads one proxy URL per line, skipping blanks and comment
// lines. A missing path yields an empty pool.
func LoadProxyPool(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxy pool: %w", err)
	}
	defer file.Close()

	var proxies []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		proxies = append(proxies, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxy pool: %w", err)
	}
	return proxies, nil
}
