package main

import (
	"testing"
	"time"
)

func TestResolveConfigDefaults(t *testing.T) {
	cfg, err := resolveConfig(nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.Mode != "development" {
		t.Fatalf("mode = %q", cfg.Mode)
	}
	if cfg.RateLimitPerMinute != 30 || cfg.RateLimitBurst != 5 {
		t.Fatalf("rate limit = %d/%d", cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	}
	if cfg.ExtractionTimeout != 30*time.Second {
		t.Fatalf("extraction timeout = %v", cfg.ExtractionTimeout)
	}
}

func TestResolveConfigFlagBeatsEnv(t *testing.T) {
	t.Setenv("YTSUBS_ADDR", ":9999")
	t.Setenv("YTSUBS_CACHE_CAPACITY", "64")

	cfg, err := resolveConfig([]string{"-addr", ":7000"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("addr = %q, flag should win", cfg.Addr)
	}
	if cfg.CacheCapacity != 64 {
		t.Fatalf("cache capacity = %d, env should win over default", cfg.CacheCapacity)
	}
}

func TestResolveConfigProductionRequiresBackends(t *testing.T) {
	if _, err := resolveConfig([]string{"-mode", "production"}); err == nil {
		t.Fatal("production mode without backends should fail validation")
	}

	cfg, err := resolveConfig([]string{
		"-mode", "production",
		"-redis-addr", "127.0.0.1:6379",
		"-postgres-dsn", "postgres://ytsubs@localhost/ytsubs",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Mode != "production" {
		t.Fatalf("mode = %q", cfg.Mode)
	}
}

func TestRateLimitPolicySelection(t *testing.T) {
	cfg, err := resolveConfig(nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := rateLimitPolicy(cfg); got != "fail_closed" {
		t.Fatalf("default policy = %q", got)
	}
	cfg.RateLimitFailOpen = true
	if got := rateLimitPolicy(cfg); got != "fail_open" {
		t.Fatalf("fail-open policy = %q", got)
	}
}
