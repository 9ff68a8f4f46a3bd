package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/observability/metrics"
)

func TestResolveConfigDefaults(t *testing.T) {
	cfg, extras, err := resolveConfig(nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Fatalf("concurrency = %d", cfg.WorkerConcurrency)
	}
	if cfg.BackoffBase != time.Second || cfg.BackoffCap != 8*time.Second {
		t.Fatalf("backoff = %v/%v", cfg.BackoffBase, cfg.BackoffCap)
	}
	if extras.metricsAddr != ":9091" {
		t.Fatalf("metrics addr = %q", extras.metricsAddr)
	}
	if extras.outboundRPS != 5 {
		t.Fatalf("outbound rps = %d", extras.outboundRPS)
	}
}

func TestResolveConfigEnvOverrides(t *testing.T) {
	t.Setenv("YTSUBS_WORKER_CONCURRENCY", "12")
	t.Setenv("YTSUBS_WEBHOOK_SECRET", "hush")
	t.Setenv("YTSUBS_OUTBOUND_RPS", "9")

	cfg, extras, err := resolveConfig([]string{"-concurrency", "2"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.WorkerConcurrency != 2 {
		t.Fatalf("concurrency = %d, flag should win", cfg.WorkerConcurrency)
	}
	if cfg.WebhookSecret != "hush" {
		t.Fatalf("webhook secret = %q", cfg.WebhookSecret)
	}
	if extras.outboundRPS != 9 {
		t.Fatalf("outbound rps = %d", extras.outboundRPS)
	}
}

func TestWebhookBackoffStaysDeterministic(t *testing.T) {
	cfg, _, err := resolveConfig(nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	policy := webhookBackoff(cfg)
	if policy.Jitter {
		t.Fatal("webhook redelivery gaps must not be jittered")
	}
	if policy.Base != time.Second || policy.Cap != cfg.BackoffCap {
		t.Fatalf("policy = %+v", policy)
	}
	if policy.Attempts != cfg.WebhookMaxRetries {
		t.Fatalf("attempts = %d", policy.Attempts)
	}
}

func TestBuildDispatcherDisabledWithoutSecret(t *testing.T) {
	cfg, _, err := resolveConfig(nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	dispatcher, err := buildDispatcher(cfg, metrics.New(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("build dispatcher: %v", err)
	}
	if dispatcher != nil {
		t.Fatal("dispatcher should be nil without a secret")
	}

	cfg.WebhookSecret = "hush"
	dispatcher, err = buildDispatcher(cfg, metrics.New(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("build dispatcher: %v", err)
	}
	if dispatcher == nil {
		t.Fatal("dispatcher should be built with a secret")
	}
}

func TestBuildRotatorFromPoolFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.txt")
	if err := os.WriteFile(path, []byte("http://proxy-a:3128\nhttp://proxy-b:3128\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := resolveConfig([]string{"-proxy-pool", path})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	rotator, err := buildRotator(cfg, metrics.New(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("build rotator: %v", err)
	}
	if rotator.Empty() {
		t.Fatal("rotator should have pool members")
	}

	cfg.ProxyPoolPath = filepath.Join(t.TempDir(), "missing.txt")
	if _, err := buildRotator(cfg, metrics.New(), slog.New(slog.NewTextHandler(os.Stderr, nil))); err == nil {
		t.Fatal("missing pool file should error")
	}
}
