package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/kv"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

func testLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	if cfg.Store == nil {
		store := kv.NewMemoryStore()
		t.Cleanup(func() { store.Close() })
		cfg.Store = store
	}
	if cfg.Default.RatePerMinute == 0 {
		cfg.Default = Limit{RatePerMinute: 10, Burst: 2}
	}
	limiter, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return limiter
}

func TestAllowSpendsCapacityThenDenies(t *testing.T) {
	limiter := testLimiter(t, Config{Default: Limit{RatePerMinute: 3, Burst: 1}})
	current := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return current }
	ctx := context.Background()

	// Capacity is rate + burst = 4.
	for i := 0; i < 4; i++ {
		decision, err := limiter.Allow(ctx, "alice", "single")
		if err != nil {
			t.Fatal(err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	decision, err := limiter.Allow(ctx, "alice", "single")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Allowed {
		t.Fatal("expected denial once capacity is spent")
	}
	if decision.RetryAfter < time.Second {
		t.Fatalf("retry-after = %v", decision.RetryAfter)
	}
	if decision.Limit != 3 {
		t.Fatalf("limit = %d", decision.Limit)
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	limiter := testLimiter(t, Config{Default: Limit{RatePerMinute: 60, Burst: 0}})
	current := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return current }
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		if d, _ := limiter.Allow(ctx, "bob", "single"); !d.Allowed {
			t.Fatalf("request %d denied before bucket drained", i)
		}
	}
	if d, _ := limiter.Allow(ctx, "bob", "single"); d.Allowed {
		t.Fatal("bucket should be empty")
	}

	// 60/min refills one token per second.
	current = current.Add(2 * time.Second)
	decision, err := limiter.Allow(ctx, "bob", "single")
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Allowed {
		t.Fatal("expected refill to admit the request")
	}
}

func TestPrincipalsAndEndpointsAreIsolated(t *testing.T) {
	limiter := testLimiter(t, Config{
		Default: Limit{RatePerMinute: 1, Burst: 0},
		Limits:  map[string]Limit{"batch": {RatePerMinute: 5, Burst: 0}},
	})
	ctx := context.Background()

	if d, _ := limiter.Allow(ctx, "alice", "single"); !d.Allowed {
		t.Fatal("first request should pass")
	}
	if d, _ := limiter.Allow(ctx, "alice", "single"); d.Allowed {
		t.Fatal("alice/single should be drained")
	}
	// Different endpoint class uses its own bucket and budget.
	if d, _ := limiter.Allow(ctx, "alice", "batch"); !d.Allowed {
		t.Fatal("alice/batch should have its own bucket")
	}
	if d, _ := limiter.Allow(ctx, "carol", "single"); !d.Allowed {
		t.Fatal("carol should have her own bucket")
	}
}

type downStore struct {
	kv.Store
}

func (downStore) Get(context.Context, string) (string, bool, error) {
	return "", false, kv.ErrUnavailable
}

func TestOutagePolicyFailOpen(t *testing.T) {
	limiter := testLimiter(t, Config{
		Store:   downStore{},
		Default: Limit{RatePerMinute: 1},
		Policy:  FailOpen,
	})
	decision, err := limiter.Allow(context.Background(), "alice", "single")
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Allowed {
		t.Fatal("fail-open must admit during an outage")
	}
}

func TestOutagePolicyFailClosed(t *testing.T) {
	limiter := testLimiter(t, Config{
		Store:   downStore{},
		Default: Limit{RatePerMinute: 1},
		Policy:  FailClosed,
	})
	_, err := limiter.Allow(context.Background(), "alice", "single")
	if err == nil {
		t.Fatal("fail-closed must reject during an outage")
	}
	if kind := transcript.KindOf(err); kind != transcript.KindServiceUnavailable {
		t.Fatalf("error kind = %s", kind)
	}
}

func TestStatsAndReset(t *testing.T) {
	limiter := testLimiter(t, Config{Default: Limit{RatePerMinute: 10, Burst: 0}})
	ctx := context.Background()

	limiter.Allow(ctx, "alice", "single")
	limiter.Allow(ctx, "alice", "batch")
	limiter.Allow(ctx, "bob", "single")

	states, err := limiter.Stats(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 {
		t.Fatalf("stats returned %d buckets", len(states))
	}

	removed, err := limiter.Reset(ctx, "alice")
	if err != nil || removed != 2 {
		t.Fatalf("reset = %d %v", removed, err)
	}
	states, _ = limiter.Stats(ctx, "alice")
	if len(states) != 0 {
		t.Fatal("buckets survived reset")
	}
	// Bob's bucket is untouched.
	states, _ = limiter.Stats(ctx, "bob")
	if len(states) != 1 {
		t.Fatal("reset removed an unrelated principal's bucket")
	}
}

func TestCorruptBucketRebuilds(t *testing.T) {
	store := kv.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	limiter := testLimiter(t, Config{Store: store, Default: Limit{RatePerMinute: 5, Burst: 0}})
	ctx := context.Background()

	store.Set(ctx, kv.RateLimitKey("alice", "single"), "garbage", time.Minute)
	decision, err := limiter.Allow(ctx, "alice", "single")
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Allowed {
		t.Fatal("corrupt bucket should rebuild full and admit")
	}
}
