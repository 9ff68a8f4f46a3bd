// Package ratelimit implements per-principal token buckets on the shared
// key/value tier. Buckets are lazily created, refill continuously, and
// expire on their own shortly after going idle, so a quiet principal costs
// nothing.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/kv"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// Policy decides what happens when the bucket store is unreachable.
type Policy string

const (
	// FailOpen admits traffic during a store outage.
	FailOpen Policy = "fail_open"
	// FailClosed rejects traffic during a store outage.
	FailClosed Policy = "fail_closed"
)

// Limit describes one endpoint class: RatePerMinute sustained requests with
// Burst extra headroom. Capacity is RatePerMinute + Burst.
type Limit struct {
	RatePerMinute int
	Burst         int
}

func (l Limit) capacity() float64 { return float64(l.RatePerMinute + l.Burst) }

func (l Limit) refillPerSecond() float64 { return float64(l.RatePerMinute) / 60 }

// Config wires a Limiter. Store is required; Limits maps endpoint classes
// to their budgets and Default covers classes without an entry.
type Config struct {
	Store   kv.Store
	Default Limit
	Limits  map[string]Limit
	Policy  Policy
	// BucketTTL is how long an idle bucket key survives. It must exceed a
	// full refill window so a drained bucket cannot reset by expiring.
	BucketTTL time.Duration
	Logger    *slog.Logger
	// Observe is called once per Allow with the outcome.
	Observe func(allowed bool)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	// ResetAt is when the bucket is full again.
	ResetAt time.Time
}

// Limiter enforces token buckets keyed by principal and endpoint class.
type Limiter struct {
	store     kv.Store
	def       Limit
	limits    map[string]Limit
	policy    Policy
	bucketTTL time.Duration
	logger    *slog.Logger
	observe   func(allowed bool)
	now       func() time.Time
}

// casAttempts bounds optimistic retries when concurrent requests race on
// one bucket.
const casAttempts = 5

// New validates the config and returns a Limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("rate limiter requires a store")
	}
	if cfg.Default.RatePerMinute <= 0 {
		return nil, fmt.Errorf("default rate must be positive")
	}
	policy := cfg.Policy
	switch policy {
	case "":
		policy = FailOpen
	case FailOpen, FailClosed:
	default:
		return nil, fmt.Errorf("unknown rate limit policy %q", policy)
	}
	ttl := cfg.BucketTTL
	if ttl <= 0 {
		ttl = 61 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observe := cfg.Observe
	if observe == nil {
		observe = func(bool) {}
	}
	return &Limiter{
		store:     cfg.Store,
		def:       cfg.Default,
		limits:    cfg.Limits,
		policy:    policy,
		bucketTTL: ttl,
		logger:    logger.With("component", "ratelimit"),
		observe:   observe,
		now:       time.Now,
	}, nil
}

// limitFor resolves the budget for an endpoint class.
func (l *Limiter) limitFor(endpoint string) Limit {
	if limit, ok := l.limits[endpoint]; ok {
		return limit
	}
	return l.def
}

// Allow spends one token from the principal's bucket for the endpoint
// class. A denied decision carries the wait until the next token accrues.
func (l *Limiter) Allow(ctx context.Context, principal, endpoint string) (Decision, error) {
	limit := l.limitFor(endpoint)
	key := kv.RateLimitKey(principal, endpoint)

	for attempt := 0; attempt < casAttempts; attempt++ {
		decision, done, err := l.tryOnce(ctx, key, limit)
		if err != nil {
			if errors.Is(err, kv.ErrUnavailable) {
				return l.outageDecision(ctx, limit, err)
			}
			return Decision{}, err
		}
		if done {
			l.observe(decision.Allowed)
			return decision, nil
		}
	}
	// Contention exhausted every optimistic attempt; treat as denied with
	// a minimal backoff rather than spinning.
	l.logger.WarnContext(ctx, "token bucket contention", "key", key)
	l.observe(false)
	return Decision{
		Allowed:    false,
		Limit:      limit.RatePerMinute,
		RetryAfter: time.Second,
		ResetAt:    l.now().Add(time.Second),
	}, nil
}

func (l *Limiter) tryOnce(ctx context.Context, key string, limit Limit) (Decision, bool, error) {
	raw, exists, err := l.store.Get(ctx, key)
	if err != nil {
		return Decision{}, false, err
	}
	now := l.now()
	tokens := limit.capacity()
	if exists {
		storedTokens, storedAt, err := decodeBucket(raw)
		if err != nil {
			// Corrupt bucket; rebuild it full.
			storedTokens, storedAt = limit.capacity(), now
		}
		elapsed := now.Sub(storedAt).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		tokens = math.Min(limit.capacity(), storedTokens+elapsed*limit.refillPerSecond())
	}

	if tokens < 1 {
		deficit := 1 - tokens
		retryAfter := time.Duration(deficit / limit.refillPerSecond() * float64(time.Second))
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Decision{
			Allowed:    false,
			Limit:      limit.RatePerMinute,
			Remaining:  0,
			RetryAfter: retryAfter,
			ResetAt:    now.Add(retryAfter),
		}, true, nil
	}

	next := encodeBucket(tokens-1, now)
	expect := ""
	if exists {
		expect = raw
	}
	swapped, err := l.store.CompareAndSwap(ctx, key, expect, next, l.bucketTTL)
	if err != nil {
		return Decision{}, false, err
	}
	if !swapped {
		return Decision{}, false, nil
	}
	return Decision{
		Allowed:   true,
		Limit:     limit.RatePerMinute,
		Remaining: int(tokens - 1),
		ResetAt:   now.Add(refillDeadline(tokens-1, limit)),
	}, true, nil
}

// refillDeadline is how long until the bucket is full again.
func refillDeadline(tokens float64, limit Limit) time.Duration {
	deficit := limit.capacity() - tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / limit.refillPerSecond() * float64(time.Second))
}

func (l *Limiter) outageDecision(ctx context.Context, limit Limit, cause error) (Decision, error) {
	if l.policy == FailOpen {
		l.logger.WarnContext(ctx, "bucket store unreachable, admitting", "error", cause)
		l.observe(true)
		return Decision{Allowed: true, Limit: limit.RatePerMinute, Remaining: limit.RatePerMinute}, nil
	}
	l.logger.WarnContext(ctx, "bucket store unreachable, rejecting", "error", cause)
	l.observe(false)
	return Decision{}, transcript.NewError(transcript.KindServiceUnavailable,
		"rate limiting backend unreachable", cause)
}

// BucketState is one live bucket, reported by Stats.
type BucketState struct {
	Key       string    `json:"key"`
	Tokens    float64   `json:"tokens"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats lists the live buckets for a principal.
func (l *Limiter) Stats(ctx context.Context, principal string) ([]BucketState, error) {
	var states []BucketState
	var cursor uint64
	for {
		keys, next, err := l.store.Scan(ctx, cursor, kv.RateLimitPattern(principal), 100)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			raw, ok, err := l.store.Get(ctx, key)
			if err != nil || !ok {
				continue
			}
			tokens, updatedAt, err := decodeBucket(raw)
			if err != nil {
				continue
			}
			states = append(states, BucketState{Key: key, Tokens: tokens, UpdatedAt: updatedAt})
		}
		if next == 0 {
			return states, nil
		}
		cursor = next
	}
}

// Reset drops every bucket belonging to the principal and reports how many
// were removed.
func (l *Limiter) Reset(ctx context.Context, principal string) (int64, error) {
	var removed int64
	var cursor uint64
	for {
		keys, next, err := l.store.Scan(ctx, cursor, kv.RateLimitPattern(principal), 100)
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			deleted, err := l.store.Del(ctx, keys...)
			if err != nil {
				return removed, err
			}
			removed += deleted
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// Bucket state is "tokens|unix-micros" to stay CAS-comparable as a string.
func encodeBucket(tokens float64, at time.Time) string {
	return strconv.FormatFloat(tokens, 'f', 6, 64) + "|" + strconv.FormatInt(at.UnixMicro(), 10)
}

func decodeBucket(raw string) (float64, time.Time, error) {
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, fmt.Errorf("malformed bucket state")
	}
	tokens, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, time.Time{}, err
	}
	micros, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, err
	}
	return tokens, time.UnixMicro(micros), nil
}
