// Package kv abstracts the shared key/value tier (Tier-2). The production
// implementation is Redis; an in-memory implementation backs tests and
// single-process deployments. All cross-process coordination in the pipeline
// (single-flight locks, the job queue, rate-limit buckets) goes through this
// interface so callers never touch a client type directly.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached. The
// rate limiter keys its fail-open/fail-closed policy off this error.
var ErrUnavailable = errors.New("kv store unavailable")

// Store is the Tier-2 contract. Values are strings; structured payloads are
// JSON-encoded by callers. A zero ttl means no expiry.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes the value with the given ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes only when the key is absent; reports whether it won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSwap atomically replaces the value only when the current
	// value equals expect. An empty expect asserts the key is absent.
	CompareAndSwap(ctx context.Context, key, expect, next string, ttl time.Duration) (bool, error)
	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)
	// Incr increments an integer value, creating it at 1 with the ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// LPush prepends values to a list.
	LPush(ctx context.Context, key string, values ...string) error
	// BRPop pops the tail of the list, blocking up to timeout. The second
	// return reports whether a value was popped.
	BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error)
	// LLen returns the list length.
	LLen(ctx context.Context, key string) (int64, error)
	// Scan iterates keys matching the pattern with a cursor. It never
	// snapshots the whole keyspace.
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases client resources.
	Close() error
}
