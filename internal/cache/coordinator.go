package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/fingerprint"
	"github.com/7and1/youtube-subtitle-api/internal/kv"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// Tier labels reported by Lookup and surfaced in metrics and responses.
const (
	TierLocal   = "local"
	TierShared  = "shared"
	TierDurable = "durable"
	TierMiss    = "miss"
)

// Durable is the tier of last resort, backed by the relational store.
// A nil artifact with a nil error means the fingerprint is not stored.
type Durable interface {
	GetArtifact(ctx context.Context, fp fingerprint.Fingerprint) (*transcript.Artifact, error)
	PutArtifact(ctx context.Context, artifact *transcript.Artifact) error
	DeleteArtifact(ctx context.Context, fp fingerprint.Fingerprint) error
}

// Config wires a Coordinator. Shared is required; Local and Durable are
// optional and skipped when nil.
type Config struct {
	Local     *LRU
	Shared    kv.Store
	Durable   Durable
	LocalTTL  time.Duration
	SharedTTL time.Duration
	Logger    *slog.Logger
	// Observe is called once per Lookup with the tier that answered.
	Observe func(tier string)
}

// Coordinator arbitrates the three cache tiers and the single-flight
// protocol that keeps concurrent misses from launching duplicate
// extractions.
type Coordinator struct {
	local     *LRU
	shared    kv.Store
	durable   Durable
	localTTL  time.Duration
	sharedTTL time.Duration
	logger    *slog.Logger
	observe   func(tier string)
}

// NewCoordinator validates the config and returns a ready Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Shared == nil {
		return nil, fmt.Errorf("cache coordinator requires a shared store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observe := cfg.Observe
	if observe == nil {
		observe = func(string) {}
	}
	localTTL := cfg.LocalTTL
	if localTTL <= 0 {
		localTTL = 5 * time.Minute
	}
	sharedTTL := cfg.SharedTTL
	if sharedTTL <= 0 {
		sharedTTL = 24 * time.Hour
	}
	return &Coordinator{
		local:     cfg.Local,
		shared:    cfg.Shared,
		durable:   cfg.Durable,
		localTTL:  localTTL,
		sharedTTL: sharedTTL,
		logger:    logger.With("component", "cache"),
		observe:   observe,
	}, nil
}

// Lookup walks the tiers in order and promotes hits upward. A shared-tier
// outage degrades to the durable tier instead of failing the read. The
// returned tier is TierMiss when no tier holds a live artifact.
func (c *Coordinator) Lookup(ctx context.Context, fp fingerprint.Fingerprint) (*transcript.Artifact, string, error) {
	key := fp.Key()
	now := time.Now()

	if c.local != nil {
		if artifact, ok := c.local.Get(key); ok && !artifact.Expired(now) {
			c.observe(TierLocal)
			return artifact, TierLocal, nil
		}
	}

	artifact, err := c.sharedGet(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "shared cache read failed, falling back", "key", key, "error", err)
	} else if artifact != nil {
		if artifact.Expired(now) {
			c.shared.Del(ctx, kv.ArtifactKey(key))
		} else {
			c.promoteLocal(key, artifact)
			c.observe(TierShared)
			return artifact, TierShared, nil
		}
	}

	if c.durable != nil {
		artifact, err := c.durable.GetArtifact(ctx, fp)
		if err != nil {
			return nil, TierMiss, err
		}
		if artifact != nil && !artifact.Expired(now) {
			c.promoteShared(ctx, key, artifact)
			c.promoteLocal(key, artifact)
			c.observe(TierDurable)
			return artifact, TierDurable, nil
		}
	}

	c.observe(TierMiss)
	return nil, TierMiss, nil
}

// Commit publishes a freshly extracted artifact to every tier and clears
// the single-flight coordination keys for its fingerprint.
func (c *Coordinator) Commit(ctx context.Context, artifact *transcript.Artifact) error {
	fp := fingerprint.Fingerprint{VideoID: artifact.VideoID, Language: artifact.Language, Clean: artifact.Clean}
	key := fp.Key()

	if c.durable != nil {
		if err := c.durable.PutArtifact(ctx, artifact); err != nil {
			return fmt.Errorf("durable write: %w", err)
		}
	}
	c.promoteShared(ctx, key, artifact)
	c.promoteLocal(key, artifact)
	if _, err := c.shared.Del(ctx, kv.LockKey(key), kv.JobIndexKey(key)); err != nil {
		c.logger.WarnContext(ctx, "failed to clear coordination keys", "key", key, "error", err)
	}
	return nil
}

// Invalidate removes the fingerprint from the volatile tiers, and from the
// durable tier too when includeDurable is set.
func (c *Coordinator) Invalidate(ctx context.Context, fp fingerprint.Fingerprint, includeDurable bool) error {
	key := fp.Key()
	if c.local != nil {
		c.local.Delete(key)
	}
	if _, err := c.shared.Del(ctx, kv.ArtifactKey(key)); err != nil {
		return err
	}
	if includeDurable && c.durable != nil {
		return c.durable.DeleteArtifact(ctx, fp)
	}
	return nil
}

// ClearLocal empties only the in-process tier.
func (c *Coordinator) ClearLocal() {
	if c.local != nil {
		c.local.Purge()
	}
}

// ClearShared drops every artifact key from the shared tier and empties the
// local tier. It reports how many shared keys were removed. The durable
// tier is untouched; callers purge it separately when asked to.
func (c *Coordinator) ClearShared(ctx context.Context) (int64, error) {
	if c.local != nil {
		c.local.Purge()
	}
	var removed int64
	var cursor uint64
	for {
		keys, next, err := c.shared.Scan(ctx, cursor, "artifact:*", 200)
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			deleted, err := c.shared.Del(ctx, keys...)
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

// AcquireLead attempts to win the single-flight lock for the fingerprint.
// The winner owns extraction until the ttl lapses or the lock is released.
func (c *Coordinator) AcquireLead(ctx context.Context, fp fingerprint.Fingerprint, owner string, ttl time.Duration) (bool, error) {
	return c.shared.SetNX(ctx, kv.LockKey(fp.Key()), owner, ttl)
}

// ReleaseLead clears the lock and job binding, typically after a failed
// extraction so a later request can retry.
func (c *Coordinator) ReleaseLead(ctx context.Context, fp fingerprint.Fingerprint) error {
	key := fp.Key()
	_, err := c.shared.Del(ctx, kv.LockKey(key), kv.JobIndexKey(key))
	return err
}

// BindJob records the in-flight job id for the fingerprint so followers can
// attach to it instead of enqueueing duplicates.
func (c *Coordinator) BindJob(ctx context.Context, fp fingerprint.Fingerprint, jobID string, ttl time.Duration) error {
	return c.shared.Set(ctx, kv.JobIndexKey(fp.Key()), jobID, ttl)
}

// InFlightJob returns the job id bound to the fingerprint, if any.
func (c *Coordinator) InFlightJob(ctx context.Context, fp fingerprint.Fingerprint) (string, bool, error) {
	return c.shared.Get(ctx, kv.JobIndexKey(fp.Key()))
}

// DropBinding removes the fingerprint's job binding so the next admission
// starts a fresh extraction.
func (c *Coordinator) DropBinding(ctx context.Context, fp fingerprint.Fingerprint) error {
	_, err := c.shared.Del(ctx, kv.JobIndexKey(fp.Key()))
	return err
}

// AwaitBinding polls for the job binding a lock holder is about to write.
// Followers land here in the window between the leader winning the lock and
// publishing the job id.
func (c *Coordinator) AwaitBinding(ctx context.Context, fp fingerprint.Fingerprint, attempts int, delay time.Duration) (string, bool, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		jobID, ok, err := c.InFlightJob(ctx, fp)
		if err != nil {
			return "", false, err
		}
		if ok {
			return jobID, true, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", false, nil
}

// LocalStats exposes the in-process tier counters for the admin surface.
func (c *Coordinator) LocalStats() (hits, misses uint64, size int) {
	if c.local == nil {
		return 0, 0, 0
	}
	return c.local.Stats()
}

func (c *Coordinator) sharedGet(ctx context.Context, key string) (*transcript.Artifact, error) {
	raw, ok, err := c.shared.Get(ctx, kv.ArtifactKey(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var artifact transcript.Artifact
	if err := json.Unmarshal([]byte(raw), &artifact); err != nil {
		c.shared.Del(ctx, kv.ArtifactKey(key))
		return nil, fmt.Errorf("corrupt shared cache entry: %w", err)
	}
	return &artifact, nil
}

func (c *Coordinator) promoteLocal(key string, artifact *transcript.Artifact) {
	if c.local == nil {
		return
	}
	ttl := c.localTTL
	if !artifact.ExpiresAt.IsZero() {
		if remaining := time.Until(artifact.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl > 0 {
		c.local.Put(key, artifact, ttl)
	}
}

func (c *Coordinator) promoteShared(ctx context.Context, key string, artifact *transcript.Artifact) {
	encoded, err := json.Marshal(artifact)
	if err != nil {
		c.logger.ErrorContext(ctx, "artifact encode failed", "key", key, "error", err)
		return
	}
	ttl := c.sharedTTL
	if !artifact.ExpiresAt.IsZero() {
		if remaining := time.Until(artifact.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}
	if err := c.shared.Set(ctx, kv.ArtifactKey(key), string(encoded), ttl); err != nil {
		c.logger.WarnContext(ctx, "shared cache write failed", "key", key, "error", err)
	}
}
