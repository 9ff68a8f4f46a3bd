// Package admission is the request-facing orchestrator. It validates and
// fingerprints incoming references, applies rate limits, answers from the
// cache tiers, and falls back to the single-flight queue protocol: one
// leader enqueues the extraction job, concurrent requests for the same
// fingerprint attach to it.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/cache"
	"github.com/7and1/youtube-subtitle-api/internal/fingerprint"
	"github.com/7and1/youtube-subtitle-api/internal/proxy"
	"github.com/7and1/youtube-subtitle-api/internal/queue"
	"github.com/7and1/youtube-subtitle-api/internal/ratelimit"
	"github.com/7and1/youtube-subtitle-api/internal/store"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// Endpoint classes used for rate limiting.
const (
	EndpointSingle = "single"
	EndpointBatch  = "batch"
	EndpointCached = "cached"
)

// MaxBatchSize bounds one batch submission.
const MaxBatchSize = 100

// Request is one subtitle submission.
type Request struct {
	// Ref is a video id or any recognised YouTube URL form.
	Ref        string
	Language   string
	Clean      bool
	WebhookURL string
	// Principal identifies the caller for rate limiting.
	Principal string
}

// Result is the outcome of a submission or cache lookup.
type Result struct {
	// Cached is true when an artifact was returned immediately.
	Cached bool
	// Tier names the cache tier that answered a cached result.
	Tier     string
	Artifact *transcript.Artifact
	// Job is set when the request was queued or attached to an in-flight
	// extraction.
	Job *transcript.Job
	// RateLimit reflects the admission decision when the limiter ran.
	RateLimit *ratelimit.Decision
}

// BatchItem pairs one batch entry with its outcome.
type BatchItem struct {
	Ref    string
	Result *Result
	Err    error
}

// Config wires an Orchestrator. Coordinator, Queue, and Limiter are
// required. Repository and Rotator feed the admin surface and may be nil.
type Config struct {
	Coordinator *cache.Coordinator
	Queue       *queue.Queue
	Limiter     *ratelimit.Limiter
	Repository  store.Repository
	Rotator     *proxy.Rotator
	// LockTTL bounds how long a single-flight lead may hold the lock. It
	// must exceed the worst-case extraction time.
	LockTTL time.Duration
	// BindTTL bounds the fingerprint-to-job binding.
	BindTTL time.Duration
	// AwaitAttempts and AwaitDelay pace followers waiting for the
	// leader's job binding.
	AwaitAttempts int
	AwaitDelay    time.Duration
	Logger        *slog.Logger
}

// Orchestrator coordinates admission end to end.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
}

// New validates the config and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Coordinator == nil || cfg.Queue == nil || cfg.Limiter == nil {
		return nil, fmt.Errorf("admission requires a coordinator, queue, and limiter")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 3 * time.Minute
	}
	if cfg.BindTTL <= 0 {
		cfg.BindTTL = cfg.LockTTL
	}
	if cfg.AwaitAttempts <= 0 {
		cfg.AwaitAttempts = 10
	}
	if cfg.AwaitDelay <= 0 {
		cfg.AwaitDelay = 50 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, logger: logger.With("component", "admission")}, nil
}

// Submit admits one request: rate limit, cache lookup, then the
// single-flight queue protocol on a miss.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Result, error) {
	fp, err := fingerprint.Parse(req.Ref, req.Language, req.Clean)
	if err != nil {
		return nil, err
	}
	decision, err := o.cfg.Limiter.Allow(ctx, req.Principal, EndpointSingle)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return &Result{RateLimit: &decision}, transcript.NewError(transcript.KindRateLimited,
			"request rate exceeded, retry later", nil)
	}
	result, err := o.resolve(ctx, fp, req.WebhookURL)
	if err != nil {
		return nil, err
	}
	result.RateLimit = &decision
	return result, nil
}

// SubmitBatch admits up to MaxBatchSize requests in one call. Entries that
// resolve to the same fingerprint share one outcome. The batch endpoint
// class is charged once per call.
func (o *Orchestrator) SubmitBatch(ctx context.Context, principal string, reqs []Request) ([]BatchItem, error) {
	if len(reqs) == 0 {
		return nil, transcript.NewError(transcript.KindInvalidInput, "batch is empty", nil)
	}
	if len(reqs) > MaxBatchSize {
		return nil, transcript.NewError(transcript.KindInvalidInput,
			fmt.Sprintf("batch exceeds %d entries", MaxBatchSize), nil)
	}
	decision, err := o.cfg.Limiter.Allow(ctx, principal, EndpointBatch)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, transcript.NewError(transcript.KindRateLimited,
			"batch rate exceeded, retry later", nil)
	}

	items := make([]BatchItem, len(reqs))
	seen := make(map[string]int, len(reqs))
	for i, req := range reqs {
		fp, err := fingerprint.Parse(req.Ref, req.Language, req.Clean)
		if err != nil {
			items[i] = BatchItem{Ref: req.Ref, Err: err}
			continue
		}
		if first, dup := seen[fp.Key()]; dup {
			items[i] = BatchItem{Ref: req.Ref, Result: items[first].Result, Err: items[first].Err}
			continue
		}
		seen[fp.Key()] = i
		result, err := o.resolve(ctx, fp, req.WebhookURL)
		items[i] = BatchItem{Ref: req.Ref, Result: result, Err: err}
	}
	return items, nil
}

// LookupCached answers from the cache tiers only; a miss never triggers
// extraction.
func (o *Orchestrator) LookupCached(ctx context.Context, req Request) (*Result, error) {
	fp, err := fingerprint.Parse(req.Ref, req.Language, req.Clean)
	if err != nil {
		return nil, err
	}
	decision, err := o.cfg.Limiter.Allow(ctx, req.Principal, EndpointCached)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return &Result{RateLimit: &decision}, transcript.NewError(transcript.KindRateLimited,
			"request rate exceeded, retry later", nil)
	}
	artifact, tier, err := o.cfg.Coordinator.Lookup(ctx, fp)
	if err != nil {
		return nil, transcript.NewError(transcript.KindDependencyDown, "cache lookup failed", err)
	}
	result := &Result{RateLimit: &decision}
	if artifact != nil {
		result.Cached = true
		result.Tier = tier
		result.Artifact = artifact
	}
	return result, nil
}

// JobStatus returns the job record, or nil when unknown. The queue tier's
// snapshot answers first; when it expired or the tier is down, the durable
// record answers instead.
func (o *Orchestrator) JobStatus(ctx context.Context, jobID string) (*transcript.Job, error) {
	if jobID == "" {
		return nil, transcript.NewError(transcript.KindInvalidInput, "job id required", nil)
	}
	job, err := o.cfg.Queue.Get(ctx, jobID)
	if err == nil && job != nil {
		return job, nil
	}
	if o.cfg.Repository != nil {
		archived, archiveErr := o.cfg.Repository.GetJob(ctx, jobID)
		if archiveErr == nil && archived != nil {
			return archived, nil
		}
	}
	return job, err
}

// resolve answers from cache or runs the single-flight protocol.
func (o *Orchestrator) resolve(ctx context.Context, fp fingerprint.Fingerprint, webhookURL string) (*Result, error) {
	artifact, tier, err := o.cfg.Coordinator.Lookup(ctx, fp)
	if err != nil {
		return nil, transcript.NewError(transcript.KindDependencyDown, "cache lookup failed", err)
	}
	if artifact != nil {
		return &Result{Cached: true, Tier: tier, Artifact: artifact}, nil
	}

	won, err := o.cfg.Coordinator.AcquireLead(ctx, fp, queue.NewJobID(), o.cfg.LockTTL)
	if err != nil {
		return nil, transcript.NewError(transcript.KindDependencyDown, "single-flight lock failed", err)
	}
	if won {
		job := &transcript.Job{
			ID:            queue.NewJobID(),
			VideoID:       fp.VideoID,
			Language:      fp.Language,
			Clean:         fp.Clean,
			WebhookURL:    webhookURL,
			WebhookStatus: transcript.WebhookNone,
		}
		if err := o.cfg.Coordinator.BindJob(ctx, fp, job.ID, o.cfg.BindTTL); err != nil {
			o.cfg.Coordinator.ReleaseLead(ctx, fp)
			return nil, transcript.NewError(transcript.KindDependencyDown, "job binding failed", err)
		}
		if err := o.cfg.Queue.Enqueue(ctx, job); err != nil {
			o.cfg.Coordinator.ReleaseLead(ctx, fp)
			return nil, transcript.NewError(transcript.KindDependencyDown, "enqueue failed", err)
		}
		o.archiveJob(ctx, job)
		o.logger.InfoContext(ctx, "extraction queued",
			"job_id", job.ID, "video_id", fp.VideoID, "language", fp.Language)
		return &Result{Job: job}, nil
	}

	// Another request holds the lead. Attach to its job.
	jobID, ok, err := o.cfg.Coordinator.AwaitBinding(ctx, fp, o.cfg.AwaitAttempts, o.cfg.AwaitDelay)
	if err != nil {
		return nil, transcript.NewError(transcript.KindDependencyDown, "awaiting in-flight job failed", err)
	}
	if ok {
		job, err := o.cfg.Queue.Get(ctx, jobID)
		if err != nil {
			return nil, transcript.NewError(transcript.KindDependencyDown, "loading in-flight job failed", err)
		}
		if job != nil {
			return &Result{Job: job}, nil
		}
	}
	// The leader may have committed and cleaned up before we saw the
	// binding.
	artifact, tier, err = o.cfg.Coordinator.Lookup(ctx, fp)
	if err == nil && artifact != nil {
		return &Result{Cached: true, Tier: tier, Artifact: artifact}, nil
	}
	return nil, transcript.NewError(transcript.KindServiceUnavailable,
		"an extraction for this video is settling, retry shortly", nil)
}

// archiveJob writes the job record through to durable storage. Best
// effort: the queue tier's snapshot stays authoritative while it lives.
func (o *Orchestrator) archiveJob(ctx context.Context, job *transcript.Job) {
	if o.cfg.Repository == nil {
		return
	}
	if err := o.cfg.Repository.PutJob(ctx, job); err != nil {
		o.logger.WarnContext(ctx, "job archive write failed",
			"job_id", job.ID, "error", err)
	}
}

// AdminStats is the admin overview.
type AdminStats struct {
	Queue       queue.Stats    `json:"queue"`
	LocalHits   uint64         `json:"local_cache_hits"`
	LocalMisses uint64         `json:"local_cache_misses"`
	LocalSize   int            `json:"local_cache_size"`
	Artifacts   int64          `json:"stored_artifacts"`
	Proxies     []proxy.Health `json:"proxies,omitempty"`
}

// Stats gathers queue, cache, storage, and proxy health.
func (o *Orchestrator) Stats(ctx context.Context) (AdminStats, error) {
	queueStats, err := o.cfg.Queue.Snapshot(ctx)
	if err != nil {
		return AdminStats{}, err
	}
	hits, misses, size := o.cfg.Coordinator.LocalStats()
	stats := AdminStats{
		Queue:       queueStats,
		LocalHits:   hits,
		LocalMisses: misses,
		LocalSize:   size,
	}
	if o.cfg.Repository != nil {
		count, err := o.cfg.Repository.CountArtifacts(ctx)
		if err != nil {
			return AdminStats{}, err
		}
		stats.Artifacts = count
	}
	if o.cfg.Rotator != nil {
		stats.Proxies = o.cfg.Rotator.Snapshot()
	}
	return stats, nil
}

// Cache clear scopes.
const (
	ScopeLocal  = "local"
	ScopeShared = "shared"
	ScopeAll    = "all"
)

// ClearCacheOptions selects what a cache clear touches.
type ClearCacheOptions struct {
	// Scope is ScopeLocal, ScopeShared, or ScopeAll. Empty means ScopeAll.
	// Clearing the shared tier always clears the local tier too, since
	// local entries must not outlive the tier they were promoted from.
	Scope string
	// Ref optionally targets one video (URL or bare id) together with
	// Language and Clean; scope is ignored for targeted clears.
	Ref      string
	Language string
	Clean    bool
	// PurgeDurable extends the clear to the durable store.
	PurgeDurable bool
	// CancelJobs additionally cancels still-queued extractions. Running
	// jobs finish on their own and re-commit their artifacts.
	CancelJobs bool
}

// ClearCacheResult reports what a cache clear removed.
type ClearCacheResult struct {
	SharedRemoved  int64 `json:"shared_removed"`
	DurableRemoved int64 `json:"durable_removed"`
	JobsCancelled  int64 `json:"jobs_cancelled"`
}

// ClearCache invalidates cache tiers per the options.
func (o *Orchestrator) ClearCache(ctx context.Context, opts ClearCacheOptions) (ClearCacheResult, error) {
	if opts.Ref != "" {
		return o.clearFingerprint(ctx, opts)
	}

	var result ClearCacheResult
	switch opts.Scope {
	case ScopeLocal:
		o.cfg.Coordinator.ClearLocal()
	case ScopeShared, ScopeAll, "":
		removed, err := o.cfg.Coordinator.ClearShared(ctx)
		if err != nil {
			return ClearCacheResult{}, err
		}
		result.SharedRemoved = removed
	default:
		return ClearCacheResult{}, transcript.NewError(transcript.KindInvalidInput,
			fmt.Sprintf("unknown cache scope %q", opts.Scope), nil)
	}
	if opts.PurgeDurable && o.cfg.Repository != nil {
		purged, err := o.cfg.Repository.PurgeAll(ctx)
		if err != nil {
			return result, err
		}
		result.DurableRemoved = purged
	}
	if opts.CancelJobs {
		cancelled, err := o.cfg.Queue.CancelPending(ctx)
		if err != nil {
			return result, err
		}
		result.JobsCancelled = int64(len(cancelled))
		// Drop the coordination keys of cancelled jobs so the next
		// submission starts fresh instead of attaching to a dead job.
		for _, job := range cancelled {
			o.archiveJob(ctx, &job)
			fp := fingerprint.Fingerprint{VideoID: job.VideoID, Language: job.Language, Clean: job.Clean}
			if err := o.cfg.Coordinator.ReleaseLead(ctx, fp); err != nil {
				o.logger.WarnContext(ctx, "failed to release single-flight lead",
					"video_id", fp.VideoID, "error", err)
			}
		}
	}
	o.logger.InfoContext(ctx, "cache cleared",
		"scope", opts.Scope,
		"shared_removed", result.SharedRemoved,
		"durable_removed", result.DurableRemoved,
		"jobs_cancelled", result.JobsCancelled)
	return result, nil
}

// clearFingerprint invalidates a single fingerprint, optionally cancelling
// its queued extraction and dropping its single-flight state.
func (o *Orchestrator) clearFingerprint(ctx context.Context, opts ClearCacheOptions) (ClearCacheResult, error) {
	fp, err := fingerprint.Parse(opts.Ref, opts.Language, opts.Clean)
	if err != nil {
		return ClearCacheResult{}, err
	}
	var result ClearCacheResult
	if opts.CancelJobs {
		jobID, ok, err := o.cfg.Coordinator.InFlightJob(ctx, fp)
		if err != nil {
			return result, transcript.NewError(transcript.KindDependencyDown, "loading job binding failed", err)
		}
		if ok {
			job, err := o.cfg.Queue.Get(ctx, jobID)
			if err == nil && job != nil && job.Status == transcript.JobQueued {
				job.Status = transcript.JobCancelled
				job.EndedAt = time.Now()
				if err := o.cfg.Queue.Save(ctx, job); err != nil {
					return result, transcript.NewError(transcript.KindDependencyDown, "cancelling job failed", err)
				}
				o.archiveJob(ctx, job)
				result.JobsCancelled = 1
			}
			if err := o.cfg.Coordinator.DropBinding(ctx, fp); err != nil {
				return result, transcript.NewError(transcript.KindDependencyDown, "dropping job binding failed", err)
			}
			if err := o.cfg.Coordinator.ReleaseLead(ctx, fp); err != nil {
				o.logger.WarnContext(ctx, "failed to release single-flight lead",
					"video_id", fp.VideoID, "error", err)
			}
		}
	}
	if err := o.cfg.Coordinator.Invalidate(ctx, fp, opts.PurgeDurable); err != nil {
		return result, transcript.NewError(transcript.KindDependencyDown, "invalidation failed", err)
	}
	if opts.PurgeDurable {
		result.DurableRemoved = 1
	}
	result.SharedRemoved = 1
	o.logger.InfoContext(ctx, "fingerprint invalidated",
		"video_id", fp.VideoID, "language", fp.Language,
		"durable", opts.PurgeDurable, "jobs_cancelled", result.JobsCancelled)
	return result, nil
}

// RateLimitStats lists the live buckets for a principal.
func (o *Orchestrator) RateLimitStats(ctx context.Context, principal string) ([]ratelimit.BucketState, error) {
	if principal == "" {
		return nil, transcript.NewError(transcript.KindInvalidInput, "principal required", nil)
	}
	return o.cfg.Limiter.Stats(ctx, principal)
}

// RateLimitReset clears the principal's buckets.
func (o *Orchestrator) RateLimitReset(ctx context.Context, principal string) (int64, error) {
	if principal == "" {
		return 0, transcript.NewError(transcript.KindInvalidInput, "principal required", nil)
	}
	return o.cfg.Limiter.Reset(ctx, principal)
}
