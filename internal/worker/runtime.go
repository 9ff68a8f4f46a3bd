// Package worker runs the extraction side of the pipeline: it drains the
// job queue with bounded concurrency, drives the extractor, commits
// artifacts through the cache coordinator, and hands terminal jobs to the
// webhook dispatcher. Every job reaches exactly one terminal state, even
// when an extraction panics.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/7and1/youtube-subtitle-api/internal/cache"
	"github.com/7and1/youtube-subtitle-api/internal/fingerprint"
	"github.com/7and1/youtube-subtitle-api/internal/queue"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
	"github.com/7and1/youtube-subtitle-api/internal/webhook"
)

// Extractor produces an artifact for a fingerprint.
type Extractor interface {
	Extract(ctx context.Context, fp fingerprint.Fingerprint) (*transcript.Artifact, error)
}

// JobArchive is the durable side of job bookkeeping. Every status
// transition is written through so the record outlives the queue tier's
// volatile snapshots.
type JobArchive interface {
	PutJob(ctx context.Context, job *transcript.Job) error
}

// Config wires a Runtime. Queue, Coordinator, and Extractor are required;
// Dispatcher is optional and disables webhook delivery when nil.
type Config struct {
	Queue       *queue.Queue
	Coordinator *cache.Coordinator
	Extractor   Extractor
	Dispatcher  *webhook.Dispatcher
	// Archive receives job write-throughs. Optional; without it job
	// records live only in the queue tier.
	Archive JobArchive
	// Concurrency bounds simultaneous extractions.
	Concurrency int64
	// JobTimeout bounds one extraction end to end.
	JobTimeout time.Duration
	// DrainTimeout bounds how long shutdown waits for in-flight jobs
	// before cancelling them and leaving the reaper to requeue.
	DrainTimeout time.Duration
	// DequeueWait is the blocking-pop window per poll.
	DequeueWait time.Duration
	// WebhookBuffer bounds the hand-off queue between job completion and
	// webhook delivery.
	WebhookBuffer int
	Logger        *slog.Logger
	// ObserveStart is called when a job begins running.
	ObserveStart func(job transcript.Job)
	// Observe is called once per terminal job.
	Observe func(job transcript.Job)
}

type webhookTask struct {
	job      transcript.Job
	artifact *transcript.Artifact
}

// Runtime is the worker loop.
type Runtime struct {
	cfg          Config
	sem          *semaphore.Weighted
	logger       *slog.Logger
	observeStart func(job transcript.Job)
	observe      func(job transcript.Job)
	hooks        chan webhookTask
}

// New validates the config and returns a Runtime.
func New(cfg Config) (*Runtime, error) {
	if cfg.Queue == nil || cfg.Coordinator == nil || cfg.Extractor == nil {
		return nil, fmt.Errorf("worker requires a queue, coordinator, and extractor")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.WebhookBuffer <= 0 {
		cfg.WebhookBuffer = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observeStart := cfg.ObserveStart
	if observeStart == nil {
		observeStart = func(transcript.Job) {}
	}
	observe := cfg.Observe
	if observe == nil {
		observe = func(transcript.Job) {}
	}
	return &Runtime{
		cfg:          cfg,
		sem:          semaphore.NewWeighted(cfg.Concurrency),
		logger:       logger.With("component", "worker"),
		observeStart: observeStart,
		observe:      observe,
		hooks:        make(chan webhookTask, cfg.WebhookBuffer),
	}, nil
}

// Run drains the queue until the context is cancelled, then waits up to
// DrainTimeout for in-flight jobs. Jobs still running when the window
// elapses are abandoned with their records left in the running state, which
// the reaper later restores to queued. Pending webhook deliveries always
// drain before Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	// In-flight jobs keep their own deadline after shutdown starts, until
	// the drain window closes.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var hookWG sync.WaitGroup
	hookWG.Add(1)
	go func() {
		defer hookWG.Done()
		r.webhookLoop(context.WithoutCancel(ctx))
	}()

	var jobWG sync.WaitGroup
	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		job, err := r.cfg.Queue.Dequeue(ctx, r.cfg.DequeueWait)
		if err != nil || job == nil {
			r.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			if err != nil {
				r.logger.WarnContext(ctx, "dequeue failed", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
			continue
		}
		jobWG.Add(1)
		go func(job *transcript.Job) {
			defer jobWG.Done()
			defer r.sem.Release(1)
			r.process(jobCtx, job)
		}(job)
	}

	drained := make(chan struct{})
	go func() {
		jobWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(r.cfg.DrainTimeout):
		r.logger.Warn("drain window elapsed, abandoning in-flight jobs for the reaper")
		cancelJobs()
		<-drained
	}
	close(r.hooks)
	hookWG.Wait()
	return nil
}

// process drives one job to a terminal state.
func (r *Runtime) process(ctx context.Context, job *transcript.Job) {
	logger := r.logger.With("job_id", job.ID, "video_id", job.VideoID)
	if job.Status.Terminal() {
		logger.WarnContext(ctx, "skipping already terminal job", "status", string(job.Status))
		return
	}

	job.Status = transcript.JobRunning
	job.StartedAt = time.Now()
	job.Attempts++
	if err := r.cfg.Queue.Save(ctx, job); err != nil {
		logger.ErrorContext(ctx, "failed to mark job running", "error", err)
	}
	r.archive(ctx, logger, job)
	r.observeStart(*job)

	artifact, err := r.runExtraction(ctx, job)
	if err == nil {
		if commitErr := r.cfg.Coordinator.Commit(ctx, artifact); commitErr != nil {
			err = transcript.NewError(transcript.KindDependencyDown,
				"artifact commit failed", commitErr)
		}
	}

	// A dependency outage is not a verdict on the video: the job stays
	// running with its lease intact and the reaper requeues it once the
	// lease lapses. The same applies to jobs abandoned at shutdown.
	if err != nil && (transcript.KindOf(err) == transcript.KindDependencyDown || ctx.Err() != nil) {
		logger.WarnContext(ctx, "job stalled, leaving it running for the reaper",
			"attempts", job.Attempts, "error", err)
		return
	}

	job.EndedAt = time.Now()
	if err != nil {
		job.Status = transcript.JobFailed
		job.ErrorKind = transcript.KindOf(err)
		job.ErrorHint = transcript.HintOf(err)
		fp := fingerprint.Fingerprint{VideoID: job.VideoID, Language: job.Language, Clean: job.Clean}
		if releaseErr := r.cfg.Coordinator.ReleaseLead(ctx, fp); releaseErr != nil {
			logger.WarnContext(ctx, "failed to release single-flight lead", "error", releaseErr)
		}
		logger.WarnContext(ctx, "job failed",
			"kind", string(job.ErrorKind), "attempts", job.Attempts, "error", err)
	} else {
		job.Status = transcript.JobFinished
		job.ErrorKind = ""
		job.ErrorHint = ""
		logger.InfoContext(ctx, "job finished",
			"engine", string(artifact.EngineUsed),
			"segments", len(artifact.Segments),
			"duration_ms", artifact.DurationMS)
	}

	r.queueWebhook(ctx, logger, job, artifact)
	if err := r.cfg.Queue.Save(ctx, job); err != nil {
		logger.ErrorContext(ctx, "failed to persist terminal job", "error", err)
	}
	r.archive(ctx, logger, job)
	r.observe(*job)
}

// archive writes the job record through to durable storage. Failures are
// logged and do not change the job's course.
func (r *Runtime) archive(ctx context.Context, logger *slog.Logger, job *transcript.Job) {
	if r.cfg.Archive == nil {
		return
	}
	if err := r.cfg.Archive.PutJob(ctx, job); err != nil {
		logger.WarnContext(ctx, "job archive write failed", "error", err)
	}
}

// runExtraction applies the per-job deadline and converts panics into
// failed jobs instead of killing the worker.
func (r *Runtime) runExtraction(ctx context.Context, job *transcript.Job) (artifact *transcript.Artifact, err error) {
	extractCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if recovered := recover(); recovered != nil {
			artifact = nil
			err = transcript.NewError(transcript.KindInternal,
				fmt.Sprintf("extraction panicked: %v", recovered), nil)
		}
	}()
	fp := fingerprint.Fingerprint{VideoID: job.VideoID, Language: job.Language, Clean: job.Clean}
	return r.cfg.Extractor.Extract(extractCtx, fp)
}

func (r *Runtime) queueWebhook(ctx context.Context, logger *slog.Logger, job *transcript.Job, artifact *transcript.Artifact) {
	if job.WebhookURL == "" || r.cfg.Dispatcher == nil {
		job.WebhookStatus = transcript.WebhookNone
		return
	}
	job.WebhookStatus = transcript.WebhookPending
	select {
	case r.hooks <- webhookTask{job: *job, artifact: artifact}:
	default:
		job.WebhookStatus = transcript.WebhookFailed
		logger.WarnContext(ctx, "webhook buffer full, dropping delivery")
	}
}

func (r *Runtime) webhookLoop(ctx context.Context) {
	for task := range r.hooks {
		payload := webhook.Payload{
			JobID:     task.job.ID,
			Status:    task.job.Status,
			VideoID:   task.job.VideoID,
			Language:  task.job.Language,
			Clean:     task.job.Clean,
			ErrorKind: task.job.ErrorKind,
			ErrorHint: task.job.ErrorHint,
			Artifact:  task.artifact,
		}
		status := transcript.WebhookDelivered
		if err := r.cfg.Dispatcher.Dispatch(ctx, task.job.WebhookURL, payload); err != nil {
			status = transcript.WebhookFailed
			r.logger.WarnContext(ctx, "webhook delivery gave up",
				"job_id", task.job.ID, "error", err)
		}
		job, err := r.cfg.Queue.Get(ctx, task.job.ID)
		if err != nil || job == nil {
			continue
		}
		job.WebhookStatus = status
		if err := r.cfg.Queue.Save(ctx, job); err != nil {
			r.logger.WarnContext(ctx, "failed to persist webhook status",
				"job_id", task.job.ID, "error", err)
		}
		r.archive(ctx, r.logger.With("job_id", job.ID), job)
	}
}
