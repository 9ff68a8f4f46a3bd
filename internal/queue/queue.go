// Package queue implements the extraction job queue on top of the shared
// key/value tier. Job ids travel through a FIFO list; the job records
// themselves live under their own keys so status reads never touch the
// list. A dequeued id whose record has expired is an orphan and is skipped.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/7and1/youtube-subtitle-api/internal/kv"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// DefaultName is the queue used by the extraction pipeline.
const DefaultName = "extract"

// Config wires a Queue. Store is required.
type Config struct {
	Store kv.Store
	// Name distinguishes queues sharing one store. Defaults to DefaultName.
	Name string
	// JobTTL bounds how long finished job records stay readable.
	JobTTL time.Duration
	Logger *slog.Logger
}

// Queue is a durable FIFO of extraction jobs.
type Queue struct {
	store  kv.Store
	name   string
	jobTTL time.Duration
	logger *slog.Logger
}

// New validates the config and returns a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("queue requires a store")
	}
	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 6 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  cfg.Store,
		name:   name,
		jobTTL: jobTTL,
		logger: logger.With("component", "queue", "queue", name),
	}, nil
}

// NewJobID returns a fresh job identifier.
func NewJobID() string { return uuid.NewString() }

// Enqueue persists the job record and appends its id to the queue. The job
// transitions to queued if it has no status yet.
func (q *Queue) Enqueue(ctx context.Context, job *transcript.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id required")
	}
	if job.Status == "" {
		job.Status = transcript.JobQueued
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	if err := q.Save(ctx, job); err != nil {
		return err
	}
	if err := q.store.LPush(ctx, kv.QueueKey(q.name), job.ID); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	// Best-effort throughput counter for the admin surface.
	day := job.EnqueuedAt.UTC().Format("2006-01-02")
	if _, err := q.store.Incr(ctx, kv.QueueCounterKey(q.name, day), 48*time.Hour); err != nil {
		q.logger.WarnContext(ctx, "failed to bump enqueue counter", "error", err)
	}
	return nil
}

// Dequeue pops the next job id and loads its record, blocking up to wait.
// Both a timeout and an orphaned id return a nil job with a nil error.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*transcript.Job, error) {
	id, ok, err := q.store.BRPop(ctx, wait, kv.QueueKey(q.name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		q.logger.WarnContext(ctx, "dropping orphaned job id", "job_id", id)
		return nil, nil
	}
	return job, nil
}

// Save writes the job record snapshot.
func (q *Queue) Save(ctx context.Context, job *transcript.Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := q.store.Set(ctx, kv.JobKey(job.ID), string(encoded), q.jobTTL); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

// Get loads a job record. A nil job with a nil error means the record is
// gone or never existed.
func (q *Queue) Get(ctx context.Context, id string) (*transcript.Job, error) {
	raw, ok, err := q.store.Get(ctx, kv.JobKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var job transcript.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Depth reports how many ids are waiting in the queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.store.LLen(ctx, kv.QueueKey(q.name))
}

// Stats summarises queue state for the admin surface.
type Stats struct {
	Name          string `json:"name"`
	Depth         int64  `json:"depth"`
	EnqueuedToday int64  `json:"enqueued_today"`
}

// Snapshot returns current queue statistics.
func (q *Queue) Snapshot(ctx context.Context) (Stats, error) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Name: q.name, Depth: depth}
	day := time.Now().UTC().Format("2006-01-02")
	if raw, ok, err := q.store.Get(ctx, kv.QueueCounterKey(q.name, day)); err == nil && ok {
		if count, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			stats.EnqueuedToday = count
		}
	}
	return stats, nil
}

// CancelPending marks every still-queued job cancelled and returns the
// records it touched. Running jobs finish on their own; cancelled ids left
// in the list are skipped at dequeue because the status is terminal.
func (q *Queue) CancelPending(ctx context.Context) ([]transcript.Job, error) {
	var cancelled []transcript.Job
	var cursor uint64
	now := time.Now()
	for {
		keys, next, err := q.store.Scan(ctx, cursor, kv.JobKey("*"), 200)
		if err != nil {
			return cancelled, err
		}
		for _, key := range keys {
			// The job index shares the "job:" prefix.
			id := strings.TrimPrefix(key, kv.JobKey(""))
			if strings.HasPrefix(id, "index:") {
				continue
			}
			job, err := q.Get(ctx, id)
			if err != nil || job == nil {
				continue
			}
			if job.Status != transcript.JobQueued {
				continue
			}
			job.Status = transcript.JobCancelled
			job.EndedAt = now
			if err := q.Save(ctx, job); err != nil {
				return cancelled, err
			}
			cancelled = append(cancelled, *job)
		}
		if next == 0 {
			return cancelled, nil
		}
		cursor = next
	}
}
