package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/fingerprint"
	"github.com/7and1/youtube-subtitle-api/internal/kv"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// StartReaper periodically restores jobs stuck in the running state past
// the lease back to queued so another worker picks them up. A job goes
// stale when its worker died or lost a dependency between dequeue and
// completion. Once a job has burned maxAttempts leases it is failed
// instead, and its single-flight keys are cleared so a later request can
// retry. The returned function stops the reaper and is safe to call
// repeatedly.
func StartReaper(ctx context.Context, logger *slog.Logger, q *Queue, interval, lease time.Duration, maxAttempts int) func() {
	if q == nil || interval <= 0 || lease <= 0 {
		return func() {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reaper")

	reapCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-reapCtx.Done():
				return
			case <-ticker.C:
				if err := q.reapStale(reapCtx, logger, lease, maxAttempts); err != nil {
					logger.Error("stale job sweep failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (q *Queue) reapStale(ctx context.Context, logger *slog.Logger, lease time.Duration, maxAttempts int) error {
	now := time.Now()
	var cursor uint64
	for {
		keys, next, err := q.store.Scan(ctx, cursor, "job:*", 200)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if strings.HasPrefix(key, "job:index:") {
				continue
			}
			id := strings.TrimPrefix(key, "job:")
			job, err := q.Get(ctx, id)
			if err != nil || job == nil {
				continue
			}
			if job.Status != transcript.JobRunning {
				continue
			}
			if job.StartedAt.IsZero() || now.Sub(job.StartedAt) <= lease {
				continue
			}
			if maxAttempts > 0 && job.Attempts >= maxAttempts {
				q.failStale(ctx, logger, job, now)
			} else {
				q.restoreStale(ctx, logger, job)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// restoreStale puts a lease-expired job back on the queue. The coordination
// keys stay in place so concurrent requests keep attaching to this job.
func (q *Queue) restoreStale(ctx context.Context, logger *slog.Logger, job *transcript.Job) {
	job.Status = transcript.JobQueued
	job.ErrorKind = ""
	job.ErrorHint = ""
	job.StartedAt = time.Time{}
	job.EndedAt = time.Time{}
	if err := q.Save(ctx, job); err != nil {
		logger.ErrorContext(ctx, "failed to requeue stale job", "job_id", job.ID, "error", err)
		return
	}
	if err := q.store.LPush(ctx, kv.QueueKey(q.name), job.ID); err != nil {
		logger.ErrorContext(ctx, "failed to relist stale job", "job_id", job.ID, "error", err)
		return
	}
	logger.WarnContext(ctx, "requeued stale job",
		"job_id", job.ID, "video_id", job.VideoID, "attempts", job.Attempts)
}

func (q *Queue) failStale(ctx context.Context, logger *slog.Logger, job *transcript.Job, now time.Time) {
	job.Status = transcript.JobFailed
	job.ErrorKind = transcript.KindServiceUnavailable
	job.ErrorHint = "worker lost the job before completing it"
	job.EndedAt = now
	if err := q.Save(ctx, job); err != nil {
		logger.ErrorContext(ctx, "failed to mark stale job", "job_id", job.ID, "error", err)
		return
	}
	fp := fingerprint.Fingerprint{VideoID: job.VideoID, Language: job.Language, Clean: job.Clean}
	if _, err := q.store.Del(ctx, kv.LockKey(fp.Key()), kv.JobIndexKey(fp.Key())); err != nil {
		logger.WarnContext(ctx, "failed to clear coordination keys for stale job", "job_id", job.ID, "error", err)
	}
	logger.WarnContext(ctx, "reaped stale job", "job_id", job.ID, "video_id", job.VideoID)
}
