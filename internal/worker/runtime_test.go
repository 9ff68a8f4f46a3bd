package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/cache"
	"github.com/7and1/youtube-subtitle-api/internal/fingerprint"
	"github.com/7and1/youtube-subtitle-api/internal/kv"
	"github.com/7and1/youtube-subtitle-api/internal/queue"
	"github.com/7and1/youtube-subtitle-api/internal/retry"
	"github.com/7and1/youtube-subtitle-api/internal/store"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
	"github.com/7and1/youtube-subtitle-api/internal/webhook"
)

type funcExtractor func(ctx context.Context, fp fingerprint.Fingerprint) (*transcript.Artifact, error)

func (f funcExtractor) Extract(ctx context.Context, fp fingerprint.Fingerprint) (*transcript.Artifact, error) {
	return f(ctx, fp)
}

type harness struct {
	runtime *Runtime
	queue   *queue.Queue
	coord   *cache.Coordinator
	shared  *kv.MemoryStore
	repo    *store.MemoryRepository
	cancel  context.CancelFunc
	done    chan struct{}
}

func startHarness(t *testing.T, extractor Extractor, dispatcher *webhook.Dispatcher, cfgFns ...func(*Config)) *harness {
	t.Helper()
	shared := kv.NewMemoryStore()
	t.Cleanup(func() { shared.Close() })
	repo := store.NewMemoryRepository()
	coord, err := cache.NewCoordinator(cache.Config{
		Local:   cache.NewLRU(8),
		Shared:  shared,
		Durable: repo,
	})
	if err != nil {
		t.Fatal(err)
	}
	q, err := queue.New(queue.Config{Store: shared})
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{
		Queue:       q,
		Coordinator: coord,
		Extractor:   extractor,
		Dispatcher:  dispatcher,
		Archive:     repo,
		Concurrency: 2,
		JobTimeout:  5 * time.Second,
		DequeueWait: 20 * time.Millisecond,
	}
	for _, fn := range cfgFns {
		fn(&cfg)
	}
	runtime, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runtime.Run(ctx)
		close(done)
	}()
	h := &harness{runtime: runtime, queue: q, coord: coord, shared: shared, repo: repo, cancel: cancel, done: done}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
	}
}

func (h *harness) awaitTerminal(t *testing.T, jobID string) *transcript.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.queue.Get(context.Background(), jobID)
		if err != nil {
			t.Fatal(err)
		}
		if job != nil && job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func (h *harness) awaitWebhookStatus(t *testing.T, jobID string, want transcript.WebhookStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := h.queue.Get(context.Background(), jobID)
		if job != nil && job.WebhookStatus == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("webhook status never became %s", want)
}

func queuedJob(id string) *transcript.Job {
	return &transcript.Job{
		ID:            id,
		VideoID:       "dQw4w9WgXcQ",
		Language:      "en",
		Clean:         true,
		WebhookStatus: transcript.WebhookNone,
	}
}

func successExtractor() Extractor {
	return funcExtractor(func(_ context.Context, fp fingerprint.Fingerprint) (*transcript.Artifact, error) {
		segments := []transcript.Segment{{Text: "hello", Start: 0, Duration: 1}}
		now := time.Now()
		return &transcript.Artifact{
			VideoID:    fp.VideoID,
			Language:   fp.Language,
			Clean:      fp.Clean,
			EngineUsed: transcript.EnginePrimary,
			Segments:   segments,
			PlainText:  "hello",
			Integrity:  transcript.ComputeIntegrity(segments),
			CreatedAt:  now,
			ExpiresAt:  now.Add(time.Hour),
		}, nil
	})
}

func TestWorkerFinishesJobAndCommitsArtifact(t *testing.T) {
	h := startHarness(t, successExtractor(), nil)
	ctx := context.Background()

	if err := h.queue.Enqueue(ctx, queuedJob("job-1")); err != nil {
		t.Fatal(err)
	}
	job := h.awaitTerminal(t, "job-1")
	if job.Status != transcript.JobFinished {
		t.Fatalf("status = %s (%s: %s)", job.Status, job.ErrorKind, job.ErrorHint)
	}
	if job.Attempts != 1 || job.StartedAt.IsZero() || job.EndedAt.IsZero() {
		t.Fatalf("job bookkeeping = %+v", job)
	}

	fp, _ := fingerprint.Parse("dQw4w9WgXcQ", "en", true)
	artifact, tier, err := h.coord.Lookup(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if artifact == nil || tier == cache.TierMiss {
		t.Fatal("artifact was not committed")
	}
	stored, _ := h.repo.GetArtifact(ctx, fp)
	if stored == nil {
		t.Fatal("artifact missing from the durable tier")
	}
}

func TestWorkerWritesJobRecordsThrough(t *testing.T) {
	h := startHarness(t, successExtractor(), nil)
	ctx := context.Background()

	if err := h.queue.Enqueue(ctx, queuedJob("job-8")); err != nil {
		t.Fatal(err)
	}
	h.awaitTerminal(t, "job-8")

	archived, err := h.repo.GetJob(ctx, "job-8")
	if err != nil {
		t.Fatal(err)
	}
	if archived == nil || archived.Status != transcript.JobFinished {
		t.Fatalf("archived job = %+v", archived)
	}
	if archived.Attempts != 1 || archived.StartedAt.IsZero() || archived.EndedAt.IsZero() {
		t.Fatalf("archived bookkeeping = %+v", archived)
	}

	// The durable record answers even after the queue tier loses the
	// snapshot.
	if _, err := h.shared.Del(ctx, kv.JobKey("job-8")); err != nil {
		t.Fatal(err)
	}
	if gone, _ := h.queue.Get(ctx, "job-8"); gone != nil {
		t.Fatal("queue snapshot should be gone")
	}
	archived, err = h.repo.GetJob(ctx, "job-8")
	if err != nil || archived == nil || archived.Status != transcript.JobFinished {
		t.Fatalf("archived job after snapshot loss = %+v err = %v", archived, err)
	}
}

type outageDurable struct{}

func (outageDurable) GetArtifact(context.Context, fingerprint.Fingerprint) (*transcript.Artifact, error) {
	return nil, nil
}

func (outageDurable) PutArtifact(context.Context, *transcript.Artifact) error {
	return errors.New("connection refused")
}

func (outageDurable) DeleteArtifact(context.Context, fingerprint.Fingerprint) error {
	return nil
}

func TestWorkerKeepsJobRunningThroughDurableOutage(t *testing.T) {
	shared := kv.NewMemoryStore()
	t.Cleanup(func() { shared.Close() })
	coord, err := cache.NewCoordinator(cache.Config{
		Shared:  shared,
		Durable: outageDurable{},
	})
	if err != nil {
		t.Fatal(err)
	}
	q, err := queue.New(queue.Config{Store: shared})
	if err != nil {
		t.Fatal(err)
	}
	runtime, err := New(Config{
		Queue:       q,
		Coordinator: coord,
		Extractor:   successExtractor(),
		Concurrency: 1,
		JobTimeout:  time.Second,
		DequeueWait: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runtime.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if err := q.Enqueue(context.Background(), queuedJob("job-9")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		job, _ := q.Get(context.Background(), "job-9")
		if job != nil && job.Status == transcript.JobRunning && job.Attempts == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never reached running, last = %+v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}
	// The commit failure must not drive the job terminal: the record stays
	// running for the reaper to requeue once the lease lapses.
	time.Sleep(300 * time.Millisecond)
	job, _ := q.Get(context.Background(), "job-9")
	if job == nil || job.Status != transcript.JobRunning {
		t.Fatalf("job after durable outage = %+v", job)
	}
}

func TestWorkerFailsJobAndReleasesLead(t *testing.T) {
	extractor := funcExtractor(func(context.Context, fingerprint.Fingerprint) (*transcript.Artifact, error) {
		return nil, transcript.NewError(transcript.KindSubtitlesDisabled, "no captions", nil)
	})
	h := startHarness(t, extractor, nil)
	ctx := context.Background()

	fp, _ := fingerprint.Parse("dQw4w9WgXcQ", "en", true)
	if _, err := h.coord.AcquireLead(ctx, fp, "api", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.BindJob(ctx, fp, "job-2", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := h.queue.Enqueue(ctx, queuedJob("job-2")); err != nil {
		t.Fatal(err)
	}

	job := h.awaitTerminal(t, "job-2")
	if job.Status != transcript.JobFailed || job.ErrorKind != transcript.KindSubtitlesDisabled {
		t.Fatalf("job = %+v", job)
	}
	if job.ErrorHint == "" {
		t.Fatal("failed job should carry a hint")
	}
	if _, ok, _ := h.shared.Get(ctx, kv.LockKey(fp.Key())); ok {
		t.Fatal("lock should be released after failure")
	}
	if _, ok, _ := h.shared.Get(ctx, kv.JobIndexKey(fp.Key())); ok {
		t.Fatal("job binding should be released after failure")
	}
}

func TestWorkerSurvivesPanickingExtraction(t *testing.T) {
	extractor := funcExtractor(func(context.Context, fingerprint.Fingerprint) (*transcript.Artifact, error) {
		panic("boom")
	})
	h := startHarness(t, extractor, nil)

	if err := h.queue.Enqueue(context.Background(), queuedJob("job-3")); err != nil {
		t.Fatal(err)
	}
	job := h.awaitTerminal(t, "job-3")
	if job.Status != transcript.JobFailed || job.ErrorKind != transcript.KindInternal {
		t.Fatalf("job = %+v", job)
	}

	// The runtime keeps processing after a panic.
	if err := h.queue.Enqueue(context.Background(), queuedJob("job-4")); err != nil {
		t.Fatal(err)
	}
	h.awaitTerminal(t, "job-4")
}

func TestWorkerDeliversWebhook(t *testing.T) {
	var deliveries atomic.Int32
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deliveries.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(receiver.Close)
	dispatcher, err := webhook.NewDispatcher(webhook.Config{
		Secret:  "s",
		Backoff: retry.Policy{Attempts: 2, Base: time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	h := startHarness(t, successExtractor(), dispatcher)

	job := queuedJob("job-5")
	job.WebhookURL = receiver.URL
	if err := h.queue.Enqueue(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	h.awaitTerminal(t, "job-5")
	h.awaitWebhookStatus(t, "job-5", transcript.WebhookDelivered)
	if deliveries.Load() != 1 {
		t.Fatalf("deliveries = %d", deliveries.Load())
	}
}

func TestWorkerRecordsWebhookFailure(t *testing.T) {
	dispatcher, err := webhook.NewDispatcher(webhook.Config{
		Secret:  "s",
		Backoff: retry.Policy{Attempts: 2, Base: time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	h := startHarness(t, successExtractor(), dispatcher)

	job := queuedJob("job-6")
	job.WebhookURL = "http://127.0.0.1:1/hooks"
	if err := h.queue.Enqueue(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	h.awaitTerminal(t, "job-6")
	h.awaitWebhookStatus(t, "job-6", transcript.WebhookFailed)
}

func TestWorkerGracefulShutdown(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	extractor := funcExtractor(func(ctx context.Context, fp fingerprint.Fingerprint) (*transcript.Artifact, error) {
		started <- struct{}{}
		<-release
		return successExtractor().Extract(ctx, fp)
	})
	h := startHarness(t, extractor, nil)

	if err := h.queue.Enqueue(context.Background(), queuedJob("job-7")); err != nil {
		t.Fatal(err)
	}
	<-started
	// Shutdown begins while the job is in flight; Run must wait for it.
	h.cancel()
	close(release)

	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("runtime did not stop")
	}
	job, _ := h.queue.Get(context.Background(), "job-7")
	if job == nil || job.Status != transcript.JobFinished {
		t.Fatalf("in-flight job = %+v", job)
	}
}

func TestWorkerShutdownBoundedByDrainTimeout(t *testing.T) {
	started := make(chan struct{}, 1)
	extractor := funcExtractor(func(ctx context.Context, fp fingerprint.Fingerprint) (*transcript.Artifact, error) {
		started <- struct{}{}
		// Never returns on its own; only the drain deadline frees it.
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := startHarness(t, extractor, nil, func(cfg *Config) {
		cfg.DrainTimeout = 50 * time.Millisecond
	})

	if err := h.queue.Enqueue(context.Background(), queuedJob("job-10")); err != nil {
		t.Fatal(err)
	}
	<-started
	h.cancel()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop within the drain window")
	}
	// The abandoned job must not be marked terminal: the reaper owns it now.
	job, _ := h.queue.Get(context.Background(), "job-10")
	if job == nil || job.Status != transcript.JobRunning {
		t.Fatalf("abandoned job = %+v", job)
	}
}
