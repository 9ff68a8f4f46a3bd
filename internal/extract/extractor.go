package extract

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/7and1/youtube-subtitle-api/internal/fingerprint"
	"github.com/7and1/youtube-subtitle-api/internal/proxy"
	"github.com/7and1/youtube-subtitle-api/internal/retry"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// Config wires an Extractor. Primary is required; Fallback, Rotator, and
// Titles are optional.
type Config struct {
	Primary  Engine
	Fallback Engine
	Rotator  *proxy.Rotator
	Titles   TitleFetcher
	// AttemptTimeout bounds one engine attempt end to end.
	AttemptTimeout time.Duration
	// Backoff paces the gaps between ladder rungs.
	Backoff retry.Policy
	// Throttle caps outbound request rate across all extractions.
	Throttle *rate.Limiter
	// RetentionTTL stamps the artifact expiry.
	RetentionTTL time.Duration
	Logger       *slog.Logger
	// Observe is called once per attempt with the engine name and outcome.
	Observe func(engine string, duration time.Duration, err error)
}

// Extractor runs the engine ladder for one fingerprint: primary direct,
// primary proxied, fallback direct, fallback proxied. Non-retryable errors
// stop the ladder immediately.
type Extractor struct {
	cfg     Config
	logger  *slog.Logger
	observe func(engine string, duration time.Duration, err error)

	mu      sync.Mutex
	clients map[string]*http.Client
}

// New validates the config and returns an Extractor.
func New(cfg Config) (*Extractor, error) {
	if cfg.Primary == nil {
		return nil, fmt.Errorf("extractor requires a primary engine")
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = 7 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observe := cfg.Observe
	if observe == nil {
		observe = func(string, time.Duration, error) {}
	}
	return &Extractor{
		cfg:     cfg,
		logger:  logger.With("component", "extract"),
		observe: observe,
		clients: make(map[string]*http.Client),
	}, nil
}

type rung struct {
	engine  Engine
	proxied bool
}

// Extract runs the ladder and returns a committed-ready artifact.
func (e *Extractor) Extract(ctx context.Context, fp fingerprint.Fingerprint) (*transcript.Artifact, error) {
	rungs := make([]rung, 0, 4)
	rungs = append(rungs, rung{engine: e.cfg.Primary})
	if e.cfg.Rotator != nil && !e.cfg.Rotator.Empty() {
		rungs = append(rungs, rung{engine: e.cfg.Primary, proxied: true})
	}
	if e.cfg.Fallback != nil {
		rungs = append(rungs, rung{engine: e.cfg.Fallback})
		if e.cfg.Rotator != nil && !e.cfg.Rotator.Empty() {
			rungs = append(rungs, rung{engine: e.cfg.Fallback, proxied: true})
		}
	}

	started := time.Now()
	var lastErr error
	for i, r := range rungs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i > 0 {
			if delay := e.cfg.Backoff.Delay(i); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
			}
		}

		proxyURL := ""
		if r.proxied {
			selected, ok := e.cfg.Rotator.Next()
			if !ok {
				e.logger.WarnContext(ctx, "no proxy available, skipping rung",
					"engine", string(r.engine.Name()))
				continue
			}
			proxyURL = selected
		}

		segments, err := e.attempt(ctx, r.engine, proxyURL, fp)
		if err == nil {
			if proxyURL != "" {
				e.cfg.Rotator.MarkSuccess(proxyURL)
			}
			return e.buildArtifact(ctx, fp, r.engine.Name(), segments, started), nil
		}
		lastErr = err
		if proxyURL != "" {
			e.cfg.Rotator.MarkFailure(proxyURL)
		}
		kind := transcript.KindOf(err)
		e.logger.WarnContext(ctx, "extraction attempt failed",
			"engine", string(r.engine.Name()),
			"proxied", r.proxied,
			"kind", string(kind),
			"error", err)
		if !kind.Retryable() {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = transcript.NewError(transcript.KindInternal, "no extraction attempt ran", nil)
	}
	return nil, lastErr
}

func (e *Extractor) attempt(ctx context.Context, engine Engine, proxyURL string, fp fingerprint.Fingerprint) ([]transcript.Segment, error) {
	if e.cfg.Throttle != nil {
		if err := e.cfg.Throttle.Wait(ctx); err != nil {
			return nil, err
		}
	}
	client, err := e.clientFor(proxyURL)
	if err != nil {
		return nil, err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	started := time.Now()
	segments, err := engine.Fetch(attemptCtx, client, fp.VideoID, fp.Language)
	e.observe(string(engine.Name()), time.Since(started), err)
	return segments, err
}

func (e *Extractor) buildArtifact(ctx context.Context, fp fingerprint.Fingerprint, engine transcript.Engine, segments []transcript.Segment, started time.Time) *transcript.Artifact {
	// The joined plain text exists only for cleaned artifacts; raw
	// requests carry segments alone.
	var plain string
	if fp.Clean {
		segments, plain = transcript.CleanSegments(segments)
	}
	now := time.Now()
	artifact := &transcript.Artifact{
		VideoID:    fp.VideoID,
		Language:   fp.Language,
		Clean:      fp.Clean,
		EngineUsed: engine,
		Segments:   segments,
		PlainText:  plain,
		DurationMS: time.Since(started).Milliseconds(),
		Integrity:  transcript.ComputeIntegrity(segments),
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.cfg.RetentionTTL),
	}
	if e.cfg.Titles != nil {
		client, err := e.clientFor("")
		if err == nil {
			titleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			title, err := e.cfg.Titles.Title(titleCtx, client, fp.VideoID)
			cancel()
			if err != nil {
				e.logger.DebugContext(ctx, "title fetch failed", "video_id", fp.VideoID, "error", err)
			} else {
				artifact.Title = title
			}
		}
	}
	return artifact
}

// clientFor returns a cached HTTP client for the proxy, or the direct
// client when the proxy is empty.
func (e *Extractor) clientFor(proxyURL string) (*http.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if client, ok := e.clients[proxyURL]; ok {
		return client, nil
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, transcript.NewError(transcript.KindInternal,
				fmt.Sprintf("malformed proxy url %q", proxyURL), err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	client := &http.Client{Transport: transport, Timeout: e.cfg.AttemptTimeout}
	e.clients[proxyURL] = client
	return client, nil
}

