package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

const namespace = "ytsubs"

// Recorder bundles the Prometheus collectors for the service: HTTP traffic,
// cache tier lookups, extraction outcomes, queue depth, webhook deliveries,
// and rate limit decisions. Each Recorder owns its registry so tests can
// scrape in isolation.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	extractDuration *prometheus.HistogramVec
	jobsTotal       *prometheus.CounterVec
	activeJobs      prometheus.Gauge
	queueDepth      prometheus.Gauge
	webhookTotal    *prometheus.CounterVec
	rateLimitTotal  *prometheus.CounterVec
	proxyEvents     *prometheus.CounterVec
}

var defaultRecorder = New()

// New constructs a Recorder with a fresh registry and all collectors
// registered, including the standard Go and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed by the API.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "path"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by the tier that answered (miss for none).",
		}, []string{"tier"}),
		extractDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_duration_seconds",
			Help:      "Duration of single extraction attempts by engine and outcome.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"engine", "outcome"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Extraction jobs reaching a terminal state, by status and error kind.",
		}, []string{"status", "kind"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Extractions currently in flight.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in the extraction queue.",
		}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by final outcome.",
		}, []string{"outcome"}),
		rateLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Admission decisions made by the rate limiter.",
		}, []string{"decision"}),
		proxyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_events_total",
			Help:      "Proxy rotation events.",
		}, []string{"event"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests, r.httpDuration, r.cacheLookups, r.extractDuration,
		r.jobsTotal, r.activeJobs, r.queueDepth, r.webhookTotal,
		r.rateLimitTotal, r.proxyEvents,
	)
	return r
}

// Default returns the singleton Recorder shared by packages that do not
// carry their own instrumentation wiring.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest records one completed HTTP request. Paths are normalized so
// per-job and per-video URLs collapse into a bounded label set.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	normalized := normalizePath(path)
	r.httpRequests.WithLabelValues(strings.ToUpper(method), normalized, statusText(status)).Inc()
	r.httpDuration.WithLabelValues(strings.ToUpper(method), normalized).Observe(duration.Seconds())
}

// ObserveCacheLookup records which tier answered a lookup ("local", "shared",
// "durable", or "miss").
func (r *Recorder) ObserveCacheLookup(tier string) {
	r.cacheLookups.WithLabelValues(normalizeName(tier)).Inc()
}

// ObserveExtraction records one engine attempt from the extraction ladder.
func (r *Recorder) ObserveExtraction(engine string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(transcript.KindOf(err))
	}
	r.extractDuration.WithLabelValues(normalizeName(engine), outcome).Observe(duration.Seconds())
}

// JobStarted increments the in-flight gauge.
func (r *Recorder) JobStarted() {
	r.activeJobs.Inc()
}

// JobFinished records a terminal job and decrements the in-flight gauge.
func (r *Recorder) JobFinished(job transcript.Job) {
	r.activeJobs.Dec()
	kind := string(job.ErrorKind)
	if kind == "" {
		kind = "none"
	}
	r.jobsTotal.WithLabelValues(string(job.Status), kind).Inc()
}

// SetQueueDepth publishes the current queue backlog.
func (r *Recorder) SetQueueDepth(depth int64) {
	r.queueDepth.Set(float64(depth))
}

// ObserveWebhook records the final outcome of one webhook dispatch.
func (r *Recorder) ObserveWebhook(delivered bool) {
	outcome := "delivered"
	if !delivered {
		outcome = "failed"
	}
	r.webhookTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimit records an admission decision.
func (r *Recorder) ObserveRateLimit(allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	r.rateLimitTotal.WithLabelValues(decision).Inc()
}

// ObserveProxyEvent records a rotation event ("success", "failure", "bench").
func (r *Recorder) ObserveProxyEvent(event string) {
	r.proxyEvents.WithLabelValues(normalizeName(event)).Inc()
}

// Handler exposes the Recorder's registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

func statusText(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// normalizePath collapses identifier-looking segments (job ids, video ids)
// into a placeholder so the label cardinality stays bounded.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier matches UUIDs and YouTube video ids without a route
// table. Video ids are 11 characters; UUIDs are longer still.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 11 {
		return true
	}
	digits := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
