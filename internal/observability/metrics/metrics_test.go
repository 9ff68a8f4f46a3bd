package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestObserveRequestAggregatesByNormalizedPath(t *testing.T) {
	r := New()
	r.ObserveRequest(http.MethodGet, "/api/v1/jobs/2f1f3c9a-77aa-4d55-9df0-51a3f2f9a001", 200, 15*time.Millisecond)
	r.ObserveRequest(http.MethodGet, "/api/v1/jobs/9d8f1c2b-0c4e-4ab0-8f6d-2f9b1a7cd002", 404, 3*time.Millisecond)

	body := scrape(t, r)
	if !strings.Contains(body, `ytsubs_http_requests_total{method="GET",path="/api/v1/jobs/:id",status="2xx"} 1`) {
		t.Fatalf("missing 2xx series:\n%s", body)
	}
	if !strings.Contains(body, `ytsubs_http_requests_total{method="GET",path="/api/v1/jobs/:id",status="4xx"} 1`) {
		t.Fatalf("missing 4xx series:\n%s", body)
	}
	if !strings.Contains(body, `ytsubs_http_request_duration_seconds_count{method="GET",path="/api/v1/jobs/:id"} 2`) {
		t.Fatalf("missing duration count:\n%s", body)
	}
}

func TestCacheAndRateLimitCounters(t *testing.T) {
	r := New()
	r.ObserveCacheLookup("local")
	r.ObserveCacheLookup("local")
	r.ObserveCacheLookup("miss")
	r.ObserveRateLimit(true)
	r.ObserveRateLimit(false)

	body := scrape(t, r)
	for _, want := range []string{
		`ytsubs_cache_lookups_total{tier="local"} 2`,
		`ytsubs_cache_lookups_total{tier="miss"} 1`,
		`ytsubs_rate_limit_decisions_total{decision="allowed"} 1`,
		`ytsubs_rate_limit_decisions_total{decision="denied"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q:\n%s", want, body)
		}
	}
}

func TestExtractionOutcomeUsesErrorKind(t *testing.T) {
	r := New()
	r.ObserveExtraction("primary", 100*time.Millisecond, nil)
	r.ObserveExtraction("fallback", 50*time.Millisecond,
		transcript.NewError(transcript.KindUpstreamBlocked, "blocked", nil))

	body := scrape(t, r)
	if !strings.Contains(body, `ytsubs_extraction_duration_seconds_count{engine="primary",outcome="ok"} 1`) {
		t.Fatalf("missing primary series:\n%s", body)
	}
	if !strings.Contains(body, `ytsubs_extraction_duration_seconds_count{engine="fallback",outcome="upstream_blocked"} 1`) {
		t.Fatalf("missing fallback series:\n%s", body)
	}
}

func TestJobLifecycleGaugeAndCounter(t *testing.T) {
	r := New()
	r.JobStarted()
	r.JobStarted()
	r.JobFinished(transcript.Job{Status: transcript.JobFinished})
	r.JobFinished(transcript.Job{Status: transcript.JobFailed, ErrorKind: transcript.KindVideoUnavailable})
	r.SetQueueDepth(7)

	body := scrape(t, r)
	for _, want := range []string{
		`ytsubs_active_jobs 0`,
		`ytsubs_jobs_total{kind="none",status="finished"} 1`,
		`ytsubs_jobs_total{kind="video_unavailable",status="failed"} 1`,
		`ytsubs_queue_depth 7`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q:\n%s", want, body)
		}
	}
}

func TestWebhookAndProxyCounters(t *testing.T) {
	r := New()
	r.ObserveWebhook(true)
	r.ObserveWebhook(false)
	r.ObserveProxyEvent("bench")

	body := scrape(t, r)
	for _, want := range []string{
		`ytsubs_webhook_deliveries_total{outcome="delivered"} 1`,
		`ytsubs_webhook_deliveries_total{outcome="failed"} 1`,
		`ytsubs_proxy_events_total{event="bench"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q:\n%s", want, body)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/healthz", "/healthz"},
		{"/api/v1/subtitles", "/api/v1/subtitles"},
		{"/api/v1/cached/dQw4w9WgXcQ", "/api/v1/cached/:id"},
		{"/api/v1/jobs/2f1f3c9a-77aa-4d55-9df0-51a3f2f9a001", "/api/v1/jobs/:id"},
		{"/api/v1/jobs/", "/api/v1/jobs"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.in); got != tc.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
