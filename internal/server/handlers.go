package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/7and1/youtube-subtitle-api/internal/admission"
	"github.com/7and1/youtube-subtitle-api/internal/ratelimit"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

type submitRequest struct {
	URL        string `json:"url"`
	Language   string `json:"language"`
	Clean      *bool  `json:"clean"`
	WebhookURL string `json:"webhook_url"`
}

type submitResponse struct {
	Cached   bool                 `json:"cached"`
	Tier     string               `json:"tier,omitempty"`
	Artifact *transcript.Artifact `json:"artifact,omitempty"`
	Job      *transcript.Job      `json:"job,omitempty"`
}

type batchRequest struct {
	Items []submitRequest `json:"items"`
}

type batchItemResponse struct {
	URL       string               `json:"url"`
	Cached    bool                 `json:"cached"`
	Tier      string               `json:"tier,omitempty"`
	Artifact  *transcript.Artifact `json:"artifact,omitempty"`
	Job       *transcript.Job      `json:"job,omitempty"`
	ErrorKind string               `json:"error_kind,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type batchResponse struct {
	Items []batchItemResponse `json:"items"`
}

func (r submitRequest) toAdmission(principal string) admission.Request {
	clean := true
	if r.Clean != nil {
		clean = *r.Clean
	}
	return admission.Request{
		Ref:        r.URL,
		Language:   r.Language,
		Clean:      clean,
		WebhookURL: r.WebhookURL,
		Principal:  principal,
	}
}

// principalFor identifies the caller for rate limiting: the API key when
// one is presented, the client IP otherwise.
func principalFor(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	if d == nil {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if !d.Allowed && d.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+0.5)))
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessageError(w, http.StatusMethodNotAllowed, transcript.KindInvalidInput, "method not allowed")
		return
	}
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessageError(w, http.StatusBadRequest, transcript.KindInvalidInput, err.Error())
		return
	}

	result, err := s.orch.Submit(r.Context(), req.toAdmission(principalFor(r)))
	if result != nil {
		setRateLimitHeaders(w, result.RateLimit)
	}
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeSubmitResult(w, result)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessageError(w, http.StatusMethodNotAllowed, transcript.KindInvalidInput, "method not allowed")
		return
	}
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessageError(w, http.StatusBadRequest, transcript.KindInvalidInput, err.Error())
		return
	}
	principal := principalFor(r)
	reqs := make([]admission.Request, len(req.Items))
	for i, item := range req.Items {
		reqs[i] = item.toAdmission(principal)
	}

	items, err := s.orch.SubmitBatch(r.Context(), principal, reqs)
	if err != nil {
		writeKindError(w, err)
		return
	}

	resp := batchResponse{Items: make([]batchItemResponse, len(items))}
	for i, item := range items {
		out := batchItemResponse{URL: item.Ref}
		if item.Err != nil {
			out.ErrorKind = string(transcript.KindOf(item.Err))
			out.Error = transcript.HintOf(item.Err)
		} else if item.Result != nil {
			out.Cached = item.Result.Cached
			out.Tier = item.Result.Tier
			out.Artifact = item.Result.Artifact
			out.Job = item.Result.Job
		}
		resp.Items[i] = out
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCached(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessageError(w, http.StatusMethodNotAllowed, transcript.KindInvalidInput, "method not allowed")
		return
	}
	query := r.URL.Query()
	clean := true
	if raw := query.Get("clean"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeMessageError(w, http.StatusBadRequest, transcript.KindInvalidInput, "clean must be a boolean")
			return
		}
		clean = parsed
	}
	cleanFlag := clean
	req := submitRequest{
		URL:      query.Get("url"),
		Language: query.Get("language"),
		Clean:    &cleanFlag,
	}

	result, err := s.orch.LookupCached(r.Context(), req.toAdmission(principalFor(r)))
	if result != nil {
		setRateLimitHeaders(w, result.RateLimit)
	}
	if err != nil {
		writeKindError(w, err)
		return
	}
	if !result.Cached {
		writeJSON(w, http.StatusNotFound, submitResponse{Cached: false})
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Cached: true, Tier: result.Tier, Artifact: result.Artifact})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessageError(w, http.StatusMethodNotAllowed, transcript.KindInvalidInput, "method not allowed")
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeMessageError(w, http.StatusBadRequest, transcript.KindInvalidInput, "job id required")
		return
	}

	job, err := s.orch.JobStatus(r.Context(), jobID)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if job == nil {
		writeMessageError(w, http.StatusNotFound, transcript.KindInvalidInput, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeSubmitResult(w http.ResponseWriter, result *admission.Result) {
	if result.Cached {
		writeJSON(w, http.StatusOK, submitResponse{
			Cached:   true,
			Tier:     result.Tier,
			Artifact: result.Artifact,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Job: result.Job})
}
