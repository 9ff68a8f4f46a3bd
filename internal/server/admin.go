package server

import (
	"net/http"
	"strings"

	"github.com/7and1/youtube-subtitle-api/internal/admission"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// AdminKeyHeader carries the admin API key.
const AdminKeyHeader = "X-Admin-Key"

// requireAdmin guards a handler behind the configured admin API key. When
// no key is configured the admin surface is disabled entirely.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminAPIKey == "" {
			writeMessageError(w, http.StatusNotFound, transcript.KindInvalidInput, "not found")
			return
		}
		candidate := strings.TrimSpace(r.Header.Get(AdminKeyHeader))
		if err := VerifyAPIKey(s.cfg.AdminAPIKey, candidate); err != nil {
			s.logger.WarnContext(r.Context(), "admin auth rejected", "path", r.URL.Path)
			writeMessageError(w, http.StatusUnauthorized, transcript.KindInvalidInput, "invalid admin key")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessageError(w, http.StatusMethodNotAllowed, transcript.KindInvalidInput, "method not allowed")
		return
	}
	stats, err := s.orch.Stats(r.Context())
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type clearCacheRequest struct {
	Scope      string `json:"scope,omitempty"`
	URL        string `json:"url,omitempty"`
	Language   string `json:"language,omitempty"`
	Clean      *bool  `json:"clean,omitempty"`
	PurgeDB    bool   `json:"purge_db"`
	CancelJobs bool   `json:"cancel_jobs"`
}

func (s *Server) handleAdminClearCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessageError(w, http.StatusMethodNotAllowed, transcript.KindInvalidInput, "method not allowed")
		return
	}
	var req clearCacheRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeMessageError(w, http.StatusBadRequest, transcript.KindInvalidInput, err.Error())
			return
		}
	}
	opts := admission.ClearCacheOptions{
		Scope:        req.Scope,
		Ref:          req.URL,
		Language:     req.Language,
		Clean:        true,
		PurgeDurable: req.PurgeDB,
		CancelJobs:   req.CancelJobs,
	}
	if req.Clean != nil {
		opts.Clean = *req.Clean
	}
	result, err := s.orch.ClearCache(r.Context(), opts)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdminRateLimitStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessageError(w, http.StatusMethodNotAllowed, transcript.KindInvalidInput, "method not allowed")
		return
	}
	states, err := s.orch.RateLimitStats(r.Context(), r.URL.Query().Get("principal"))
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buckets": states})
}

type rateLimitResetRequest struct {
	Principal string `json:"principal"`
}

func (s *Server) handleAdminRateLimitReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessageError(w, http.StatusMethodNotAllowed, transcript.KindInvalidInput, "method not allowed")
		return
	}
	var req rateLimitResetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessageError(w, http.StatusBadRequest, transcript.KindInvalidInput, err.Error())
		return
	}
	removed, err := s.orch.RateLimitReset(r.Context(), req.Principal)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}
