package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/admission"
	"github.com/7and1/youtube-subtitle-api/internal/observability/logging"
	"github.com/7and1/youtube-subtitle-api/internal/observability/metrics"
	"github.com/7and1/youtube-subtitle-api/internal/serverutil"
)

// Config wires the HTTP server. Orchestrator is required.
type Config struct {
	Addr string
	TLS  serverutil.TLSConfig
	// AdminAPIKey guards the /api/v1/admin surface. It may be a plain key
	// or a pbkdf2 hash produced by HashAPIKey. Empty disables the admin
	// endpoints.
	AdminAPIKey string
	// Health reports readiness of the server's dependencies.
	Health          func(ctx context.Context) error
	Metrics         *metrics.Recorder
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
}

// Server serves the public and admin API.
type Server struct {
	cfg        Config
	orch       *admission.Orchestrator
	logger     *slog.Logger
	handler    http.Handler
	httpServer *http.Server
}

// New builds the route table and middleware chain.
func New(orch *admission.Orchestrator, cfg Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("server requires an orchestrator")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	s := &Server{cfg: cfg, orch: orch, logger: logger.With("component", "http")}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/v1/subtitles", s.handleSubmit)
	mux.HandleFunc("/api/v1/subtitles/batch", s.handleBatch)
	mux.HandleFunc("/api/v1/subtitles/cached", s.handleCached)
	mux.HandleFunc("/api/v1/jobs/", s.handleJob)
	mux.HandleFunc("/api/v1/admin/stats", s.requireAdmin(s.handleAdminStats))
	mux.HandleFunc("/api/v1/admin/cache/clear", s.requireAdmin(s.handleAdminClearCache))
	mux.HandleFunc("/api/v1/admin/rate-limits", s.requireAdmin(s.handleAdminRateLimitStats))
	mux.HandleFunc("/api/v1/admin/rate-limits/reset", s.requireAdmin(s.handleAdminRateLimitReset))

	chain := http.Handler(mux)
	chain = securityHeaders(chain)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: s.logger})(chain)
	chain = requestIDMiddleware(s.logger, chain)
	s.handler = chain

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.cfg.TLS,
		ShutdownTimeout: s.cfg.ShutdownTimeout,
		Ready:           ready,
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
