// Package api exposes the case pipeline over HTTP: analyze runs, audit
// chain reads and verification, approval decisions, usage reporting,
// and signing-key discovery. Errors are RFC 7807 problem+json.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/crypto"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/escalation"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/pipeline"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/store"
)

// Config wires the server's dependencies.
type Config struct {
	Orchestrator *pipeline.Orchestrator
	Backend      store.Backend
	Approvals    *escalation.Manager
	Keys         *crypto.KeyRing

	// Metrics defaults to a fresh instrument set when nil.
	Metrics *Metrics

	// RatePerSecond limits requests per client IP. Zero disables the
	// limiter.
	RatePerSecond int
	RateBurst     int

	Logger *slog.Logger
}

// Server serves the pipeline API.
type Server struct {
	orc       *pipeline.Orchestrator
	backend   store.Backend
	approvals *escalation.Manager
	keys      *crypto.KeyRing

	metrics *Metrics
	limiter *GlobalRateLimiter
	logger  *slog.Logger

	analyzeSchema *jsonschema.Schema
	startedAt     time.Time
	httpServer    *http.Server
}

// NewServer validates the configuration and compiles the analyze
// request schema.
func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Orchestrator == nil:
		return nil, fmt.Errorf("api: orchestrator is required")
	case cfg.Backend == nil:
		return nil, fmt.Errorf("api: backend is required")
	case cfg.Approvals == nil:
		return nil, fmt.Errorf("api: approval manager is required")
	case cfg.Keys == nil:
		return nil, fmt.Errorf("api: key ring is required")
	}

	schema, err := compileAnalyzeSchema()
	if err != nil {
		return nil, err
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		orc:           cfg.Orchestrator,
		backend:       cfg.Backend,
		approvals:     cfg.Approvals,
		keys:          cfg.Keys,
		metrics:       metrics,
		logger:        logger.With("component", "api"),
		analyzeSchema: schema,
		startedAt:     time.Now(),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = cfg.RatePerSecond
		}
		s.limiter = NewGlobalRateLimiter(cfg.RatePerSecond, burst)
	}
	return s, nil
}

// Handler builds the route table wrapped in the request-id, access-log,
// rate-limit, and instrumentation middleware. Authentication wraps the
// returned handler at the composition root.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", s.metrics.Handler())

	mux.HandleFunc("/api/cases", s.handleCasesRouter)
	mux.HandleFunc("/api/cases/", s.handleCasesRouter)
	mux.HandleFunc("/api/audit/", s.handleAuditRouter)
	mux.HandleFunc("/api/approvals", s.handleApprovalsRouter)
	mux.HandleFunc("/api/approvals/", s.handleApprovalsRouter)
	mux.HandleFunc("/api/keys", s.handleKeys)
	mux.HandleFunc("/api/stats", s.handleStats)

	var h http.Handler = mux
	h = Instrument(s.metrics, h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = AccessLog(s.logger, h)
	h = RequestID(h)
	return h
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string, handler http.Handler) error {
	if handler == nil {
		handler = s.Handler()
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("api listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleReady reports readiness by pinging the backend.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if err := s.backend.Ping(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Not Ready", "Case store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleStats summarizes store contents for dashboards.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	cases, err := s.backend.ListCases(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	pending, err := s.approvals.PendingCount(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}

	byStatus := make(map[string]int)
	for _, c := range cases {
		byStatus[string(c.Status)]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cases":             len(cases),
		"cases_by_status":   byStatus,
		"pending_approvals": pending,
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
