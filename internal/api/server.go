// Package api exposes the run engine over HTTP: run lifecycle endpoints
// and the SSE stream of run events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kortix-ai/agentpress/internal/observability"
	"github.com/kortix-ai/agentpress/internal/run"
	"github.com/kortix-ai/agentpress/internal/store"
	"github.com/kortix-ai/agentpress/pkg/models"
)

const ssePingInterval = 15 * time.Second

// Config configures the HTTP server.
type Config struct {
	Addr       string
	Supervisor *run.Supervisor
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Server serves the engine's HTTP API.
type Server struct {
	supervisor *run.Supervisor
	metrics    *observability.Metrics
	logger     *slog.Logger

	addr       string
	httpServer *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		supervisor: cfg.Supervisor,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		addr:       cfg.Addr,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/thread/", s.handleThread)
	mux.HandleFunc("/api/agent-run/", s.handleAgentRun)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.instrument(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the root handler; tests mount it on httptest servers.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins serving. It returns once the listener is bound.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", s.addr)
	return nil
}

// Shutdown drains connections until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// instrument records request latency. SSE requests are measured too; their
// duration is the stream lifetime.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequestDuration.WithLabelValues(
			r.Method, routeLabel(r.URL.Path), fmt.Sprintf("%d", rec.status),
		).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses IDs so the metric cardinality stays bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if len(p) > 8 && strings.Count(p, "-") >= 2 {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes through so SSE still works behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleThread routes /api/thread/{id}/agent/start and
// /api/thread/{id}/agent-runs.
func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/thread/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" {
		s.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	threadID := parts[0]

	switch {
	case len(parts) == 3 && parts[1] == "agent" && parts[2] == "start":
		s.startRun(w, r, threadID)
	case len(parts) == 2 && parts[1] == "agent-runs":
		s.listRuns(w, r, threadID)
	default:
		s.jsonError(w, "Not found", http.StatusNotFound)
	}
}

// handleAgentRun routes /api/agent-run/{id}, /api/agent-run/{id}/stop and
// /api/agent-run/{id}/stream.
func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/agent-run/")
	parts := strings.Split(path, "/")
	if len(parts) < 1 || parts[0] == "" {
		s.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	runID := parts[0]

	switch {
	case len(parts) == 1:
		s.getRun(w, r, runID)
	case len(parts) == 2 && parts[1] == "stop":
		s.stopRun(w, r, runID)
	case len(parts) == 2 && parts[1] == "stream":
		s.streamRun(w, r, runID)
	default:
		s.jsonError(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request, threadID string) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.Header.Get("X-User-ID")

	runID, err := s.supervisor.Start(r.Context(), threadID, userID)
	if err != nil {
		var billing *run.BillingError
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.jsonError(w, "Thread not found", http.StatusNotFound)
		case errors.Is(err, run.ErrAccessDenied):
			s.jsonError(w, "Access denied", http.StatusForbidden)
		case errors.As(err, &billing):
			s.jsonError(w, billing.Message, http.StatusPaymentRequired)
		default:
			s.logger.Error("start run failed", "thread_id", threadID, "error", err)
			s.jsonError(w, "Failed to start agent run", http.StatusInternalServerError)
		}
		return
	}
	s.jsonResponse(w, map[string]string{"agent_run_id": runID, "status": "running"})
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.supervisor.Stop(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, "Agent run not found", http.StatusNotFound)
			return
		}
		s.logger.Error("stop run failed", "run_id", runID, "error", err)
		s.jsonError(w, "Failed to stop agent run", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "stopped"})
}

type runResponse struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func toRunResponse(r *models.AgentRun) runResponse {
	return runResponse{
		ID:          r.ID,
		ThreadID:    r.ThreadID,
		Status:      string(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	agentRun, err := s.supervisor.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, "Agent run not found", http.StatusNotFound)
			return
		}
		s.logger.Error("get run failed", "run_id", runID, "error", err)
		s.jsonError(w, "Failed to load agent run", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, toRunResponse(agentRun))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request, threadID string) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runs, err := s.supervisor.ListByThread(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, "Thread not found", http.StatusNotFound)
			return
		}
		s.logger.Error("list runs failed", "thread_id", threadID, "error", err)
		s.jsonError(w, "Failed to list agent runs", http.StatusInternalServerError)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, toRunResponse(r))
	}
	s.jsonResponse(w, map[string]any{"agent_runs": out})
}

// streamRun serves the run's events as SSE. The stream replays the full
// prefix first, then follows live events until the run reaches a terminal
// status or the client disconnects.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, err := s.supervisor.Stream(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, "Agent run not found", http.StatusNotFound)
			return
		}
		s.logger.Error("stream run failed", "run_id", runID, "error", err)
		s.jsonError(w, "Failed to stream agent run", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", ev.Encode())
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
