// Package api binds stage runs to HTTP: stage requests are POSTed and their
// events stream back as server-sent events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/stageflow/store"
	"github.com/c360studio/stageflow/stream"
	"github.com/c360studio/stageflow/workflow"
)

// maxRequestBody bounds a stage request body.
const maxRequestBody = 1 << 20

// HealthChecker is implemented by stores that can report backend health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server serves the stage API.
type Server struct {
	sessions     *stream.Manager
	store        store.Store
	metrics      http.Handler
	rateLimit    RateLimitConfig
	writeTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves h on /metrics. Defaults to promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.metrics = h
		}
	}
}

// WithRateLimit sets the stream route rate limit.
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(s *Server) {
		s.rateLimit = cfg
	}
}

// WithWriteTimeout bounds the write of each SSE frame. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a server streaming sessions of sessions and reading
// artifacts from st.
func NewServer(sessions *stream.Manager, st store.Store, opts ...Option) *Server {
	s := &Server{
		sessions:     sessions,
		store:        st,
		metrics:      promhttp.Handler(),
		rateLimit:    DefaultRateLimit(),
		writeTimeout: 30 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics)

	r.Route("/api/flows/{flowID}", func(r chi.Router) {
		r.With(RateLimit(s.rateLimit)).Post("/stream", s.handleStream)
		r.Delete("/stream", s.handleCancel)
		r.Get("/artifacts/{stage}", s.handleArtifact)
	})
	return r
}

// handleStream opens a session for the posted stage request and writes its
// events until the session ends or the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")
	if err := store.ValidateFlowID(flowID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_flow_id", err.Error())
		return
	}

	var wire workflow.WireRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be a JSON object: "+err.Error())
		return
	}
	req, err := wire.ToStageRequest(flowID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.TraceID = r.Header.Get("X-Trace-ID")

	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	// The session lives as long as the request: a client disconnect cancels it.
	sess, err := s.sessions.Open(r.Context(), req)
	if err != nil {
		if errors.Is(err, stream.ErrManagerClosed) {
			writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Session-ID", sess.ID)
	h.Set("X-Trace-ID", sess.TraceID)
	w.WriteHeader(http.StatusOK)

	logger := s.logger.With("flow_id", flowID, "session_id", sess.ID, "stage", req.Stage)
	enc := stream.NewEncoder(w)
	rc := http.NewResponseController(w)
	for ev := range sess.Events() {
		if s.writeTimeout > 0 {
			_ = rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		}
		if err := enc.Encode(ev); err != nil {
			logger.Info("Client write failed, tearing down session", "error", err)
			sess.Cancel()
			<-sess.Done()
			return
		}
	}
	logger.Debug("Stream finished", "state", sess.State())
}

// handleCancel aborts the active session of the flow.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")
	if !s.sessions.Cancel(flowID) {
		writeError(w, http.StatusNotFound, "no_active_session", "no active session for flow "+flowID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleArtifact returns the latest stored artifact of a stage.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")
	stage, err := workflow.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_stage", err.Error())
		return
	}

	rec, err := s.store.Get(r.Context(), flowID, stage)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no "+string(stage)+" artifact for flow "+flowID)
		return
	case errors.Is(err, store.ErrInvalidFlowID):
		writeError(w, http.StatusBadRequest, "invalid_flow_id", err.Error())
		return
	case err != nil:
		s.logger.Error("Artifact read failed", "flow_id", flowID, "stage", stage, "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not read artifact")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if hc, ok := s.store.(HealthChecker); ok {
		if err := hc.HealthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.sessions.Len()})
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Error: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
