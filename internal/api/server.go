// Package api exposes the HTTP interface of the orchestrator: REST job
// control, health and metrics endpoints, and the websocket RPC surface that
// streams subscription sessions.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlmux/crawlmux/internal/bus"
	"github.com/crawlmux/crawlmux/internal/jobs"
	"github.com/crawlmux/crawlmux/internal/metrics"
	"github.com/crawlmux/crawlmux/internal/store"
)

// Server wires HTTP handlers to the job registry and stores.
type Server struct {
	router    chi.Router
	registry  *jobs.Registry
	jobStore  store.JobStore
	pageStore store.PageStore
	bus       *bus.Bus
	logger    *zap.Logger

	// sessionPollBackoff overrides the tail poll interval for websocket
	// sessions (tests shorten it).
	sessionPollBackoff time.Duration
	// sessionMaxMessageSize, when positive, caps outbound websocket
	// messages for new sessions.
	sessionMaxMessageSize int
}

// SetSessionPollBackoff overrides the tail poll interval for new websocket
// sessions.
func (s *Server) SetSessionPollBackoff(d time.Duration) {
	s.sessionPollBackoff = d
}

// SetSessionMaxMessageSize sets the initial outbound message cap for new
// websocket sessions.
func (s *Server) SetSessionMaxMessageSize(n int) {
	s.sessionMaxMessageSize = n
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	registry *jobs.Registry,
	jobStore store.JobStore,
	pageStore store.PageStore,
	signalBus *bus.Bus,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry:  registry,
		jobStore:  jobStore,
		pageStore: pageStore,
		bus:       signalBus,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/ws", s.handleWS)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.startJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/stop", s.stopJob)
				r.Post("/pause", s.pauseJob)
				r.Post("/resume", s.resumeJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.jobStore.LastID(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.registry.Jobs()})
}

type startJobRequest struct {
	Seed     string            `json:"seed"`
	Args     map[string]string `json:"args"`
	Settings map[string]any    `json:"settings"`
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Seed == "" {
		writeError(w, http.StatusBadRequest, "missing seed")
		return
	}
	rec, err := s.registry.StartJob(r.Context(), req.Seed, req.Args, req.Settings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		// The seed resolved to no handler; a soft decline, not a failure.
		writeJSON(w, http.StatusOK, map[string]any{"started": false})
		return
	}
	metrics.JobStarted("api")
	writeJSON(w, http.StatusAccepted, map[string]any{"started": true, "job": rec})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	rec, err := s.registry.GetJob(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": rec})
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	s.jobAction(w, "stopping", id, func() error { return s.registry.StopJob(r.Context(), id) })
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	s.jobAction(w, "paused", id, func() error { return s.registry.PauseJob(id) })
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	s.jobAction(w, "resumed", id, func() error { return s.registry.ResumeJob(id) })
}

func (s *Server) jobAction(w http.ResponseWriter, verb string, id int64, action func() error) {
	switch err := action(); {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrIllegalState):
		writeError(w, http.StatusConflict, "job is stopping")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": verb})
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "job_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps the websocket upgrade working through the middleware chain.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	return h.Hijack()
}
