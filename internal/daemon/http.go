package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/benchtop-dev/benchtop/internal/store"
)

// StatusServer is the read-only HTTP surface for ops tooling. It binds to
// loopback by default and exposes nothing that mutates state.
type StatusServer struct {
	listen    string
	daemon    *Server
	server    *http.Server
	startedAt time.Time
}

// NewStatusServer creates the status endpoint for a daemon server.
func NewStatusServer(listen string, daemon *Server) *StatusServer {
	return &StatusServer{
		listen:    listen,
		daemon:    daemon,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is canceled.
func (s *StatusServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.daemon.logger.Info("status server starting", "listen", s.listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("status server error: %w", err)
	}
}

func (s *StatusServer) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
	})

	return r
}

func (s *StatusServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.daemon.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.daemon.store.Depth(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"queue_depth":    depth,
		"clusters":       len(s.daemon.config.Clusters),
	})
}

func (s *StatusServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Status: store.Status(r.URL.Query().Get("status")),
	}
	if limitS := r.URL.Query().Get("limit"); limitS != "" {
		limit, err := strconv.Atoi(limitS)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	jobs, err := s.daemon.store.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	views := make([]jobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, viewOf(&jobs[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *StatusServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.daemon.store.Get(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, store.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *StatusServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
