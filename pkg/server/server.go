// Package server exposes the engine over HTTP: task lifecycle routes, an
// SSE event stream with replay and Last-Event-ID resume, artifact access,
// and the operational endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gomaestro/maestro/pkg/bus"
	"github.com/gomaestro/maestro/pkg/observability"
	"github.com/gomaestro/maestro/pkg/orchestrator"
	"github.com/gomaestro/maestro/pkg/taskspace"
)

// Server is the HTTP surface over a manager and its stores.
type Server struct {
	manager *orchestrator.Manager
	store   *taskspace.Store
	bus     *bus.Bus
	metrics *observability.Metrics
	logger  *slog.Logger

	http *http.Server
}

// Options configures the server.
type Options struct {
	Addr    string
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// New creates a server. The listener is not opened until Start.
func New(manager *orchestrator.Manager, store *taskspace.Store, b *bus.Bus, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: manager,
		store:   store,
		bus:     b,
		metrics: opts.Metrics,
		logger:  logger,
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route tree. Exposed separately for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Delete("/", s.handleDeleteTask)
			r.Post("/messages", s.handleChat)
			r.Post("/cancel", s.handleCancel)
			r.Get("/events", s.handleEvents)
			r.Get("/artifacts", s.handleListArtifacts)
			r.Get("/artifacts/*", s.handleGetArtifact)
		})
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
