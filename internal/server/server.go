// Package server exposes a booted kernel over a JSON HTTP API: per-CPU
// statistics, the task list, the resource-domain tree with its control
// files, and the stored snapshot history.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/kcore/internal/kernel"
	"github.com/me/kcore/internal/store"
	"github.com/me/kcore/internal/workload"
)

// Server is the kcore debug and control API server.
type Server struct {
	router      chi.Router
	logger      *slog.Logger
	startTime   time.Time
	kernel      *kernel.Kernel
	store       store.Store   // optional; snapshot history
	workload    *workload.Set // optional; task spawning
	sseInterval time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore serves the snapshot history kept in st.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithWorkload lets clients spawn synthetic tasks into ws.
func WithWorkload(ws *workload.Set) Option {
	return func(s *Server) {
		s.workload = ws
	}
}

// WithStreamInterval sets how often the snapshot stream emits.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		s.sseInterval = d
	}
}

// New creates a new Server for k with all routes registered.
func New(k *kernel.Kernel, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		logger:      logger.With("component", "server"),
		startTime:   time.Now(),
		kernel:      k,
		sseInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Get("/info", s.handleInfo)
		r.Get("/cpus", s.handleCPUs)
		r.Get("/snapshot", s.handleSnapshot)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleSpawnTask)
			r.Get("/{pid}", s.handleGetTask)
		})

		r.Get("/workload", s.handleWorkloadStats)

		// Domain paths contain slashes, so they are matched by wildcard.
		r.Route("/domains", func(r chi.Router) {
			r.Get("/", s.handleListDomains)
			r.Post("/", s.handleCreateDomain)
			r.Get("/*", s.handleGetDomain)
			r.Delete("/*", s.handleRemoveDomain)
		})
		r.Route("/files", func(r chi.Router) {
			r.Get("/*", s.handleReadFiles)
			r.Put("/*", s.handleWriteFile)
		})
		r.Post("/attach/*", s.handleAttachTask)

		r.Route("/snapshots", func(r chi.Router) {
			r.Get("/", s.handleListSnapshots)
			r.Get("/latest", s.handleLatestSnapshot)
			r.Get("/{id}", s.handleGetSnapshot)
		})
		r.Get("/boots", s.handleListBoots)

		r.Route("/sse", func(r chi.Router) {
			r.Get("/snapshots", s.handleSSESnapshots)
		})
	})
}
