package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/logger"
	"github.com/Ning0612/dirsync/internal/metrics"
	"github.com/Ning0612/dirsync/internal/scheduler"
)

// Directories is the admin surface the API exposes;
// *service.DirectoryService implements it
type Directories interface {
	Directories(ctx context.Context) ([]domain.Directory, error)
	Directory(ctx context.Context, name string) (*domain.Directory, error)
	RunNow(ctx context.Context, name string) error
	TestConnection(ctx context.Context, name string) error
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	ResetCursor(ctx context.Context, name string) error
	Jobs(ctx context.Context, name string, limit int) ([]domain.SyncJob, error)
}

// StatusFunc reports the scheduler loop status
type StatusFunc func() scheduler.Status

// HealthFunc checks the store; nil means always healthy
type HealthFunc func(ctx context.Context) error

// Server is the admin JSON API
type Server struct {
	router chi.Router
	dirs   Directories
	status StatusFunc
	health HealthFunc
	log    logger.Logger
}

// Option configures optional Server dependencies
type Option func(*Server)

// WithStatus sets the scheduler status source
func WithStatus(fn StatusFunc) Option {
	return func(s *Server) { s.status = fn }
}

// WithHealth sets the health probe
func WithHealth(fn HealthFunc) Option {
	return func(s *Server) { s.health = fn }
}

// WithLogger sets the request logger
func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New creates a Server with all routes registered
func New(dirs Directories, opts ...Option) *Server {
	s := &Server{
		router: chi.NewRouter(),
		dirs:   dirs,
		log:    &logger.NullLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "api")
	s.routes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/scheduler", s.handleScheduler)

		r.Route("/directories", func(r chi.Router) {
			r.Get("/", s.handleListDirectories)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetDirectory)
				r.Get("/jobs", s.handleListJobs)
				r.Post("/run", s.action(s.dirs.RunNow, http.StatusAccepted))
				r.Post("/test", s.action(s.dirs.TestConnection, http.StatusOK))
				r.Post("/pause", s.action(s.dirs.Pause, http.StatusOK))
				r.Post("/resume", s.action(s.dirs.Resume, http.StatusOK))
				r.Post("/reset-cursor", s.action(s.dirs.ResetCursor, http.StatusOK))
			})
		})
	})
}

// observe logs each request and feeds the HTTP metrics, labelled by route pattern
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTP(r.Method, route, status, elapsed)
		s.log.Debug("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", elapsed.String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
