package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Ning0612/dirsync/internal/domain"
)

// maxJobLimit caps GET .../jobs?limit=
const maxJobLimit = 500

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			respondError(w, r, http.StatusServiceUnavailable, err)
			return
		}
	}
	respondOK(w, r, map[string]string{"status": "ok"})
}

// GET /api/v1/scheduler
func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		respondError(w, r, http.StatusServiceUnavailable, domain.ErrSchedulerNotRunning)
		return
	}
	respondOK(w, r, s.status())
}

// GET /api/v1/directories
func (s *Server) handleListDirectories(w http.ResponseWriter, r *http.Request) {
	dirs, err := s.dirs.Directories(r.Context())
	if err != nil {
		respondError(w, r, statusFor(err), err)
		return
	}
	views := make([]DirectoryView, 0, len(dirs))
	for _, d := range dirs {
		views = append(views, NewDirectoryView(d))
	}
	respondOK(w, r, views)
}

// GET /api/v1/directories/{name}
func (s *Server) handleGetDirectory(w http.ResponseWriter, r *http.Request) {
	d, err := s.dirs.Directory(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, statusFor(err), err)
		return
	}
	respondOK(w, r, NewDirectoryView(*d))
}

// GET /api/v1/directories/{name}/jobs?limit=N
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, r, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = min(n, maxJobLimit)
	}

	jobs, err := s.dirs.Jobs(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		respondError(w, r, statusFor(err), err)
		return
	}
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, NewJobView(j))
	}
	respondOK(w, r, views)
}

// action wraps a POST operation on one directory
func (s *Server) action(op func(ctx context.Context, name string) error, okStatus int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := op(r.Context(), name); err != nil {
			s.log.Warn("Directory action failed", "directory", name, "path", r.URL.Path, "error", err)
			respondError(w, r, statusFor(err), err)
			return
		}

		d, err := s.dirs.Directory(r.Context(), name)
		if err != nil {
			respondError(w, r, statusFor(err), err)
			return
		}
		respondJSON(w, r, okStatus, NewDirectoryView(*d), nil)
	}
}

// statusFor maps domain errors to HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrDirectoryNotFound), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnknownProvider), errors.Is(err, domain.ErrConfigInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrConnectivity),
		errors.Is(err, domain.ErrAuthentication),
		errors.Is(err, domain.ErrPermissionDenied),
		errors.Is(err, domain.ErrRateLimited):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
