package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/logger"
)

// Response is the envelope of every API response
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// DirectoryView is the public shape of a directory; credentials never leave the process
type DirectoryView struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Provider   domain.Provider `json:"provider"`
	Enabled    bool            `json:"enabled"`
	Schedule   domain.Schedule `json:"schedule"`
	Features   domain.Features `json:"features"`
	HasCursor  bool            `json:"has_cursor"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
	LastStatus string          `json:"last_status,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

// NewDirectoryView converts a directory
func NewDirectoryView(d domain.Directory) DirectoryView {
	return DirectoryView{
		ID:         d.ID,
		Name:       d.Name,
		Provider:   d.Provider,
		Enabled:    d.Enabled,
		Schedule:   d.Schedule,
		Features:   d.Features,
		HasCursor:  d.DeltaLink != "",
		LastRunAt:  d.LastRunAt,
		NextRunAt:  d.NextRunAt,
		LastStatus: string(d.LastStatus),
		LastError:  d.LastError,
	}
}

// JobView is the public shape of a sync job
type JobView struct {
	ID          int64            `json:"id"`
	DirectoryID int64            `json:"directory_id"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Status      domain.JobStatus `json:"status"`
	Created     int              `json:"created"`
	Updated     int              `json:"updated"`
	Deactivated int              `json:"deactivated"`
	Notes       string           `json:"notes,omitempty"`
}

// NewJobView converts a job
func NewJobView(j domain.SyncJob) JobView {
	return JobView{
		ID:          j.ID,
		DirectoryID: j.DirectoryID,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
		Status:      j.Status,
		Created:     j.Created,
		Updated:     j.Updated,
		Deactivated: j.Deactivated,
		Notes:       j.Notes,
	}
}

var sanitizer = logger.NewSanitizer()

func respondOK(w http.ResponseWriter, r *http.Request, data any) {
	respondJSON(w, r, http.StatusOK, data, nil)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, err error) {
	respondJSON(w, r, status, nil, err)
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, data any, err error) {
	resp := Response{
		Status:    "ok",
		RequestID: middleware.GetReqID(r.Context()),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if err != nil {
		resp.Status = "error"
		// provider errors can echo request URLs and bodies
		resp.Error = sanitizer.Sanitize(err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
