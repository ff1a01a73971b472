package domain

import "time"

// JobStatus is the lifecycle state of a sync job
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// IsValid checks if the job status is a known value
func (s JobStatus) IsValid() bool {
	switch s {
	case JobRunning, JobSuccess, JobFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status can no longer change
func (s JobStatus) IsTerminal() bool {
	return s == JobSuccess || s == JobFailed
}

// DefaultStaleAfter is how long a running job may go without finishing
// before it is treated as abandoned
const DefaultStaleAfter = 30 * time.Minute

// SyncJob records one execution of a directory sync
type SyncJob struct {
	ID          int64
	DirectoryID int64
	StartedAt   time.Time
	FinishedAt  *time.Time
	Status      JobStatus

	Created     int
	Updated     int
	Deactivated int

	// Notes only ever grows, entries are newline separated
	Notes string
}

// IsStale reports whether a running job started before now-threshold
func (j *SyncJob) IsStale(now time.Time, threshold time.Duration) bool {
	return j.Status == JobRunning && j.StartedAt.Before(now.Add(-threshold))
}

// Duration returns how long the job ran, or has been running
func (j *SyncJob) Duration(now time.Time) time.Duration {
	if j.FinishedAt != nil {
		return j.FinishedAt.Sub(j.StartedAt)
	}
	return now.Sub(j.StartedAt)
}

// JobOutcome is the terminal write applied to a running job
type JobOutcome struct {
	Status      JobStatus
	Created     int
	Updated     int
	Deactivated int
	Notes       string
}

// AppendNote joins a note onto existing notes with a newline
func AppendNote(existing, note string) string {
	if note == "" {
		return existing
	}
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}
