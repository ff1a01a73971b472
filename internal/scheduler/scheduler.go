package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Ning0612/dirsync/internal/adapter"
	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/progress"
)

// DirectoryStore is what the scheduler reads and writes on directories
type DirectoryStore interface {
	// ListDue returns enabled directories whose next run is unset or not after now, by id
	ListDue(ctx context.Context, now time.Time) ([]domain.Directory, error)

	// RecordRun writes the status mirror after a run
	RecordRun(ctx context.Context, id int64, out domain.RunOutcome) error
}

// JobLedger records sync jobs
type JobLedger interface {
	Create(ctx context.Context, directoryID int64, startedAt time.Time) (*domain.SyncJob, error)
	Finalize(ctx context.Context, id int64, out domain.JobOutcome, now time.Time) error
	ForceFail(ctx context.Context, id int64, note string, now time.Time) error
	FailStale(ctx context.Context, cutoff time.Time, note string, now time.Time) (int64, error)
	Running(ctx context.Context, directoryID int64) (*domain.SyncJob, error)
}

// SyncerFactory resolves the syncer of a directory; *adapter.Registry implements it
type SyncerFactory interface {
	New(dir domain.Directory, deps adapter.Deps) (adapter.Syncer, error)
}

// Runner executes a directory unless a run is already in flight
type Runner interface {
	RunIfIdle(ctx context.Context, dir domain.Directory, reporter progress.Reporter) (*RunResult, error)
}

// Config contains scheduler configuration
type Config struct {
	// TickInterval is the gap between scans for due directories
	TickInterval time.Duration

	// StaleAfter is how long a running job may last before it is force-failed
	StaleAfter time.Duration

	// Location evaluates cron schedules, nil means time.Local
	Location *time.Location
}

// DefaultTickInterval is the default gap between scans
const DefaultTickInterval = 30 * time.Second

// DefaultConfig returns a 30s tick with the 30m staleness threshold
func DefaultConfig() Config {
	return Config{
		TickInterval: DefaultTickInterval,
		StaleAfter:   domain.DefaultStaleAfter,
	}
}

// Validate checks the durations
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive, got %v", domain.ErrConfigInvalid, c.TickInterval)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("%w: stale threshold must be positive, got %v", domain.ErrConfigInvalid, c.StaleAfter)
	}
	return nil
}

// Status represents the current state of the loop
type Status struct {
	Running        bool      `json:"running"`
	LastTickTime   time.Time `json:"last_tick_time"`
	NextTickTime   time.Time `json:"next_tick_time"`
	TotalTicks     int       `json:"total_ticks"`
	Runs           int       `json:"runs"`
	SuccessfulRuns int       `json:"successful_runs"`
	FailedRuns     int       `json:"failed_runs"`
	SkippedRuns    int       `json:"skipped_runs"`
	LastError      string    `json:"last_error,omitempty"`
}

// staleNote is appended to a job failed by a staleness check
func staleNote(threshold time.Duration, atBoot bool) string {
	if atBoot {
		return fmt.Sprintf("Auto-failed as stale after restart (>%s).", formatThreshold(threshold))
	}
	return fmt.Sprintf("Auto-failed as stale (>%s).", formatThreshold(threshold))
}

func formatThreshold(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return d.String()
}
