package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Ning0612/dirsync/internal/domain"
)

// Jobs is the append-only sync job ledger
type Jobs struct {
	db *sql.DB
}

const jobColumns = `id, directory_id, started_at, finished_at, status,
	created_count, updated_count, deactivated_count, notes`

func scanJob(row rowScanner) (*domain.SyncJob, error) {
	var (
		j        domain.SyncJob
		started  int64
		finished sql.NullInt64
		status   string
	)
	err := row.Scan(&j.ID, &j.DirectoryID, &started, &finished, &status,
		&j.Created, &j.Updated, &j.Deactivated, &j.Notes)
	if err != nil {
		return nil, err
	}
	j.StartedAt = fromMillis(started)
	j.FinishedAt = fromNullMillis(finished)
	j.Status = domain.JobStatus(status)
	return &j, nil
}

// Create starts a running job for a directory. A directory that already has
// a running job gets domain.ErrSyncInProgress.
func (s *Jobs) Create(ctx context.Context, directoryID int64, startedAt time.Time) (*domain.SyncJob, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (directory_id, started_at, status) VALUES (?, ?, ?)`,
		directoryID, toMillis(startedAt), string(domain.JobRunning),
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: directory %d already has a running job", domain.ErrSyncInProgress, directoryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create sync job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read sync job id: %w", err)
	}

	return &domain.SyncJob{
		ID:          id,
		DirectoryID: directoryID,
		StartedAt:   fromMillis(toMillis(startedAt)),
		Status:      domain.JobRunning,
	}, nil
}

// Finalize moves a running job to a terminal status. finished_at is only set
// when empty and notes are appended, never replaced. A job that is already
// terminal is left untouched and ErrJobFinalized is returned.
func (s *Jobs) Finalize(ctx context.Context, id int64, out domain.JobOutcome, now time.Time) error {
	if !out.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, domain.JobRunning, out.Status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET
			status = ?,
			created_count = ?, updated_count = ?, deactivated_count = ?,
			finished_at = COALESCE(finished_at, ?),
			notes = CASE WHEN ? = '' THEN notes WHEN notes = '' THEN ? ELSE notes || char(10) || ? END
		WHERE id = ? AND status = ?`,
		string(out.Status), out.Created, out.Updated, out.Deactivated, toMillis(now),
		out.Notes, out.Notes, out.Notes, id, string(domain.JobRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize sync job %d: %w", id, err)
	}
	return s.checkTransition(ctx, id, res)
}

// ForceFail fails a running job, keeping its counters and appending note
func (s *Jobs) ForceFail(ctx context.Context, id int64, note string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET
			status = ?,
			finished_at = COALESCE(finished_at, ?),
			notes = CASE WHEN notes = '' THEN ? ELSE notes || char(10) || ? END
		WHERE id = ? AND status = ?`,
		string(domain.JobFailed), toMillis(now), note, note, id, string(domain.JobRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to force-fail sync job %d: %w", id, err)
	}
	return s.checkTransition(ctx, id, res)
}

// checkTransition explains why a conditional update touched no rows
func (s *Jobs) checkTransition(ctx context.Context, id int64, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM sync_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: id %d", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to query sync job %d: %w", id, err)
	}
	return fmt.Errorf("%w: job %d is %s", domain.ErrJobFinalized, id, status)
}

// FailStale fails every running job started before cutoff and returns how many it failed
func (s *Jobs) FailStale(ctx context.Context, cutoff time.Time, note string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET
			status = ?,
			finished_at = COALESCE(finished_at, ?),
			notes = CASE WHEN notes = '' THEN ? ELSE notes || char(10) || ? END
		WHERE status = ? AND started_at < ?`,
		string(domain.JobFailed), toMillis(now), note, note, string(domain.JobRunning), toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// Running returns the in-flight job of a directory, or nil when there is none
func (s *Jobs) Running(ctx context.Context, directoryID int64) (*domain.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE directory_id = ? AND status = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1`, directoryID, string(domain.JobRunning))

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query running job: %w", err)
	}
	return j, nil
}

// Get returns a job by id
func (s *Jobs) Get(ctx context.Context, id int64) (*domain.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sync job: %w", err)
	}
	return j, nil
}

// History returns the most recent jobs of a directory, newest first
func (s *Jobs) History(ctx context.Context, directoryID int64, limit int) ([]domain.SyncJob, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	return s.query(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE directory_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, directoryID, limit)
}

// Recent returns the most recent jobs across all directories
func (s *Jobs) Recent(ctx context.Context, limit int) ([]domain.SyncJob, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	return s.query(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
}

func (s *Jobs) query(ctx context.Context, query string, args ...any) ([]domain.SyncJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var jobs []domain.SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}
