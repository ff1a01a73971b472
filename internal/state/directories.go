package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Ning0612/dirsync/internal/domain"
)

// Directories is the directory config store
type Directories struct {
	db *sql.DB
}

const directoryColumns = `id, name, provider, enabled, schedule_kind, interval_minutes, cron_expr,
	credentials, features, delta_link, last_run_at, next_run_at, last_status, last_error,
	created_at, updated_at`

func scanDirectory(row rowScanner) (*domain.Directory, error) {
	var (
		d            domain.Directory
		enabled      int
		creds, feats string
		lastRun      sql.NullInt64
		nextRun      sql.NullInt64
		status       string
		created      int64
		updated      int64
	)

	err := row.Scan(
		&d.ID, &d.Name, &d.Provider, &enabled, &d.Schedule.Kind, &d.Schedule.IntervalMinutes,
		&d.Schedule.CronExpr, &creds, &feats, &d.DeltaLink, &lastRun, &nextRun, &status,
		&d.LastError, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	d.Enabled = enabled != 0
	d.LastRunAt = fromNullMillis(lastRun)
	d.NextRunAt = fromNullMillis(nextRun)
	d.LastStatus = domain.RunStatus(status)
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)

	if err := json.Unmarshal([]byte(creds), &d.Credentials); err != nil {
		return nil, fmt.Errorf("directory %s: invalid credentials: %w", d.Name, err)
	}
	d.Features = domain.DefaultFeatures()
	if err := json.Unmarshal([]byte(feats), &d.Features); err != nil {
		return nil, fmt.Errorf("directory %s: invalid features: %w", d.Name, err)
	}

	return &d, nil
}

// normalizeSchedule fills defaults for a schedule about to be stored
func normalizeSchedule(s domain.Schedule) domain.Schedule {
	if s.Kind == "" {
		s.Kind = domain.ScheduleInterval
	}
	if s.IntervalMinutes == 0 {
		s.IntervalMinutes = domain.DefaultIntervalMinutes
	}
	return s
}

func encodeConfig(d *domain.Directory) (creds, feats string, err error) {
	c, err := json.Marshal(d.Credentials)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode credentials: %w", err)
	}
	f, err := json.Marshal(d.Features)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode features: %w", err)
	}
	return string(c), string(f), nil
}

// Create inserts a new directory and fills its ID and timestamps
func (s *Directories) Create(ctx context.Context, d *domain.Directory) error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.Schedule = normalizeSchedule(d.Schedule)

	creds, feats, err := encodeConfig(d)
	if err != nil {
		return err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO directories (name, provider, enabled, schedule_kind, interval_minutes, cron_expr,
			credentials, features, delta_link, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Name, string(d.Provider), boolToInt(d.Enabled), string(d.Schedule.Kind),
		d.Schedule.IntervalMinutes, d.Schedule.CronExpr, creds, feats, d.DeltaLink,
		toMillis(now), toMillis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: directory %s", domain.ErrAlreadyExists, d.Name)
		}
		return fmt.Errorf("failed to create directory: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read directory id: %w", err)
	}
	d.ID = id
	d.CreatedAt = fromMillis(toMillis(now))
	d.UpdatedAt = d.CreatedAt
	return nil
}

// Upsert creates the directory or updates its identity, schedule, credentials
// and features by name. Status fields and the enabled flag of an existing row
// are left alone; a provider change drops the delta cursor.
func (s *Directories) Upsert(ctx context.Context, d *domain.Directory) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	d.Schedule = normalizeSchedule(d.Schedule)

	existing, err := s.GetByName(ctx, d.Name)
	if errors.Is(err, domain.ErrDirectoryNotFound) {
		if err := s.Create(ctx, d); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	creds, feats, err := encodeConfig(d)
	if err != nil {
		return false, err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE directories SET
			provider = ?, schedule_kind = ?, interval_minutes = ?, cron_expr = ?,
			credentials = ?, features = ?,
			delta_link = CASE WHEN provider <> ? THEN '' ELSE delta_link END,
			updated_at = ?
		WHERE id = ?`,
		string(d.Provider), string(d.Schedule.Kind), d.Schedule.IntervalMinutes, d.Schedule.CronExpr,
		creds, feats, string(d.Provider), toMillis(time.Now()), existing.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update directory: %w", err)
	}
	d.ID = existing.ID
	return false, nil
}

// Get returns a directory by id
func (s *Directories) Get(ctx context.Context, id int64) (*domain.Directory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+directoryColumns+` FROM directories WHERE id = ?`, id)
	d, err := scanDirectory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", domain.ErrDirectoryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query directory: %w", err)
	}
	return d, nil
}

// GetByName returns a directory by its unique name
func (s *Directories) GetByName(ctx context.Context, name string) (*domain.Directory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+directoryColumns+` FROM directories WHERE name = ?`, name)
	d, err := scanDirectory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDirectoryNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query directory: %w", err)
	}
	return d, nil
}

// List returns every directory ordered by id
func (s *Directories) List(ctx context.Context) ([]domain.Directory, error) {
	return s.query(ctx, `SELECT `+directoryColumns+` FROM directories ORDER BY id`)
}

// ListDue returns enabled directories that never ran or whose next run is at or before now
func (s *Directories) ListDue(ctx context.Context, now time.Time) ([]domain.Directory, error) {
	return s.query(ctx, `
		SELECT `+directoryColumns+` FROM directories
		WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY id`, toMillis(now))
}

func (s *Directories) query(ctx context.Context, query string, args ...any) ([]domain.Directory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query directories: %w", err)
	}
	defer rows.Close()

	var dirs []domain.Directory
	for rows.Next() {
		d, err := scanDirectory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan directory: %w", err)
		}
		dirs = append(dirs, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating directories: %w", err)
	}
	return dirs, nil
}

// RecordRun writes the status mirror after a scheduled run
func (s *Directories) RecordRun(ctx context.Context, id int64, out domain.RunOutcome) error {
	return s.update(ctx, id, `
		UPDATE directories SET last_run_at = ?, next_run_at = ?, last_status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		toMillis(out.At), toMillis(out.NextRunAt), string(out.Status), out.Error, toMillis(time.Now()), id,
	)
}

// RecordConnectionTest mirrors a connection test result without touching run times
func (s *Directories) RecordConnectionTest(ctx context.Context, id int64, status domain.RunStatus, message string) error {
	return s.update(ctx, id, `
		UPDATE directories SET last_status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), message, toMillis(time.Now()), id,
	)
}

// RequestRun makes the directory due at the given time
func (s *Directories) RequestRun(ctx context.Context, id int64, at time.Time) error {
	return s.update(ctx, id, `UPDATE directories SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		toMillis(at), toMillis(time.Now()), id)
}

// SetEnabled pauses or resumes a directory
func (s *Directories) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return s.update(ctx, id, `UPDATE directories SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), toMillis(time.Now()), id)
}

// SaveDeltaLink stores the provider cursor; an empty link forces a full crawl next time
func (s *Directories) SaveDeltaLink(ctx context.Context, id int64, link string) error {
	return s.update(ctx, id, `UPDATE directories SET delta_link = ?, updated_at = ? WHERE id = ?`,
		link, toMillis(time.Now()), id)
}

// Delete removes a directory and, through the foreign key, its jobs
func (s *Directories) Delete(ctx context.Context, id int64) error {
	return s.update(ctx, id, `DELETE FROM directories WHERE id = ?`, id)
}

func (s *Directories) update(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update directory %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", domain.ErrDirectoryNotFound, id)
	}
	return nil
}
