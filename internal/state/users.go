package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Ning0612/dirsync/internal/domain"
)

// Users is the local user store, keyed by lowercase email
type Users struct {
	db *sql.DB
}

const userColumns = `id, email, email_domain, identity_source, is_active, external_id, tenant_id,
	first_name, last_name, job_title, department, manager_email, licenses, groups_cache,
	created_at, updated_at`

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		u                domain.User
		source           string
		active           int
		licenses, groups string
		created, updated int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.EmailDomain, &source, &active, &u.ExternalID, &u.TenantID,
		&u.FirstName, &u.LastName, &u.JobTitle, &u.Department, &u.ManagerEmail, &licenses, &groups,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	u.IdentitySource = domain.IdentitySource(source)
	u.Active = active != 0
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)

	if err := json.Unmarshal([]byte(licenses), &u.Licenses); err != nil {
		return nil, fmt.Errorf("user %s: invalid licenses: %w", u.Email, err)
	}
	if err := json.Unmarshal([]byte(groups), &u.Groups); err != nil {
		return nil, fmt.Errorf("user %s: invalid groups: %w", u.Email, err)
	}
	return &u, nil
}

func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetByEmail returns the user with the given email, matched case-insensitively
func (s *Users) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

// Save inserts or updates a user by email and reports whether it was created
func (s *Users) Save(ctx context.Context, u *domain.User) (bool, error) {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Email == "" {
		return false, fmt.Errorf("user email cannot be empty")
	}
	if u.EmailDomain == "" {
		u.EmailDomain = domain.DomainOf(u.Email)
	}
	if u.IdentitySource == "" {
		u.IdentitySource = domain.SourceLocal
	}

	licenses, err := encodeList(u.Licenses)
	if err != nil {
		return false, fmt.Errorf("failed to encode licenses: %w", err)
	}
	groups, err := encodeList(u.Groups)
	if err != nil {
		return false, fmt.Errorf("failed to encode groups: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE email = ?`, u.Email).Scan(&id)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return false, fmt.Errorf("failed to look up user: %w", err)
	}

	if created {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (email, email_domain, identity_source, is_active, external_id, tenant_id,
				first_name, last_name, job_title, department, manager_email, licenses, groups_cache,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.Email, u.EmailDomain, string(u.IdentitySource), boolToInt(u.Active), u.ExternalID, u.TenantID,
			u.FirstName, u.LastName, u.JobTitle, u.Department, u.ManagerEmail, licenses, groups,
			toMillis(now), toMillis(now),
		)
		if err != nil {
			return false, fmt.Errorf("failed to insert user: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return false, fmt.Errorf("failed to read user id: %w", err)
		}
		u.CreatedAt = fromMillis(toMillis(now))
	} else {
		_, err := tx.ExecContext(ctx, `
			UPDATE users SET email_domain = ?, identity_source = ?, is_active = ?, external_id = ?,
				tenant_id = ?, first_name = ?, last_name = ?, job_title = ?, department = ?,
				manager_email = ?, licenses = ?, groups_cache = ?, updated_at = ?
			WHERE id = ?`,
			u.EmailDomain, string(u.IdentitySource), boolToInt(u.Active), u.ExternalID,
			u.TenantID, u.FirstName, u.LastName, u.JobTitle, u.Department,
			u.ManagerEmail, licenses, groups, toMillis(now), id,
		)
		if err != nil {
			return false, fmt.Errorf("failed to update user: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit user: %w", err)
	}
	u.ID = id
	u.UpdatedAt = fromMillis(toMillis(now))
	return created, nil
}

// DeactivateByExternalID marks active users with the given provider identity key inactive
func (s *Users) DeactivateByExternalID(ctx context.Context, source domain.IdentitySource, externalID string) (int64, error) {
	if externalID == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_active = 0, updated_at = ?
		WHERE identity_source = ? AND external_id = ? AND is_active = 1`,
		toMillis(time.Now()), string(source), externalID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate user: %w", err)
	}
	return res.RowsAffected()
}

// DeactivateMissing marks active users of a source and tenant inactive when
// their external id is not in seen
func (s *Users) DeactivateMissing(ctx context.Context, source domain.IdentitySource, tenantID string, seen []string) (int64, error) {
	ids, err := encodeList(seen)
	if err != nil {
		return 0, fmt.Errorf("failed to encode seen ids: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_active = 0, updated_at = ?
		WHERE identity_source = ? AND tenant_id = ? AND is_active = 1
		  AND external_id NOT IN (SELECT value FROM json_each(?))`,
		toMillis(time.Now()), string(source), tenantID, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate missing users: %w", err)
	}
	return res.RowsAffected()
}

// UserFilter narrows List
type UserFilter struct {
	Source     domain.IdentitySource
	ActiveOnly bool
	Limit      int
}

// List returns users ordered by email
func (s *Users) List(ctx context.Context, f UserFilter) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE 1 = 1`
	var args []any
	if f.Source != "" {
		query += ` AND identity_source = ?`
		args = append(args, string(f.Source))
	}
	if f.ActiveOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY email`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}
