package testutil

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Ning0612/dirsync/internal/domain"
)

// TempDir creates a temporary directory for testing
// It returns the directory path and a cleanup function
func TempDir(t *testing.T) (string, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "dirsync-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	cleanup := func() {
		os.RemoveAll(dir)
	}

	return dir, cleanup
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}

		if time.Now().After(deadline) {
			return false
		}

		<-ticker.C
	}
}

// AssertEventually asserts that a condition becomes true within timeout
func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msgAndArgs ...interface{}) {
	t.Helper()

	if !WaitForCondition(timeout, condition) {
		if len(msgAndArgs) > 0 {
			t.Fatalf("condition not met within %v: %v", timeout, msgAndArgs[0])
		} else {
			t.Fatalf("condition not met within %v", timeout)
		}
	}
}

// RandomString generates a random string of the given length
func RandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}

// RandomEmail generates a lowercase address in the given domain
func RandomEmail(domainName string) string {
	return strings.ToLower(RandomString(10)) + "@" + domainName
}

// UserStore is an in-memory local user store keyed by lowercase email
type UserStore struct {
	mu     sync.Mutex
	users  map[string]domain.User
	nextID int64

	// FailSave makes Save fail for the listed emails
	FailSave map[string]error
}

// NewUserStore creates an empty in-memory user store
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]domain.User)}
}

// GetByEmail returns a copy of the stored user or domain.ErrNotFound
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, email)
	}
	u.Licenses = slices.Clone(u.Licenses)
	u.Groups = slices.Clone(u.Groups)
	return &u, nil
}

// Save upserts by email and reports whether the user was created
func (s *UserStore) Save(ctx context.Context, u *domain.User) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(u.Email))
	if err, ok := s.FailSave[email]; ok {
		return false, err
	}

	now := time.Now()
	prev, exists := s.users[email]
	if exists {
		u.ID = prev.ID
		u.CreatedAt = prev.CreatedAt
	} else {
		s.nextID++
		u.ID = s.nextID
		u.CreatedAt = now
	}
	u.Email = email
	u.EmailDomain = domain.DomainOf(email)
	u.UpdatedAt = now

	stored := *u
	stored.Licenses = slices.Clone(u.Licenses)
	stored.Groups = slices.Clone(u.Groups)
	s.users[email] = stored
	return !exists, nil
}

// DeactivateByExternalID marks active users with the provider key inactive
func (s *UserStore) DeactivateByExternalID(ctx context.Context, source domain.IdentitySource, externalID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for email, u := range s.users {
		if u.Active && u.IdentitySource == source && u.ExternalID == externalID && externalID != "" {
			u.Active = false
			s.users[email] = u
			n++
		}
	}
	return n, nil
}

// DeactivateMissing marks active users of source and tenant inactive when not in seen
func (s *UserStore) DeactivateMissing(ctx context.Context, source domain.IdentitySource, tenantID string, seen []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for email, u := range s.users {
		if !u.Active || u.IdentitySource != source || u.TenantID != tenantID {
			continue
		}
		if slices.Contains(seen, u.ExternalID) {
			continue
		}
		u.Active = false
		s.users[email] = u
		n++
	}
	return n, nil
}

// Put stores a user as is, for test setup
func (s *UserStore) Put(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	u.ID = s.nextID
	u.Email = strings.ToLower(u.Email)
	s.users[u.Email] = u
}

// All returns every stored user ordered by email
func (s *UserStore) All() []domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// CursorStore records delta links per directory
type CursorStore struct {
	mu    sync.Mutex
	links map[int64]string
}

// NewCursorStore creates an empty cursor store
func NewCursorStore() *CursorStore {
	return &CursorStore{links: make(map[int64]string)}
}

// SaveDeltaLink stores the cursor
func (c *CursorStore) SaveDeltaLink(ctx context.Context, directoryID int64, link string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links[directoryID] = link
	return nil
}

// DeltaLink returns the stored cursor
func (c *CursorStore) DeltaLink(directoryID int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[directoryID]
}
