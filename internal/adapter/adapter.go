package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Ning0612/dirsync/internal/core/retry"
	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/logger"
	"github.com/Ning0612/dirsync/internal/progress"
)

// DefaultTimeout bounds a single outbound provider request
const DefaultTimeout = 60 * time.Second

// Syncer pulls one directory from its provider into the local user store.
// Implementations hold no state between runs except what they persist
// through the stores in Deps.
type Syncer interface {
	// TestConnection verifies credentials and reachability.
	// Returns an error wrapping domain.ErrConnectivity on failure.
	TestConnection(ctx context.Context) error

	// Sync performs one pass and reports the counters.
	// Per-record problems are summarised in SyncResult.Notes;
	// only account-level failures are returned as errors.
	Sync(ctx context.Context) (domain.SyncResult, error)
}

// UserStore is the local user store a syncer writes to
type UserStore interface {
	// GetByEmail returns domain.ErrNotFound when no user has the email
	GetByEmail(ctx context.Context, email string) (*domain.User, error)

	// Save upserts by email and reports whether the user was created
	Save(ctx context.Context, u *domain.User) (bool, error)

	// DeactivateByExternalID marks the active user with the provider key inactive
	DeactivateByExternalID(ctx context.Context, source domain.IdentitySource, externalID string) (int64, error)

	// DeactivateMissing marks active users of source and tenant inactive
	// when their external id is not in seen
	DeactivateMissing(ctx context.Context, source domain.IdentitySource, tenantID string, seen []string) (int64, error)
}

// CursorStore persists the delta cursor of a directory
type CursorStore interface {
	SaveDeltaLink(ctx context.Context, directoryID int64, link string) error
}

// Deps are the collaborators handed to a syncer constructor
type Deps struct {
	Users   UserStore
	Cursors CursorStore

	// HTTPClient carries the per-request timeout
	HTTPClient *http.Client
	Retry      retry.Policy
	Limiter    *rate.Limiter

	Logger   logger.Logger
	Progress progress.Reporter
}

// WithDefaults fills unset optional dependencies
func (d Deps) WithDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if d.Retry.MaxRetries == 0 && d.Retry.DefaultWait == 0 {
		d.Retry = retry.DefaultPolicy()
	}
	if d.Limiter == nil {
		d.Limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if d.Logger == nil {
		d.Logger = &logger.NullLogger{}
	}
	d.Progress = progress.OrNull(d.Progress)
	return d
}

// Validate checks that the required stores are present
func (d Deps) Validate() error {
	if d.Users == nil {
		return fmt.Errorf("user store is required")
	}
	if d.Cursors == nil {
		return fmt.Errorf("cursor store is required")
	}
	return nil
}

// Constructor builds a syncer for a directory
type Constructor func(dir domain.Directory, deps Deps) (Syncer, error)

// Registry resolves a provider to its syncer constructor
type Registry struct {
	mu           sync.RWMutex
	constructors map[domain.Provider]Constructor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[domain.Provider]Constructor)}
}

// Register adds or replaces the constructor for a provider
func (r *Registry) Register(p domain.Provider, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[p] = c
}

// New builds the syncer for dir.Provider.
// Returns domain.ErrUnknownProvider when nothing is registered for it.
func (r *Registry) New(dir domain.Directory, deps Deps) (Syncer, error) {
	r.mu.RLock()
	c, ok := r.constructors[dir.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, dir.Provider)
	}

	deps = deps.WithDefaults()
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	return c(dir, deps)
}

// Providers lists the registered providers in name order
func (r *Registry) Providers() []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Provider, 0, len(r.constructors))
	for p := range r.constructors {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// HTTPError is a non-success provider response
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Is lets errors.Is match the domain error a status code stands for
func (e *HTTPError) Is(target error) bool {
	switch target {
	case domain.ErrAuthentication:
		return e.StatusCode == http.StatusUnauthorized
	case domain.ErrPermissionDenied:
		return e.StatusCode == http.StatusForbidden
	case domain.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case domain.ErrCursorExpired:
		return e.StatusCode == http.StatusGone
	}
	return false
}

// maxErrorBody caps how much of an error body is kept
const maxErrorBody = 512

// CheckResponse turns a non-2xx response into an *HTTPError, wrapped in
// *retry.Throttled for 429. The body of a failed response is drained and closed.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	herr := &HTTPError{
		StatusCode: resp.StatusCode,
		RetryAfter: retry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Body:       strings.TrimSpace(string(body)),
	}
	if resp.Request != nil {
		herr.Method = resp.Request.Method
		herr.URL = resp.Request.URL.Path
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &retry.Throttled{RetryAfter: herr.RetryAfter, Err: herr}
	}
	return herr
}

// Wait blocks until the limiter allows one request
func Wait(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}
