// Package google syncs users from Google Workspace through the Admin SDK
// Directory API. The API has no delta cursor, so every run is a full pull.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	googleauth "golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Ning0612/dirsync/internal/adapter"
	"github.com/Ning0612/dirsync/internal/core/reconcile"
	"github.com/Ning0612/dirsync/internal/core/retry"
	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/logger"
)

const (
	// DefaultCustomer addresses the account the admin belongs to
	DefaultCustomer = "my_customer"

	// ExtraAdminBaseURL overrides the Admin SDK endpoint
	ExtraAdminBaseURL = "admin_base_url"

	pageSize   = 500
	projection = "full"
)

// Syncer pulls one Workspace customer or domain
type Syncer struct {
	dir  domain.Directory
	deps adapter.Deps
	log  logger.Logger

	jwt      *jwt.Config
	endpoint string

	// svc is set up lazily, or injected by tests
	svc *admin.Service
}

// New creates a Workspace syncer for dir
func New(dir domain.Directory, deps adapter.Deps) (*Syncer, error) {
	creds := dir.Credentials
	if creds.ServiceAccountJSON == "" || creds.AdminEmail == "" {
		return nil, fmt.Errorf("%w: directory %q needs service_account_json and admin_email",
			domain.ErrConfigInvalid, dir.Name)
	}

	cfg, err := googleauth.JWTConfigFromJSON([]byte(creds.ServiceAccountJSON),
		admin.AdminDirectoryUserReadonlyScope,
		admin.AdminDirectoryGroupReadonlyScope,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: directory %q: invalid service account: %v",
			domain.ErrConfigInvalid, dir.Name, err)
	}
	cfg.Subject = creds.AdminEmail

	s, err := newSyncer(dir, deps)
	if err != nil {
		return nil, err
	}
	s.jwt = cfg
	s.endpoint = creds.Get(ExtraAdminBaseURL, "")
	return s, nil
}

// newWithService creates a syncer that talks through an existing service
func newWithService(dir domain.Directory, deps adapter.Deps, svc *admin.Service) (*Syncer, error) {
	s, err := newSyncer(dir, deps)
	if err != nil {
		return nil, err
	}
	s.svc = svc
	return s, nil
}

func newSyncer(dir domain.Directory, deps adapter.Deps) (*Syncer, error) {
	deps = deps.WithDefaults()
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	s := &Syncer{
		dir:  dir,
		deps: deps,
		log:  deps.Logger.With("component", "google", "directory", dir.Name),
	}
	if s.deps.Retry.OnRetry == nil {
		s.deps.Retry.OnRetry = func(attempt int, wait time.Duration) {
			s.log.Warn("Admin SDK throttled request, retrying", "attempt", attempt, "wait", wait)
		}
	}
	return s, nil
}

// service returns the Admin SDK client. The delegated token is fetched
// first so credential problems fail before any listing.
func (s *Syncer) service(ctx context.Context) (*admin.Service, error) {
	if s.svc != nil {
		return s.svc, nil
	}

	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, s.deps.HTTPClient)
	src := s.jwt.TokenSource(tokenCtx)
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: token request failed: %v", domain.ErrAuthentication, err)
	}

	hc := oauth2.NewClient(tokenCtx, oauth2.ReuseTokenSource(tok, src))
	hc.Timeout = s.deps.HTTPClient.Timeout

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	svc, err := admin.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin service: %w", err)
	}
	return svc, nil
}

// scope is the tenant key users of this directory are stored under
func (s *Syncer) scope() string {
	if s.dir.Credentials.Domain != "" {
		return s.dir.Credentials.Domain
	}
	if s.dir.Credentials.Customer != "" {
		return s.dir.Credentials.Customer
	}
	return DefaultCustomer
}

func (s *Syncer) listCall(svc *admin.Service) *admin.UsersListCall {
	call := svc.Users.List().MaxResults(pageSize).Projection(projection)
	if s.dir.Credentials.Domain != "" {
		return call.Domain(s.dir.Credentials.Domain)
	}
	return call.Customer(s.scope())
}

// TestConnection lists a single user
func (s *Syncer) TestConnection(ctx context.Context) error {
	svc, err := s.service(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectivity, err)
	}
	err = s.call(ctx, func(ctx context.Context) error {
		_, err := s.listCall(svc).MaxResults(1).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectivity, err)
	}
	return nil
}

// Sync pulls every user and deactivates the missing ones when enabled
func (s *Syncer) Sync(ctx context.Context) (domain.SyncResult, error) {
	svc, err := s.service(ctx)
	if err != nil {
		return domain.SyncResult{}, err
	}

	s.deps.Progress.Begin(s.dir.Name)
	defer s.deps.Progress.Done()

	rec := reconcile.New(s.deps.Users, reconcile.Options{
		Source:   domain.SourceGoogle,
		TenantID: s.scope(),
		Features: s.dir.Features,
		Logger:   s.log,
		Progress: s.deps.Progress,
	})

	pageToken := ""
	for {
		var page *admin.Users
		err := s.call(ctx, func(ctx context.Context) error {
			call := s.listCall(svc).Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			page, err = call.Do()
			return err
		})
		if err != nil {
			return rec.Result(), fmt.Errorf("failed to list users: %w", err)
		}
		s.deps.Progress.Page(len(page.Users))

		for _, u := range page.Users {
			if u == nil {
				continue
			}
			if err := rec.Apply(ctx, record(u), s.enricher(svc, u)); err != nil {
				return rec.Result(), err
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if err := rec.FinishFullPull(ctx); err != nil {
		return rec.Result(), err
	}

	res := rec.Result()
	s.log.Info("Directory API sync finished", "seen", rec.Seen(), "result", res.String())
	return res, nil
}

// call runs one API call through the limiter and the retry policy
func (s *Syncer) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.deps.Retry.Do(ctx, func(ctx context.Context) error {
		if err := adapter.Wait(ctx, s.deps.Limiter); err != nil {
			return err
		}
		return mapError(fn(ctx))
	})
}

// enricher sets the manager and, when enabled, the group list
func (s *Syncer) enricher(svc *admin.Service, gu *admin.User) reconcile.Enricher {
	return func(ctx context.Context, u *domain.User) error {
		u.ManagerEmail = managerOf(gu)

		if s.dir.Features.IncludeGroups {
			groups, err := s.groupsOf(ctx, svc, gu.Id)
			if err != nil {
				if reconcile.Fatal(ctx, err) {
					return err
				}
				s.log.Debug("Group lookup failed", "user", u.Email, "error", err)
			} else {
				u.Groups = groups
			}
		}
		return nil
	}
}

func (s *Syncer) groupsOf(ctx context.Context, svc *admin.Service, userKey string) ([]string, error) {
	groups := []string{}
	pageToken := ""
	for {
		var page *admin.Groups
		err := s.call(ctx, func(ctx context.Context) error {
			call := svc.Groups.List().UserKey(userKey).Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			page, err = call.Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, g := range page.Groups {
			if g != nil && g.Email != "" {
				groups = append(groups, g.Email)
			}
		}
		if page.NextPageToken == "" {
			return groups, nil
		}
		pageToken = page.NextPageToken
	}
}

// mapError converts Google API errors to domain errors
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return throttled(apiErr)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	case http.StatusForbidden:
		// quota errors also come back as 403
		for _, item := range apiErr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return throttled(apiErr)
			}
		}
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	return err
}

func throttled(apiErr *googleapi.Error) error {
	var wait time.Duration
	if apiErr.Header != nil {
		wait = retry.ParseRetryAfter(apiErr.Header.Get("Retry-After"), time.Now())
	}
	return &retry.Throttled{RetryAfter: wait, Err: apiErr}
}

type relation struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type organization struct {
	Title      string `json:"title"`
	Department string `json:"department"`
	Primary    bool   `json:"primary"`
}

// decodeList reads a loosely typed Admin SDK list field
func decodeList[T any](v interface{}) []T {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out []T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func managerOf(u *admin.User) string {
	for _, r := range decodeList[relation](u.Relations) {
		if r.Type == "manager" {
			return reconcile.NormalizeEmail(r.Value, "")
		}
	}
	return ""
}

func primaryOrganization(u *admin.User) organization {
	orgs := decodeList[organization](u.Organizations)
	for _, o := range orgs {
		if o.Primary {
			return o
		}
	}
	if len(orgs) > 0 {
		return orgs[0]
	}
	return organization{}
}

func record(u *admin.User) reconcile.Record {
	org := primaryOrganization(u)
	rec := reconcile.Record{
		ExternalID: u.Id,
		Email:      u.PrimaryEmail,
		JobTitle:   org.Title,
		Department: org.Department,
		Enabled:    !u.Suspended,
	}
	if u.Name != nil {
		rec.GivenName = u.Name.GivenName
		rec.Surname = u.Name.FamilyName
		rec.DisplayName = u.Name.FullName
	}
	return rec
}

var _ adapter.Syncer = (*Syncer)(nil)
