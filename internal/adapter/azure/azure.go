// Package azure syncs users from Microsoft Entra ID through the Graph delta API.
package azure

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/Ning0612/dirsync/internal/adapter"
	"github.com/Ning0612/dirsync/internal/core/reconcile"
	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/logger"
)

const (
	// DefaultAuthority is the Entra ID login host
	DefaultAuthority = "https://login.microsoftonline.com"

	// DefaultGraphBaseURL is the Graph v1.0 root
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

	// GraphScope requests the application permissions granted to the client
	GraphScope = "https://graph.microsoft.com/.default"

	// Extra credential keys that override the endpoints
	ExtraGraphBaseURL = "graph_base_url"
	ExtraAuthorityURL = "authority_url"

	selectFields = "id,mail,userPrincipalName,givenName,surname,displayName,jobTitle,department,accountEnabled"
	pageSize     = "999"
)

// Syncer pulls one Entra ID tenant
type Syncer struct {
	dir      domain.Directory
	deps     adapter.Deps
	log      logger.Logger
	graphURL string
	oauth    *clientcredentials.Config
}

// New creates an Entra ID syncer for dir
func New(dir domain.Directory, deps adapter.Deps) (*Syncer, error) {
	creds := dir.Credentials
	if creds.TenantID == "" || creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("%w: directory %q needs tenant_id, client_id and client_secret",
			domain.ErrConfigInvalid, dir.Name)
	}

	deps = deps.WithDefaults()
	if err := deps.Validate(); err != nil {
		return nil, err
	}

	authority := strings.TrimRight(creds.Get(ExtraAuthorityURL, DefaultAuthority), "/")
	s := &Syncer{
		dir:      dir,
		deps:     deps,
		log:      deps.Logger.With("component", "azure", "directory", dir.Name),
		graphURL: strings.TrimRight(creds.Get(ExtraGraphBaseURL, DefaultGraphBaseURL), "/"),
		oauth: &clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, url.PathEscape(creds.TenantID)),
			Scopes:       []string{GraphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}
	if s.deps.Retry.OnRetry == nil {
		s.deps.Retry.OnRetry = func(attempt int, wait time.Duration) {
			s.log.Warn("Graph throttled request, retrying", "attempt", attempt, "wait", wait)
		}
	}
	return s, nil
}

// TestConnection acquires a token and reads the tenant organization
func (s *Syncer) TestConnection(ctx context.Context) error {
	c, err := s.client(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectivity, err)
	}
	if err := c.get(ctx, s.graphURL+"/organization?$select=id", nil); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectivity, err)
	}
	return nil
}

// Sync runs one delta pass, or a full crawl when no cursor is stored
func (s *Syncer) Sync(ctx context.Context) (domain.SyncResult, error) {
	c, err := s.client(ctx)
	if err != nil {
		return domain.SyncResult{}, err
	}

	s.deps.Progress.Begin(s.dir.Name)
	defer s.deps.Progress.Done()

	start := s.dir.DeltaLink
	rec := s.reconciler()
	deltaLink, err := s.crawl(ctx, c, rec, start)

	if start != "" && errors.Is(err, domain.ErrCursorExpired) {
		s.log.Warn("Delta link expired, restarting full crawl")
		if err := s.saveCursor(ctx, ""); err != nil {
			return domain.SyncResult{}, err
		}
		start = ""
		rec = s.reconciler()
		deltaLink, err = s.crawl(ctx, c, rec, start)
	}
	if err != nil {
		return rec.Result(), err
	}

	if start == "" {
		if err := rec.FinishFullPull(ctx); err != nil {
			return rec.Result(), err
		}
	}
	if deltaLink != "" {
		if err := s.saveCursor(ctx, deltaLink); err != nil {
			return rec.Result(), err
		}
	}

	res := rec.Result()
	s.log.Info("Graph sync finished", "full", start == "", "seen", rec.Seen(), "result", res.String())
	return res, nil
}

func (s *Syncer) reconciler() *reconcile.Reconciler {
	return reconcile.New(s.deps.Users, reconcile.Options{
		Source:   domain.SourceAzure,
		TenantID: s.dir.Credentials.TenantID,
		Features: s.dir.Features,
		Logger:   s.log,
		Progress: s.deps.Progress,
	})
}

func (s *Syncer) saveCursor(ctx context.Context, link string) error {
	if err := s.deps.Cursors.SaveDeltaLink(ctx, s.dir.ID, link); err != nil {
		return fmt.Errorf("failed to save delta link: %w", err)
	}
	s.dir.DeltaLink = link
	return nil
}

// crawl walks the delta pages starting at link, or at a fresh delta query
// when link is empty, and returns the final delta link
func (s *Syncer) crawl(ctx context.Context, c *graphClient, rec *reconcile.Reconciler, link string) (string, error) {
	next := link
	if next == "" {
		q := url.Values{}
		q.Set("$select", selectFields)
		q.Set("$top", pageSize)
		next = s.graphURL + "/users/delta?" + q.Encode()
	}

	for next != "" {
		var page deltaPage
		if err := c.get(ctx, next, &page); err != nil {
			return "", fmt.Errorf("failed to fetch users page: %w", err)
		}
		s.deps.Progress.Page(len(page.Value))

		for _, gu := range page.Value {
			if err := rec.Apply(ctx, gu.record(), s.enricher(c, gu.ID)); err != nil {
				return "", err
			}
		}

		if page.DeltaLink != "" {
			return page.DeltaLink, nil
		}
		next = page.NextLink
	}
	return "", nil
}

// enricher resolves manager, licenses and groups of one user. A failed
// manager lookup fails the user; license and group lookups are best effort.
func (s *Syncer) enricher(c *graphClient, id string) reconcile.Enricher {
	return func(ctx context.Context, u *domain.User) error {
		userURL := s.graphURL + "/users/" + url.PathEscape(id)

		var mgr graphUser
		err := c.get(ctx, userURL+"/manager?$select=mail,userPrincipalName", &mgr)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			u.ManagerEmail = ""
		case err != nil:
			return fmt.Errorf("manager lookup: %w", err)
		default:
			u.ManagerEmail = reconcile.NormalizeEmail(mgr.Mail, mgr.UserPrincipalName)
		}

		if s.dir.Features.IncludeLicenses {
			var lic licensePage
			if err := c.get(ctx, userURL+"/licenseDetails", &lic); err != nil {
				if reconcile.Fatal(ctx, err) {
					return err
				}
				s.log.Debug("License lookup failed", "user", u.Email, "error", err)
			} else {
				u.Licenses = lic.skus()
			}
		}

		if s.dir.Features.IncludeGroups {
			var groups groupPage
			body := map[string]bool{"securityEnabledOnly": false}
			if err := c.post(ctx, userURL+"/getMemberGroups", body, &groups); err != nil {
				if reconcile.Fatal(ctx, err) {
					return err
				}
				s.log.Debug("Group lookup failed", "user", u.Email, "error", err)
			} else {
				u.Groups = groups.Value
			}
		}
		return nil
	}
}

var _ adapter.Syncer = (*Syncer)(nil)
