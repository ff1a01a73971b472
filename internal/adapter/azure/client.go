package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/Ning0612/dirsync/internal/adapter"
	"github.com/Ning0612/dirsync/internal/core/reconcile"
	"github.com/Ning0612/dirsync/internal/domain"
)

// graphClient issues paced, retried Graph requests with a bearer token
type graphClient struct {
	http *http.Client
	deps adapter.Deps
}

// client acquires a token up front so credential problems fail the run
// before any page is fetched
func (s *Syncer) client(ctx context.Context) (*graphClient, error) {
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, s.deps.HTTPClient)
	src := s.oauth.TokenSource(tokenCtx)

	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: token request failed: %v", domain.ErrAuthentication, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response has no access token", domain.ErrAuthentication)
	}

	hc := oauth2.NewClient(tokenCtx, oauth2.ReuseTokenSource(tok, src))
	hc.Timeout = s.deps.HTTPClient.Timeout
	return &graphClient{http: hc, deps: s.deps}, nil
}

func (c *graphClient) get(ctx context.Context, rawURL string, out any) error {
	return c.do(ctx, http.MethodGet, rawURL, nil, out)
}

func (c *graphClient) post(ctx context.Context, rawURL string, body, out any) error {
	return c.do(ctx, http.MethodPost, rawURL, body, out)
}

// do sends one request through the limiter and the retry policy.
// A nil out discards the response body.
func (c *graphClient) do(ctx context.Context, method, rawURL string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	return c.deps.Retry.Do(ctx, func(ctx context.Context) error {
		if err := adapter.Wait(ctx, c.deps.Limiter); err != nil {
			return err
		}

		var r io.Reader
		if payload != nil {
			r = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, r)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
		}
		if err := adapter.CheckResponse(resp); err != nil {
			return err
		}
		defer resp.Body.Close()

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s: %w", req.URL.Path, err)
		}
		return nil
	})
}

// deltaPage is one page of /users/delta
type deltaPage struct {
	Value     []graphUser `json:"value"`
	NextLink  string      `json:"@odata.nextLink"`
	DeltaLink string      `json:"@odata.deltaLink"`
}

type graphUser struct {
	ID                string `json:"id"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	GivenName         string `json:"givenName"`
	Surname           string `json:"surname"`
	DisplayName       string `json:"displayName"`
	JobTitle          string `json:"jobTitle"`
	Department        string `json:"department"`
	AccountEnabled    *bool  `json:"accountEnabled"`

	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

// record maps a Graph user; a missing accountEnabled counts as enabled
func (u graphUser) record() reconcile.Record {
	return reconcile.Record{
		ExternalID:    u.ID,
		Email:         u.Mail,
		PrincipalName: u.UserPrincipalName,
		GivenName:     u.GivenName,
		Surname:       u.Surname,
		DisplayName:   u.DisplayName,
		JobTitle:      u.JobTitle,
		Department:    u.Department,
		Enabled:       u.AccountEnabled == nil || *u.AccountEnabled,
		Removed:       u.Removed != nil,
	}
}

type licensePage struct {
	Value []struct {
		SkuPartNumber string `json:"skuPartNumber"`
	} `json:"value"`
}

func (p licensePage) skus() []string {
	out := make([]string, 0, len(p.Value))
	for _, v := range p.Value {
		if v.SkuPartNumber != "" {
			out = append(out, v.SkuPartNumber)
		}
	}
	return out
}

type groupPage struct {
	Value []string `json:"value"`
}
