package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/testutil"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		primary, fallback, want string
	}{
		{"  Alice@Example.COM ", "upn@example.com", "alice@example.com"},
		{"", "Bob@Example.com", "bob@example.com"},
		{"   ", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeEmail(tt.primary, tt.fallback))
	}
}

func TestDeriveNames(t *testing.T) {
	tests := []struct {
		name                    string
		given, surname, display string
		wantFirst, wantLast     string
	}{
		{"explicit", "Ada", "Lovelace", "ignored", "Ada", "Lovelace"},
		{"display fallback", "", "", "Grace Brewster Hopper", "Grace", "Brewster Hopper"},
		{"single word display", "", "", "Cher", "Cher", ""},
		{"partial fallback", "Alan", "", "Alan Turing", "Alan", "Turing"},
		{"nothing", "", "", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, last := DeriveNames(tt.given, tt.surname, tt.display)
			assert.Equal(t, tt.wantFirst, first)
			assert.Equal(t, tt.wantLast, last)
		})
	}

	long := strings.Repeat("é", domain.MaxNameLength+20)
	first, _ := DeriveNames(long, "", "")
	assert.Equal(t, domain.MaxNameLength, len([]rune(first)))
}

func TestDomainAllowed(t *testing.T) {
	assert.True(t, DomainAllowed("a@x.com", nil))
	assert.True(t, DomainAllowed("a@X.com", []string{"x.com"}))
	assert.True(t, DomainAllowed("a@x.com", []string{"@x.com"}))
	assert.False(t, DomainAllowed("a@y.com", []string{"x.com"}))
	assert.False(t, DomainAllowed("nodomain", []string{"x.com"}))
}

func TestErrorSampler(t *testing.T) {
	s := NewErrorSampler(0)
	assert.Equal(t, "", s.Notes())

	for i := 0; i < 7; i++ {
		s.Add(fmt.Sprintf("u%d@x.com", i), errors.New("boom"))
	}
	assert.Equal(t, 7, s.Count())
	assert.Len(t, s.Samples(), DefaultSampleLimit)
	assert.True(t, strings.HasPrefix(s.Notes(), "errors=7; samples: u0@x.com: boom; u1@x.com: boom"))
}

func newReconciler(store Store, f domain.Features) *Reconciler {
	return New(store, Options{Source: domain.SourceAzure, TenantID: "t1", Features: f})
}

func TestReconciler_CreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewUserStore()
	rec := Record{ExternalID: "oid-1", Email: "Alice@X.com", DisplayName: "Alice Smith", JobTitle: "Eng", Enabled: true}

	r := newReconciler(store, domain.DefaultFeatures())
	require.NoError(t, r.Apply(ctx, rec, nil))
	assert.Equal(t, 1, r.Result().Created)

	u, err := store.GetByEmail(ctx, "alice@x.com")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceAzure, u.IdentitySource)
	assert.Equal(t, "oid-1", u.ExternalID)
	assert.Equal(t, "t1", u.TenantID)
	assert.Equal(t, "Alice", u.FirstName)
	assert.Equal(t, "Smith", u.LastName)
	assert.True(t, u.Active)

	// Unchanged record on the next run counts as updated
	r = newReconciler(store, domain.DefaultFeatures())
	require.NoError(t, r.Apply(ctx, rec, nil))
	res := r.Result()
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.Updated)
	assert.Empty(t, res.Notes)
}

func TestReconciler_Skips(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewUserStore()
	r := newReconciler(store, domain.Features{AllowedDomains: []string{"x.com"}})

	require.NoError(t, r.Apply(ctx, Record{ExternalID: "1"}, nil))
	require.NoError(t, r.Apply(ctx, Record{ExternalID: "2", Email: "bob@other.com", Enabled: true}, nil))

	res := r.Result()
	assert.Equal(t, 0, res.Total())
	assert.Empty(t, res.Notes)
	assert.Empty(t, store.All())
}

func TestReconciler_Removed(t *testing.T) {
	ctx := context.Background()
	seed := func() *testutil.UserStore {
		store := testutil.NewUserStore()
		store.Put(domain.User{Email: "gone@x.com", IdentitySource: domain.SourceAzure, ExternalID: "oid-9", TenantID: "t1", Active: true})
		store.Put(domain.User{Email: "stay@x.com", IdentitySource: domain.SourceAzure, ExternalID: "oid-8", TenantID: "t1", Active: true})
		return store
	}

	t.Run("deprovisioning off", func(t *testing.T) {
		store := seed()
		r := newReconciler(store, domain.Features{})
		require.NoError(t, r.Apply(ctx, Record{ExternalID: "oid-9", Removed: true}, nil))
		assert.Equal(t, 0, r.Result().Deactivated)
		u, _ := store.GetByEmail(ctx, "gone@x.com")
		assert.True(t, u.Active)
	})

	t.Run("deprovisioning on", func(t *testing.T) {
		store := seed()
		r := newReconciler(store, domain.Features{DeprovisionMissing: true})
		require.NoError(t, r.Apply(ctx, Record{ExternalID: "oid-9", Removed: true}, nil))
		assert.Equal(t, 1, r.Result().Deactivated)
		gone, _ := store.GetByEmail(ctx, "gone@x.com")
		stay, _ := store.GetByEmail(ctx, "stay@x.com")
		assert.False(t, gone.Active)
		assert.True(t, stay.Active)
	})
}

func TestReconciler_OnlyActive(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewUserStore()
	store.Put(domain.User{Email: "old@x.com", IdentitySource: domain.SourceAzure, ExternalID: "oid-1", Active: true})

	r := newReconciler(store, domain.Features{OnlyActive: true})
	require.NoError(t, r.Apply(ctx, Record{ExternalID: "oid-1", Email: "old@x.com"}, nil))
	require.NoError(t, r.Apply(ctx, Record{ExternalID: "oid-2", Email: "new@x.com"}, nil))

	res := r.Result()
	assert.Equal(t, 1, res.Deactivated)
	assert.Equal(t, 0, res.Created)

	old, _ := store.GetByEmail(ctx, "old@x.com")
	assert.False(t, old.Active)
	_, err := store.GetByEmail(ctx, "new@x.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReconciler_PerRecordErrorsAreSampled(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewUserStore()
	store.FailSave = map[string]error{"bad@x.com": errors.New("disk full")}

	r := newReconciler(store, domain.DefaultFeatures())
	require.NoError(t, r.Apply(ctx, Record{ExternalID: "1", Email: "a@x.com", Enabled: true}, nil))
	require.NoError(t, r.Apply(ctx, Record{ExternalID: "2", Email: "bad@x.com", Enabled: true}, nil))
	require.NoError(t, r.Apply(ctx, Record{ExternalID: "3", Email: "c@x.com", Enabled: true}, func(ctx context.Context, u *domain.User) error {
		return errors.New("manager lookup: HTTP 500")
	}))
	require.NoError(t, r.Apply(ctx, Record{ExternalID: "4", Email: "d@x.com", Enabled: true}, nil))

	res := r.Result()
	assert.Equal(t, 2, res.Created)
	assert.Contains(t, res.Notes, "errors=2")
	assert.Contains(t, res.Notes, "bad@x.com: save: disk full")
	assert.Contains(t, res.Notes, "c@x.com: manager lookup: HTTP 500")
}

func TestReconciler_ThrottledLookupIsSampled(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewUserStore()
	r := newReconciler(store, domain.DefaultFeatures())

	err := r.Apply(ctx, Record{ExternalID: "1", Email: "a@x.com", Enabled: true}, func(ctx context.Context, u *domain.User) error {
		return fmt.Errorf("manager lookup: %w", domain.ErrRateLimited)
	})
	require.NoError(t, err)
	require.NoError(t, r.Apply(ctx, Record{ExternalID: "2", Email: "b@x.com", Enabled: true}, nil))

	res := r.Result()
	assert.Equal(t, 1, res.Created)
	assert.Contains(t, res.Notes, "errors=1")
	assert.Contains(t, res.Notes, "a@x.com: manager lookup")
}

func TestReconciler_CancelledRunEscapes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newReconciler(testutil.NewUserStore(), domain.DefaultFeatures())

	err := r.Apply(ctx, Record{ExternalID: "1", Email: "a@x.com", Enabled: true}, func(ctx context.Context, u *domain.User) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, r.Result().Notes)
}

func TestFatal(t *testing.T) {
	live := context.Background()
	done, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want bool
	}{
		{"nil error", done, nil, false},
		{"rate limited", live, domain.ErrRateLimited, false},
		{"auth", live, domain.ErrAuthentication, false},
		{"client timeout", live, fmt.Errorf("GET: %w", context.DeadlineExceeded), false},
		{"run cancelled", done, context.Canceled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fatal(tt.ctx, tt.err))
		})
	}
}

func TestReconciler_Enrich(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewUserStore()
	r := newReconciler(store, domain.DefaultFeatures())

	require.NoError(t, r.Apply(ctx, Record{ExternalID: "1", Email: "a@x.com", Enabled: true}, func(ctx context.Context, u *domain.User) error {
		u.ManagerEmail = "boss@x.com"
		u.Groups = []string{"g1"}
		return nil
	}))
	u, err := store.GetByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "boss@x.com", u.ManagerEmail)
	assert.Equal(t, []string{"g1"}, u.Groups)
}

func TestReconciler_FinishFullPull(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewUserStore()
	store.Put(domain.User{Email: "ghost@x.com", IdentitySource: domain.SourceAzure, ExternalID: "oid-x", TenantID: "t1", Active: true})
	store.Put(domain.User{Email: "other@x.com", IdentitySource: domain.SourceAzure, ExternalID: "oid-y", TenantID: "t2", Active: true})
	store.Put(domain.User{Email: "local@x.com", IdentitySource: domain.SourceLocal, Active: true})

	r := newReconciler(store, domain.Features{DeprovisionMissing: true})
	require.NoError(t, r.Apply(ctx, Record{ExternalID: "oid-1", Email: "a@x.com", Enabled: true}, nil))
	require.NoError(t, r.FinishFullPull(ctx))

	res := r.Result()
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Deactivated)

	ghost, _ := store.GetByEmail(ctx, "ghost@x.com")
	other, _ := store.GetByEmail(ctx, "other@x.com")
	local, _ := store.GetByEmail(ctx, "local@x.com")
	assert.False(t, ghost.Active)
	assert.True(t, other.Active)
	assert.True(t, local.Active)
}
