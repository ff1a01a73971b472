package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ning0612/dirsync/internal/core/diff"
	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/logger"
	"github.com/Ning0612/dirsync/internal/progress"
)

// Store is the part of the local user store reconciliation needs
type Store interface {
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Save(ctx context.Context, u *domain.User) (bool, error)
	DeactivateByExternalID(ctx context.Context, source domain.IdentitySource, externalID string) (int64, error)
	DeactivateMissing(ctx context.Context, source domain.IdentitySource, tenantID string, seen []string) (int64, error)
}

// Record is one upstream user as a provider reports it
type Record struct {
	ExternalID string

	// Email is the primary address, PrincipalName the fallback
	Email         string
	PrincipalName string

	GivenName   string
	Surname     string
	DisplayName string
	JobTitle    string
	Department  string
	Enabled     bool

	// Removed marks a delta tombstone; only ExternalID is meaningful
	Removed bool
}

// ident names the record in error samples and progress output
func (r Record) ident() string {
	if e := NormalizeEmail(r.Email, r.PrincipalName); e != "" {
		return e
	}
	return r.ExternalID
}

// Enricher fills provider lookups (manager, licenses, groups) on a user
// after the base fields are set and before it is saved
type Enricher func(ctx context.Context, u *domain.User) error

// Options configure a Reconciler
type Options struct {
	Source   domain.IdentitySource
	TenantID string
	Features domain.Features
	Logger   logger.Logger
	Progress progress.Reporter
}

// Reconciler applies upstream records of one run to the local user store
// and accumulates the run counters
type Reconciler struct {
	store    Store
	opts     Options
	log      logger.Logger
	progress progress.Reporter
	sampler  *ErrorSampler

	seen   map[string]struct{}
	result domain.SyncResult
}

// New creates a reconciler for one run
func New(store Store, opts Options) *Reconciler {
	log := opts.Logger
	if log == nil {
		log = &logger.NullLogger{}
	}
	return &Reconciler{
		store:    store,
		opts:     opts,
		log:      log,
		progress: progress.OrNull(opts.Progress),
		sampler:  NewErrorSampler(DefaultSampleLimit),
		seen:     make(map[string]struct{}),
	}
}

// Fatal reports whether err must abort the whole run instead of being
// counted against a single record. Only the end of the run context does;
// throttling or auth failures of per-user lookups stay with that user.
// Page fetches return their errors directly and never reach Apply.
func Fatal(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil
}

// Apply reconciles one record. Per-record failures are sampled and nil is
// returned; only failures for which Fatal holds are returned.
func (r *Reconciler) Apply(ctx context.Context, rec Record, enrich Enricher) error {
	err := r.apply(ctx, rec, enrich)
	if err == nil {
		return nil
	}
	if Fatal(ctx, err) {
		return err
	}
	r.Fail(rec.ident(), err)
	return nil
}

func (r *Reconciler) apply(ctx context.Context, rec Record, enrich Enricher) error {
	if rec.Removed {
		return r.remove(ctx, rec)
	}

	if rec.ExternalID != "" {
		r.seen[rec.ExternalID] = struct{}{}
	}

	email := NormalizeEmail(rec.Email, rec.PrincipalName)
	if email == "" {
		r.skip(rec.ExternalID, "no email")
		return nil
	}
	if !DomainAllowed(email, r.opts.Features.AllowedDomains) {
		r.skip(email, "domain not allowed")
		return nil
	}

	existing, err := r.store.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		existing, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}

	if r.opts.Features.OnlyActive && !rec.Enabled {
		return r.disable(ctx, email, existing)
	}

	u := domain.User{}
	if existing != nil {
		u = *existing
	}
	u.Email = email
	u.IdentitySource = r.opts.Source
	u.Active = rec.Enabled
	u.ExternalID = rec.ExternalID
	u.TenantID = r.opts.TenantID
	u.JobTitle = rec.JobTitle
	u.Department = rec.Department
	u.FirstName, u.LastName = DeriveNames(rec.GivenName, rec.Surname, rec.DisplayName)

	if enrich != nil {
		if err := enrich(ctx, &u); err != nil {
			return err
		}
	}

	if changed := diff.Users(existing, &u); len(changed) > 0 {
		r.log.Debug("User changed", "email", email, "fields", diff.Names(changed))
	}

	created, err := r.store.Save(ctx, &u)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	if created {
		r.result.Created++
		r.progress.Record(email, progress.OutcomeCreated)
	} else {
		// an unchanged user still counts as updated
		r.result.Updated++
		r.progress.Record(email, progress.OutcomeUpdated)
	}
	return nil
}

// remove handles a delta tombstone
func (r *Reconciler) remove(ctx context.Context, rec Record) error {
	if !r.opts.Features.DeprovisionMissing {
		r.skip(rec.ExternalID, "removed upstream, deprovisioning off")
		return nil
	}
	n, err := r.store.DeactivateByExternalID(ctx, r.opts.Source, rec.ExternalID)
	if err != nil {
		return fmt.Errorf("deactivate: %w", err)
	}
	if n > 0 {
		r.result.Deactivated += int(n)
		r.progress.Record(rec.ExternalID, progress.OutcomeDeactivated)
	} else {
		r.progress.Record(rec.ExternalID, progress.OutcomeSkipped)
	}
	return nil
}

// disable applies a disabled upstream account when only active users are synced
func (r *Reconciler) disable(ctx context.Context, email string, existing *domain.User) error {
	if existing == nil || !existing.Active {
		r.skip(email, "disabled upstream")
		return nil
	}

	u := *existing
	u.Active = false
	if _, err := r.store.Save(ctx, &u); err != nil {
		return fmt.Errorf("deactivate: %w", err)
	}
	r.result.Deactivated++
	r.progress.Record(email, progress.OutcomeDeactivated)
	return nil
}

func (r *Reconciler) skip(ident, reason string) {
	r.log.Debug("Record skipped", "ident", ident, "reason", reason)
	r.progress.Record(ident, progress.OutcomeSkipped)
}

// Fail counts a per-record error that happened outside Apply
func (r *Reconciler) Fail(ident string, err error) {
	r.log.Warn("Record failed", "ident", ident, "error", err)
	r.sampler.Add(ident, err)
	r.progress.Error(ident, err)
}

// FinishFullPull deactivates users of this source and tenant that a complete
// crawl did not return. It does nothing unless DeprovisionMissing is set.
func (r *Reconciler) FinishFullPull(ctx context.Context) error {
	if !r.opts.Features.DeprovisionMissing {
		return nil
	}

	seen := make([]string, 0, len(r.seen))
	for id := range r.seen {
		seen = append(seen, id)
	}
	n, err := r.store.DeactivateMissing(ctx, r.opts.Source, r.opts.TenantID, seen)
	if err != nil {
		return fmt.Errorf("failed to deactivate missing users: %w", err)
	}
	if n > 0 {
		r.log.Info("Deactivated users missing upstream", "count", n)
		r.result.Deactivated += int(n)
	}
	return nil
}

// Seen returns how many distinct upstream ids were applied
func (r *Reconciler) Seen() int { return len(r.seen) }

// Result returns the counters and the error summary
func (r *Reconciler) Result() domain.SyncResult {
	res := r.result
	res.Notes = r.sampler.Notes()
	return res
}
