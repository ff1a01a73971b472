package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Ning0612/dirsync/internal/adapter"
	"github.com/Ning0612/dirsync/internal/adapter/azure"
	"github.com/Ning0612/dirsync/internal/adapter/google"
	"github.com/Ning0612/dirsync/internal/config"
	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/logger"
	"github.com/Ning0612/dirsync/internal/progress"
	"github.com/Ning0612/dirsync/internal/scheduler"
	"github.com/Ning0612/dirsync/internal/state"
)

// DefaultJobLimit is the history size returned when callers pass no limit
const DefaultJobLimit = 20

// NewRegistry returns a registry with every built-in provider
func NewRegistry() *adapter.Registry {
	r := adapter.NewRegistry()
	r.Register(domain.ProviderAzure, func(dir domain.Directory, deps adapter.Deps) (adapter.Syncer, error) {
		return azure.New(dir, deps)
	})
	r.Register(domain.ProviderGoogle, func(dir domain.Directory, deps adapter.Deps) (adapter.Syncer, error) {
		return google.New(dir, deps)
	})
	return r
}

// NewDeps builds syncer dependencies from the http section of the config
func NewDeps(cfg *config.Config, m *state.Manager, log logger.Logger) adapter.Deps {
	return adapter.Deps{
		Users:      m.Users(),
		Cursors:    m.Directories(),
		HTTPClient: &http.Client{Timeout: cfg.HTTP.Timeout},
		Retry:      cfg.HTTP.RetryPolicy(),
		Limiter:    cfg.HTTP.Limiter(),
		Logger:     log,
	}
}

// DirectoryService implements the admin operations on directories
type DirectoryService struct {
	state    *state.Manager
	registry *adapter.Registry
	deps     adapter.Deps
	exec     *scheduler.Executor
	now      func() time.Time
	log      logger.Logger
}

// DirectoryOption customizes a DirectoryService
type DirectoryOption func(*DirectoryService)

// WithRegistry replaces the built-in provider registry
func WithRegistry(r *adapter.Registry) DirectoryOption {
	return func(s *DirectoryService) { s.registry = r }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) DirectoryOption {
	return func(s *DirectoryService) { s.now = now }
}

// NewDirectoryService creates the service over an open state manager
func NewDirectoryService(cfg *config.Config, m *state.Manager, opts ...DirectoryOption) (*DirectoryService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if m == nil {
		return nil, fmt.Errorf("state manager cannot be nil")
	}

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, err
	}

	s := &DirectoryService{
		state:    m,
		registry: NewRegistry(),
		now:      time.Now,
		log:      logger.With("component", "directories"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.deps = NewDeps(cfg, m, logger.With("component", "syncer"))

	s.exec, err = scheduler.NewExecutor(scheduler.ExecutorConfig{
		Directories: m.Directories(),
		Jobs:        m.Jobs(),
		Syncers:     s.registry,
		Deps:        s.deps,
		StaleAfter:  cfg.Scheduler.StaleAfter,
		Location:    loc,
		Clock:       s.now,
		Logger:      logger.Get(),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Executor returns the run executor shared with the scheduler loop
func (s *DirectoryService) Executor() *scheduler.Executor {
	return s.exec
}

// Directories lists every directory by id
func (s *DirectoryService) Directories(ctx context.Context) ([]domain.Directory, error) {
	return s.state.Directories().List(ctx)
}

// Directory returns one directory by name
func (s *DirectoryService) Directory(ctx context.Context, name string) (*domain.Directory, error) {
	return s.state.Directories().GetByName(ctx, name)
}

// RunNow makes the directory due; the scheduler picks it up on its next tick
func (s *DirectoryService) RunNow(ctx context.Context, name string) error {
	d, err := s.Directory(ctx, name)
	if err != nil {
		return err
	}
	if err := s.state.Directories().RequestRun(ctx, d.ID, s.now()); err != nil {
		return err
	}
	s.log.Info("Run requested", "directory", name)
	return nil
}

// TestConnection probes the provider and mirrors the result on the directory.
// Success clears the last error.
func (s *DirectoryService) TestConnection(ctx context.Context, name string) error {
	d, err := s.Directory(ctx, name)
	if err != nil {
		return err
	}

	testErr := s.probe(ctx, *d)

	status, msg := domain.RunStatusSuccess, ""
	if testErr != nil {
		status, msg = domain.RunStatusFailed, testErr.Error()
		s.log.Warn("Connection test failed", "directory", name, "error", testErr)
	} else {
		s.log.Info("Connection test passed", "directory", name)
	}

	if err := s.state.Directories().RecordConnectionTest(context.WithoutCancel(ctx), d.ID, status, msg); err != nil {
		return fmt.Errorf("failed to record connection test: %w", err)
	}
	return testErr
}

func (s *DirectoryService) probe(ctx context.Context, d domain.Directory) error {
	syncer, err := s.registry.New(d, s.deps)
	if err != nil {
		return err
	}
	return syncer.TestConnection(ctx)
}

// Pause disables scheduled runs of the directory
func (s *DirectoryService) Pause(ctx context.Context, name string) error {
	return s.setEnabled(ctx, name, false)
}

// Resume enables scheduled runs of the directory
func (s *DirectoryService) Resume(ctx context.Context, name string) error {
	return s.setEnabled(ctx, name, true)
}

func (s *DirectoryService) setEnabled(ctx context.Context, name string, enabled bool) error {
	d, err := s.Directory(ctx, name)
	if err != nil {
		return err
	}
	if err := s.state.Directories().SetEnabled(ctx, d.ID, enabled); err != nil {
		return err
	}
	s.log.Info("Directory toggled", "directory", name, "enabled", enabled)
	return nil
}

// ResetCursor drops the delta cursor so the next run is a full crawl
func (s *DirectoryService) ResetCursor(ctx context.Context, name string) error {
	d, err := s.Directory(ctx, name)
	if err != nil {
		return err
	}
	if err := s.state.Directories().SaveDeltaLink(ctx, d.ID, ""); err != nil {
		return err
	}
	s.log.Info("Delta cursor reset", "directory", name)
	return nil
}

// SyncOnce runs the directory now, in the calling goroutine. The overlap
// guard applies: a fresh running job yields domain.ErrSyncInProgress.
func (s *DirectoryService) SyncOnce(ctx context.Context, name string, reporter progress.Reporter) (*scheduler.RunResult, error) {
	d, err := s.Directory(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.exec.RunIfIdle(ctx, *d, reporter)
}

// Jobs returns the latest jobs of a directory, newest first
func (s *DirectoryService) Jobs(ctx context.Context, name string, limit int) ([]domain.SyncJob, error) {
	d, err := s.Directory(ctx, name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultJobLimit
	}
	return s.state.Jobs().History(ctx, d.ID, limit)
}

// RecentJobs returns the latest jobs across directories
func (s *DirectoryService) RecentJobs(ctx context.Context, limit int) ([]domain.SyncJob, error) {
	if limit <= 0 {
		limit = DefaultJobLimit
	}
	return s.state.Jobs().Recent(ctx, limit)
}

// SeedResult counts what ApplySeeds did
type SeedResult struct {
	Created int
	Updated int
	Failed  int
}

// ApplySeeds creates or updates the configured directories. Identity,
// schedule, credentials and features follow the file; the enabled flag and
// run status of existing rows are kept. A seed that fails is logged and
// skipped so one bad entry does not block the rest.
func (s *DirectoryService) ApplySeeds(ctx context.Context, seeds []config.DirectorySeed) (SeedResult, error) {
	var res SeedResult
	var errs []error
	for _, seed := range seeds {
		d := seed.Directory()
		if d.Schedule.Kind == domain.ScheduleCron {
			if err := scheduler.ValidateCron(d.Schedule.CronExpr); err != nil {
				s.log.Warn("Cron expression unusable, directory runs hourly",
					"directory", d.Name, "cron", d.Schedule.CronExpr, "error", err)
			}
		}
		created, err := s.state.Directories().Upsert(ctx, &d)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("directory %s: %w", d.Name, err))
			s.log.Error("Failed to apply directory seed", "directory", d.Name, "error", err)
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	if res.Created+res.Updated > 0 {
		s.log.Info("Directory seeds applied", "created", res.Created, "updated", res.Updated, "failed", res.Failed)
	}
	return res, errors.Join(errs...)
}
