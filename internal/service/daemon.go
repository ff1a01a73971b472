package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Ning0612/dirsync/internal/api"
	"github.com/Ning0612/dirsync/internal/config"
	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/lock"
	"github.com/Ning0612/dirsync/internal/logger"
	"github.com/Ning0612/dirsync/internal/scheduler"
	"github.com/Ning0612/dirsync/internal/state"
)

// lockOwner is written into the instance lock while the daemon runs
const lockOwner = "scheduler"

// DaemonService manages the scheduled sync daemon
type DaemonService struct {
	mu       sync.RWMutex
	config   *config.Config
	stateMgr *state.Manager
	lock     *lock.FileLock
	dirs     *DirectoryService
	loop     *scheduler.Loop
	server   *http.Server
	addr     string
	log      logger.Logger
}

// DaemonStatus represents the current daemon status
type DaemonStatus struct {
	Running   bool
	Scheduler *scheduler.Status
	LastJob   *domain.SyncJob
	APIAddr   string
}

// NewDaemonService opens the state store under the configured data directory
func NewDaemonService(cfg *config.Config, opts ...DirectoryOption) (*DaemonService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	stateMgr, err := state.NewManager(cfg.DataDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open state: %w", err)
	}

	fl, err := lock.NewFileLock(cfg.DataDir())
	if err != nil {
		stateMgr.Close()
		return nil, fmt.Errorf("failed to create instance lock: %w", err)
	}

	dirs, err := NewDirectoryService(cfg, stateMgr, opts...)
	if err != nil {
		stateMgr.Close()
		return nil, fmt.Errorf("failed to create directory service: %w", err)
	}

	return &DaemonService{
		config:   cfg,
		stateMgr: stateMgr,
		lock:     fl,
		dirs:     dirs,
		log:      logger.With("component", "daemon"),
	}, nil
}

// Directories returns the directory service backing the daemon
func (d *DaemonService) Directories() *DirectoryService {
	return d.dirs
}

// Start takes the instance lock, applies the configured seeds, then starts
// the scheduler loop and, when enabled, the admin API
func (d *DaemonService) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loop != nil {
		return domain.ErrSchedulerStarted
	}

	if err := d.lock.Acquire(lockOwner); err != nil {
		return err
	}

	if _, err := d.dirs.ApplySeeds(ctx, d.config.Directories); err != nil {
		// individual seeds are already logged; the rest are usable
		d.log.Warn("Some directory seeds were not applied", "error", err)
	}

	loc, err := d.config.Scheduler.Location()
	if err != nil {
		d.lock.Release()
		return err
	}

	loop, err := scheduler.NewLoop(scheduler.Config{
		TickInterval: d.config.Scheduler.TickInterval,
		StaleAfter:   d.config.Scheduler.StaleAfter,
		Location:     loc,
	}, d.stateMgr.Directories(), d.stateMgr.Jobs(), d.dirs.Executor(), scheduler.WithLogger(logger.Get()))
	if err != nil {
		d.lock.Release()
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if err := loop.Start(ctx); err != nil {
		d.lock.Release()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	d.loop = loop

	if d.config.API.Enabled {
		if err := d.serve(); err != nil {
			loop.Stop()
			d.loop = nil
			d.lock.Release()
			return err
		}
	}

	d.log.Info("Daemon started", "data_dir", d.config.DataDir(), "directories", len(d.config.Directories))
	return nil
}

// serve binds the admin API; callers hold d.mu
func (d *DaemonService) serve() error {
	ln, err := net.Listen("tcp", d.config.API.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.API.Listen, err)
	}

	handler := api.New(d.dirs,
		api.WithStatus(d.loop.Status),
		api.WithHealth(d.stateMgr.Ping),
		api.WithLogger(logger.Get()),
	)
	d.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.addr = ln.Addr().String()

	srv := d.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("Admin API stopped", "error", err)
		}
	}()
	d.log.Info("Admin API listening", "addr", d.addr)
	return nil
}

// Done is closed once the scheduler loop has exited; nil before Start
func (d *DaemonService) Done() <-chan struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.loop == nil {
		return nil
	}
	return d.loop.Done()
}

// Stop shuts down the API, waits for the in-flight run and releases the lock
func (d *DaemonService) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loop == nil {
		return domain.ErrSchedulerNotRunning
	}

	var errs []error
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop admin API: %w", err))
		}
		d.server = nil
		d.addr = ""
	}

	// the loop may already have exited because its context was cancelled
	if err := d.loop.Stop(); err != nil && !errors.Is(err, domain.ErrSchedulerNotRunning) {
		errs = append(errs, fmt.Errorf("failed to stop scheduler: %w", err))
	}
	d.loop = nil

	if err := d.lock.Release(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release instance lock: %w", err))
	}

	d.log.Info("Daemon stopped")
	return errors.Join(errs...)
}

// Status returns the current daemon status
func (d *DaemonService) Status() *DaemonStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := &DaemonStatus{
		Running: d.loop != nil,
		APIAddr: d.addr,
	}

	if d.loop != nil {
		st := d.loop.Status()
		status.Scheduler = &st
	}

	if jobs, err := d.dirs.RecentJobs(context.Background(), 1); err == nil && len(jobs) > 0 {
		status.LastJob = &jobs[0]
	}

	return status
}

// Reload applies a changed config file: directory seeds and the log level.
// Scheduler durations and the API listener need a restart.
func (d *DaemonService) Reload(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	d.mu.Lock()
	d.config.Directories = cfg.Directories
	d.config.Logging.Level = cfg.Logging.Level
	d.mu.Unlock()

	level := logger.ParseLevel(cfg.Logging.Level)
	if prev, ok := logger.SetLevel(level); ok && prev != level {
		d.log.Info("Log level changed", "from", prev.String(), "to", level.String())
	}

	res, err := d.dirs.ApplySeeds(ctx, cfg.Directories)
	d.log.Info("Configuration reloaded", "created", res.Created, "updated", res.Updated, "failed", res.Failed)
	return err
}

// Close releases all resources
func (d *DaemonService) Close() error {
	var errs []error

	d.mu.RLock()
	running := d.loop != nil
	d.mu.RUnlock()

	if running {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := d.stateMgr.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
