package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/logger"
	"github.com/Ning0612/dirsync/internal/metrics"
)

// Loop scans for due directories on a fixed tick and runs them one by one
type Loop struct {
	config Config
	dirs   DirectoryStore
	jobs   JobLedger
	runner Runner
	now    func() time.Time
	log    logger.Logger

	// started is the one-time latch; a stopped loop is never restarted
	started atomic.Bool

	// Runtime state
	mu          sync.RWMutex
	running     bool
	stopOnce    sync.Once // Ensure Stop() is idempotent
	closeOnce   sync.Once // Ensure stoppedChan is closed exactly once
	stopChan    chan struct{}
	stoppedChan chan struct{}

	// Statistics
	stats struct {
		lastTickTime   time.Time
		nextTickTime   time.Time
		totalTicks     int
		runs           int
		successfulRuns int
		failedRuns     int
		skippedRuns    int
		lastError      string
	}
}

// Option customizes a Loop
type Option func(*Loop)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithLogger sets the loop logger
func WithLogger(log logger.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// NewLoop creates a scheduler loop
func NewLoop(config Config, dirs DirectoryStore, jobs JobLedger, runner Runner, opts ...Option) (*Loop, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if dirs == nil || jobs == nil || runner == nil {
		return nil, fmt.Errorf("loop needs a directory store, a job ledger and a runner")
	}

	l := &Loop{
		config:      config,
		dirs:        dirs,
		jobs:        jobs,
		runner:      runner,
		now:         time.Now,
		log:         &logger.NullLogger{},
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With("component", "scheduler")
	return l, nil
}

// Start fails stale jobs left by a previous process, then scans immediately
// and on every tick until ctx is done or Stop is called. A second call
// returns domain.ErrSchedulerStarted.
func (l *Loop) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return domain.ErrSchedulerStarted
	}

	if err := l.Recover(ctx); err != nil {
		l.closeOnce.Do(func() { close(l.stoppedChan) })
		return err
	}

	l.mu.Lock()
	l.running = true
	l.mu.Unlock()

	go l.run(ctx)

	l.log.Info("Scheduler started", "tick_interval", l.config.TickInterval, "stale_after", l.config.StaleAfter)
	return nil
}

// Recover fails every running job older than the staleness threshold
func (l *Loop) Recover(ctx context.Context) error {
	now := l.now()
	n, err := l.jobs.FailStale(ctx, now.Add(-l.config.StaleAfter), staleNote(l.config.StaleAfter, true), now)
	if err != nil {
		return fmt.Errorf("boot recovery failed: %w", err)
	}
	if n > 0 {
		l.log.Warn("Failed stale jobs left by a previous run", "count", n)
		metrics.StaleJobs(n)
	}
	return nil
}

// run is the main scheduling loop
func (l *Loop) run(ctx context.Context) {
	// Ensure stoppedChan is closed exactly once
	defer l.closeOnce.Do(func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		close(l.stoppedChan)
	})

	l.Tick(ctx)

	ticker := time.NewTicker(l.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs every due directory once, in id order
func (l *Loop) Tick(ctx context.Context) {
	start := l.now()
	l.mu.Lock()
	l.stats.lastTickTime = start
	l.stats.nextTickTime = start.Add(l.config.TickInterval)
	l.stats.totalTicks++
	l.mu.Unlock()
	defer func() { metrics.ObserveTick(l.now().Sub(start)) }()

	due, err := l.dirs.ListDue(ctx, start)
	if err != nil {
		l.log.Error("Failed to list due directories", "error", err)
		l.setError(err)
		return
	}

	for _, dir := range due {
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		default:
		}
		l.process(ctx, dir)
	}
}

func (l *Loop) process(ctx context.Context, dir domain.Directory) {
	res, err := l.runner.RunIfIdle(ctx, dir, nil)
	if errors.Is(err, domain.ErrSyncInProgress) {
		l.log.Info("Skipping directory with a run in flight", "directory", dir.Name)
		metrics.Skipped(dir.Name)
		l.mu.Lock()
		l.stats.skippedRuns++
		l.mu.Unlock()
		return
	}
	if err != nil {
		l.log.Error("Run could not be recorded", "directory", dir.Name, "error", err)
		l.setError(err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.runs++
	if res.Err != nil {
		l.stats.failedRuns++
		l.stats.lastError = fmt.Sprintf("%s: %v", dir.Name, res.Err)
	} else {
		l.stats.successfulRuns++
	}
}

func (l *Loop) setError(err error) {
	l.mu.Lock()
	l.stats.lastError = err.Error()
	l.mu.Unlock()
}

// Stop gracefully stops the loop and waits for the current tick to finish
func (l *Loop) Stop() error {
	l.mu.RLock()
	if !l.running {
		l.mu.RUnlock()
		return domain.ErrSchedulerNotRunning
	}
	l.mu.RUnlock()

	l.stopOnce.Do(func() {
		close(l.stopChan)
	})

	<-l.stoppedChan
	return nil
}

// Done is closed once the loop has exited
func (l *Loop) Done() <-chan struct{} {
	return l.stoppedChan
}

// Status returns the current loop status
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Status{
		Running:        l.running,
		LastTickTime:   l.stats.lastTickTime,
		NextTickTime:   l.stats.nextTickTime,
		TotalTicks:     l.stats.totalTicks,
		Runs:           l.stats.runs,
		SuccessfulRuns: l.stats.successfulRuns,
		FailedRuns:     l.stats.failedRuns,
		SkippedRuns:    l.stats.skippedRuns,
		LastError:      l.stats.lastError,
	}
}
