package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ning0612/dirsync/internal/adapter"
	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/logger"
	"github.com/Ning0612/dirsync/internal/metrics"
	"github.com/Ning0612/dirsync/internal/progress"
)

// ExecutorConfig wires an Executor
type ExecutorConfig struct {
	Directories DirectoryStore
	Jobs        JobLedger
	Syncers     SyncerFactory

	// Deps is handed to every syncer; Progress is replaced per run
	Deps adapter.Deps

	StaleAfter time.Duration
	Location   *time.Location

	// Clock defaults to time.Now
	Clock  func() time.Time
	Logger logger.Logger
}

// Executor runs one directory sync and records it in the ledger and the
// directory status mirror
type Executor struct {
	cfg ExecutorConfig
	log logger.Logger
	now func() time.Time
}

// RunResult describes one finished run
type RunResult struct {
	RunID     string
	JobID     int64
	Status    domain.JobStatus
	Result    domain.SyncResult
	Err       error
	StartedAt time.Time
	NextRunAt time.Time
	Elapsed   time.Duration
}

// NewExecutor creates an executor
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Directories == nil || cfg.Jobs == nil || cfg.Syncers == nil {
		return nil, fmt.Errorf("executor needs a directory store, a job ledger and a syncer factory")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = domain.DefaultStaleAfter
	}
	e := &Executor{cfg: cfg, now: cfg.Clock, log: cfg.Logger}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = &logger.NullLogger{}
	}
	e.log = e.log.With("component", "executor")
	return e, nil
}

// RunIfIdle runs dir unless it has a running job that is not stale yet, in
// which case it returns domain.ErrSyncInProgress. A stale running job is
// force-failed first. Two callers racing past the check still get one job:
// the ledger allows a single running job per directory and Create reports
// the loser as domain.ErrSyncInProgress.
func (e *Executor) RunIfIdle(ctx context.Context, dir domain.Directory, reporter progress.Reporter) (*RunResult, error) {
	now := e.now()
	job, err := e.cfg.Jobs.Running(ctx, dir.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check running job: %w", err)
	}

	if job != nil {
		if !job.IsStale(now, e.cfg.StaleAfter) {
			return nil, fmt.Errorf("%w: directory %s job %d started %s", domain.ErrSyncInProgress,
				dir.Name, job.ID, job.StartedAt.Format(time.RFC3339))
		}
		e.log.Warn("Force-failing stale job", "directory", dir.Name, "job_id", job.ID, "started_at", job.StartedAt)
		err := e.cfg.Jobs.ForceFail(ctx, job.ID, staleNote(e.cfg.StaleAfter, false), now)
		if err != nil && !errors.Is(err, domain.ErrJobFinalized) {
			return nil, fmt.Errorf("failed to fail stale job %d: %w", job.ID, err)
		}
		metrics.StaleJobs(1)
	}

	return e.Run(ctx, dir, reporter)
}

// Run executes one sync of dir without the overlap check. Sync failures and
// panics end in a failed job and a failed directory status, reported through
// RunResult; the returned error is only for ledger failures.
func (e *Executor) Run(ctx context.Context, dir domain.Directory, reporter progress.Reporter) (*RunResult, error) {
	runID := uuid.NewString()
	log := e.log.With("directory", dir.Name, "provider", string(dir.Provider), "run_id", runID)

	started := e.now()
	job, err := e.cfg.Jobs.Create(ctx, dir.ID, started)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync job: %w", err)
	}
	log.Info("Sync started", "job_id", job.ID)

	deps := e.cfg.Deps
	deps.Progress = reporter
	res, trace, syncErr := e.sync(ctx, dir, deps)

	// the outcome is recorded even when ctx was cancelled mid-run
	wctx := context.WithoutCancel(ctx)
	finished := e.now()
	out := &RunResult{
		RunID:     runID,
		JobID:     job.ID,
		Result:    res,
		Err:       syncErr,
		StartedAt: started,
		NextRunAt: NextRun(dir.Schedule, finished, e.cfg.Location),
		Elapsed:   finished.Sub(started),
	}

	jobOut := res.Outcome()
	mirror := domain.RunOutcome{At: finished, Status: domain.RunStatusSuccess, NextRunAt: out.NextRunAt}
	if syncErr != nil {
		msg := syncErr.Error()
		jobOut.Status = domain.JobFailed
		jobOut.Notes = domain.AppendNote(res.Notes, msg+"\n"+trace)
		mirror.Status = domain.RunStatusFailed
		mirror.Error = msg
		log.Error("Sync failed", "job_id", job.ID, "error", syncErr, "elapsed", out.Elapsed)
	} else {
		log.Info("Sync finished", "job_id", job.ID, "result", res.String(), "elapsed", out.Elapsed)
	}
	out.Status = jobOut.Status

	if err := e.cfg.Jobs.Finalize(wctx, job.ID, jobOut, finished); err != nil {
		if !errors.Is(err, domain.ErrJobFinalized) {
			return out, fmt.Errorf("failed to finalize sync job: %w", err)
		}
		log.Warn("Job was finalized elsewhere", "job_id", job.ID, "error", err)
	}
	if err := e.cfg.Directories.RecordRun(wctx, dir.ID, mirror); err != nil {
		return out, fmt.Errorf("failed to record run: %w", err)
	}

	metrics.ObserveRun(dir, out.Status, out.Elapsed, res)
	return out, nil
}

// sync resolves the syncer and runs it, turning a panic into an error with
// its stack as trace
func (e *Executor) sync(ctx context.Context, dir domain.Directory, deps adapter.Deps) (res domain.SyncResult, trace string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during sync: %v", r)
			trace = string(debug.Stack())
		}
	}()

	s, err := e.cfg.Syncers.New(dir, deps)
	if err != nil {
		return res, errorChain(err), err
	}
	res, err = s.Sync(ctx)
	if err != nil {
		return res, errorChain(err), err
	}
	return res, "", nil
}

// errorChain lists the wrapped causes of err, outermost first
func errorChain(err error) string {
	var b strings.Builder
	b.WriteString("error chain:")
	for i := 0; err != nil && i < 16; i++ {
		fmt.Fprintf(&b, "\n  %T: %v", err, err)
		err = errors.Unwrap(err)
	}
	return b.String()
}
