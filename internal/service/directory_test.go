package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ning0612/dirsync/internal/adapter"
	"github.com/Ning0612/dirsync/internal/config"
	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/logger"
	"github.com/Ning0612/dirsync/internal/state"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// stubSyncer answers connection tests and runs with canned values
type stubSyncer struct {
	mu      sync.Mutex
	syncs   int
	testErr error
	result  domain.SyncResult
}

func (s *stubSyncer) TestConnection(ctx context.Context) error { return s.testErr }

func (s *stubSyncer) Sync(ctx context.Context) (domain.SyncResult, error) {
	s.mu.Lock()
	s.syncs++
	s.mu.Unlock()
	return s.result, nil
}

func testConfig(t *testing.T, dataDir string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromString(fmt.Sprintf(`
storage:
  data_dir: %q
scheduler:
  tick_interval: 50ms
  timezone: UTC
directories:
  - name: corp
    provider: azure
    schedule:
      kind: interval
      interval_minutes: 15
    credentials:
      tenant_id: t-1
      client_id: c-1
      client_secret: s3cret
  - name: workspace
    provider: google
    enabled: false
    credentials:
      customer: C01
`, dataDir))
	require.NoError(t, err)
	return cfg
}

type dirFixture struct {
	cfg    *config.Config
	state  *state.Manager
	syncer *stubSyncer
	svc    *DirectoryService
}

func newDirFixture(t *testing.T) *dirFixture {
	t.Helper()
	dataDir := t.TempDir()
	m, err := state.NewManager(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	f := &dirFixture{
		cfg:    testConfig(t, dataDir),
		state:  m,
		syncer: &stubSyncer{result: domain.SyncResult{Created: 3}},
	}
	f.svc, err = NewDirectoryService(f.cfg, m,
		WithRegistry(stubRegistry(f.syncer)),
		WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)

	res, err := f.svc.ApplySeeds(context.Background(), f.cfg.Directories)
	require.NoError(t, err)
	require.Equal(t, 2, res.Created)
	return f
}

func stubRegistry(s *stubSyncer) *adapter.Registry {
	r := adapter.NewRegistry()
	ctor := func(dir domain.Directory, deps adapter.Deps) (adapter.Syncer, error) { return s, nil }
	r.Register(domain.ProviderAzure, ctor)
	r.Register(domain.ProviderGoogle, ctor)
	return r
}

func (f *dirFixture) get(t *testing.T, name string) *domain.Directory {
	t.Helper()
	d, err := f.svc.Directory(context.Background(), name)
	require.NoError(t, err)
	return d
}

func TestNewDirectoryService_Validation(t *testing.T) {
	_, err := NewDirectoryService(nil, nil)
	assert.Error(t, err)

	cfg := testConfig(t, t.TempDir())
	_, err = NewDirectoryService(cfg, nil)
	assert.Error(t, err)
}

func TestDirectoryService_Directories(t *testing.T) {
	f := newDirFixture(t)

	dirs, err := f.svc.Directories(context.Background())
	require.NoError(t, err)
	require.Len(t, dirs, 2)
	assert.Equal(t, "corp", dirs[0].Name)
	assert.True(t, dirs[0].Enabled)
	assert.Equal(t, "workspace", dirs[1].Name)
	assert.False(t, dirs[1].Enabled)
}

func TestDirectoryService_RunNow(t *testing.T) {
	f := newDirFixture(t)

	require.NoError(t, f.svc.RunNow(context.Background(), "corp"))

	d := f.get(t, "corp")
	require.NotNil(t, d.NextRunAt)
	assert.True(t, d.NextRunAt.Equal(fixedNow))
	assert.Equal(t, 0, f.syncer.syncs, "run-now only marks the directory due")
}

func TestDirectoryService_TestConnection(t *testing.T) {
	f := newDirFixture(t)
	ctx := context.Background()

	f.syncer.testErr = fmt.Errorf("%w: token request returned 401", domain.ErrConnectivity)
	err := f.svc.TestConnection(ctx, "corp")
	require.ErrorIs(t, err, domain.ErrConnectivity)

	d := f.get(t, "corp")
	assert.Equal(t, domain.RunStatusFailed, d.LastStatus)
	assert.Contains(t, d.LastError, "401")

	f.syncer.testErr = nil
	require.NoError(t, f.svc.TestConnection(ctx, "corp"))

	d = f.get(t, "corp")
	assert.Equal(t, domain.RunStatusSuccess, d.LastStatus)
	assert.Empty(t, d.LastError)
}

func TestDirectoryService_PauseResume(t *testing.T) {
	f := newDirFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Pause(ctx, "corp"))
	assert.False(t, f.get(t, "corp").Enabled)

	require.NoError(t, f.svc.Resume(ctx, "corp"))
	assert.True(t, f.get(t, "corp").Enabled)
}

func TestDirectoryService_ResetCursor(t *testing.T) {
	f := newDirFixture(t)
	ctx := context.Background()

	d := f.get(t, "corp")
	require.NoError(t, f.state.Directories().SaveDeltaLink(ctx, d.ID, "https://graph/delta?token=abc"))
	require.NotEmpty(t, f.get(t, "corp").DeltaLink)

	require.NoError(t, f.svc.ResetCursor(ctx, "corp"))
	assert.Empty(t, f.get(t, "corp").DeltaLink)
}

func TestDirectoryService_SyncOnceAndJobs(t *testing.T) {
	f := newDirFixture(t)
	ctx := context.Background()

	res, err := f.svc.SyncOnce(ctx, "corp", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, res.Status)
	assert.Equal(t, 3, res.Result.Created)
	assert.Equal(t, 1, f.syncer.syncs)

	jobs, err := f.svc.Jobs(ctx, "corp", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobSuccess, jobs[0].Status)

	recent, err := f.svc.RecentJobs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	// disabled directories can still be synced by hand
	_, err = f.svc.SyncOnce(ctx, "workspace", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, f.syncer.syncs)
}

func TestDirectoryService_SyncOnce_InProgress(t *testing.T) {
	f := newDirFixture(t)
	ctx := context.Background()

	d := f.get(t, "corp")
	_, err := f.state.Jobs().Create(ctx, d.ID, fixedNow.Add(-5*time.Minute))
	require.NoError(t, err)

	_, err = f.svc.SyncOnce(ctx, "corp", nil)
	assert.ErrorIs(t, err, domain.ErrSyncInProgress)
	assert.Equal(t, 0, f.syncer.syncs)
}

func TestDirectoryService_ApplySeeds_KeepsEnabled(t *testing.T) {
	f := newDirFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Pause(ctx, "corp"))

	seeds := append([]config.DirectorySeed(nil), f.cfg.Directories...)
	seeds[0].Enabled = true
	seeds[0].Schedule.IntervalMinutes = 45

	res, err := f.svc.ApplySeeds(ctx, seeds)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{Updated: 2}, res)

	d := f.get(t, "corp")
	assert.False(t, d.Enabled, "a reload must not resume a paused directory")
	assert.Equal(t, 45, d.Schedule.IntervalMinutes)
}

func TestDirectoryService_ApplySeeds_BadSeed(t *testing.T) {
	f := newDirFixture(t)
	ctx := context.Background()

	seeds := []config.DirectorySeed{
		{Name: "ldap", Provider: domain.Provider("ldap")},
		{Name: "extra", Provider: domain.ProviderAzure, Enabled: true,
			Schedule: domain.Schedule{Kind: domain.ScheduleInterval, IntervalMinutes: 5}},
	}

	res, err := f.svc.ApplySeeds(ctx, seeds)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
	assert.Equal(t, SeedResult{Created: 1, Failed: 1}, res)

	assert.Equal(t, 5, f.get(t, "extra").Schedule.IntervalMinutes)
}

func TestDirectoryService_ApplySeeds_WarnsOnBadCron(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, logger.Reset(logger.Config{
		Level:   logger.LevelWarn,
		Outputs: []logger.OutputConfig{{Type: logger.OutputStdout, Writer: buf}},
	}))
	t.Cleanup(func() { logger.Shutdown() })

	f := newDirFixture(t)
	ctx := context.Background()

	seeds := []config.DirectorySeed{
		{Name: "nightly", Provider: domain.ProviderAzure, Enabled: true,
			Schedule: domain.Schedule{Kind: domain.ScheduleCron, CronExpr: "61 * * * *"}},
		{Name: "hourly", Provider: domain.ProviderAzure, Enabled: true,
			Schedule: domain.Schedule{Kind: domain.ScheduleCron, CronExpr: "@hourly"}},
	}

	res, err := f.svc.ApplySeeds(ctx, seeds)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{Created: 2}, res)

	out := buf.String()
	assert.Contains(t, out, "Cron expression unusable")
	assert.Contains(t, out, "directory=nightly")
	assert.NotContains(t, out, "directory=hourly")

	// the seed is still stored; scheduling falls back to hourly
	assert.Equal(t, "61 * * * *", f.get(t, "nightly").Schedule.CronExpr)
}

func TestDirectoryService_UnknownDirectory(t *testing.T) {
	f := newDirFixture(t)
	ctx := context.Background()

	ops := map[string]func() error{
		"run-now":      func() error { return f.svc.RunNow(ctx, "nope") },
		"test":         func() error { return f.svc.TestConnection(ctx, "nope") },
		"pause":        func() error { return f.svc.Pause(ctx, "nope") },
		"resume":       func() error { return f.svc.Resume(ctx, "nope") },
		"reset-cursor": func() error { return f.svc.ResetCursor(ctx, "nope") },
		"jobs":         func() error { _, err := f.svc.Jobs(ctx, "nope", 5); return err },
		"sync":         func() error { _, err := f.svc.SyncOnce(ctx, "nope", nil); return err },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			err := op()
			assert.True(t, errors.Is(err, domain.ErrDirectoryNotFound), "got %v", err)
		})
	}
}
