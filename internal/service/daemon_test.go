package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/lock"
	"github.com/Ning0612/dirsync/internal/testutil"
)

// newTestDaemon creates a daemon over a temp data dir with stubbed providers
func newTestDaemon(t *testing.T, api bool) (*DaemonService, *stubSyncer, string) {
	t.Helper()
	dataDir := t.TempDir()
	cfg := testConfig(t, dataDir)
	cfg.API.Enabled = api
	cfg.API.Listen = "127.0.0.1:0"

	syncer := &stubSyncer{result: domain.SyncResult{Created: 1}}
	daemon, err := NewDaemonService(cfg, WithRegistry(stubRegistry(syncer)))
	if err != nil {
		t.Fatalf("Failed to create daemon service: %v", err)
	}
	t.Cleanup(func() { daemon.Close() })
	return daemon, syncer, dataDir
}

func TestNewDaemonService_NilConfig(t *testing.T) {
	_, err := NewDaemonService(nil)
	if err == nil {
		t.Error("Expected error for nil config, got nil")
	}
}

func TestDaemonService_StartStop(t *testing.T) {
	daemon, syncer, dataDir := newTestDaemon(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := daemon.Start(ctx); err != nil {
		t.Fatalf("Failed to start daemon: %v", err)
	}

	status := daemon.Status()
	if !status.Running {
		t.Error("Daemon should be running")
	}
	if status.Scheduler == nil {
		t.Error("Scheduler status should not be nil when running")
	}
	if status.APIAddr != "" {
		t.Errorf("API disabled, got address %q", status.APIAddr)
	}

	other, err := lock.NewFileLock(dataDir)
	if err != nil {
		t.Fatalf("NewFileLock failed: %v", err)
	}
	if !other.IsLocked() {
		t.Error("Instance lock should be held while running")
	}

	// the enabled seed is due at once; the paused one never runs
	testutil.AssertEventually(t, 2*time.Second, func() bool {
		return daemon.Status().LastJob != nil
	}, "first scheduled run")

	if err := daemon.Stop(context.Background()); err != nil {
		t.Fatalf("Failed to stop daemon: %v", err)
	}

	status = daemon.Status()
	if status.Running {
		t.Error("Daemon should not be running after stop")
	}
	if status.LastJob == nil || status.LastJob.Status != domain.JobSuccess {
		t.Errorf("expected a successful last job, got %+v", status.LastJob)
	}
	if syncer.syncs != 1 {
		t.Errorf("expected 1 sync, got %d", syncer.syncs)
	}
	if other.IsLocked() {
		t.Error("Instance lock should be released after stop")
	}
}

func TestDaemonService_DoubleStart(t *testing.T) {
	daemon, _, _ := newTestDaemon(t, false)
	ctx := context.Background()

	if err := daemon.Start(ctx); err != nil {
		t.Fatalf("Failed to start daemon: %v", err)
	}

	if err := daemon.Start(ctx); !errors.Is(err, domain.ErrSchedulerStarted) {
		t.Errorf("expected ErrSchedulerStarted, got %v", err)
	}
}

func TestDaemonService_StopNotRunning(t *testing.T) {
	daemon, _, _ := newTestDaemon(t, false)

	if err := daemon.Stop(context.Background()); !errors.Is(err, domain.ErrSchedulerNotRunning) {
		t.Errorf("expected ErrSchedulerNotRunning, got %v", err)
	}
	if daemon.Done() != nil {
		t.Error("Done should be nil before Start")
	}
}

func TestDaemonService_AppliesSeeds(t *testing.T) {
	daemon, _, _ := newTestDaemon(t, false)

	if err := daemon.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start daemon: %v", err)
	}

	dirs, err := daemon.Directories().Directories(context.Background())
	if err != nil {
		t.Fatalf("Directories failed: %v", err)
	}
	if len(dirs) != 2 {
		t.Fatalf("expected 2 seeded directories, got %d", len(dirs))
	}
	if dirs[1].Name != "workspace" || dirs[1].Enabled {
		t.Errorf("expected paused workspace seed, got %+v", dirs[1])
	}
}

func TestDaemonService_ContextCancel(t *testing.T) {
	daemon, _, _ := newTestDaemon(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	if err := daemon.Start(ctx); err != nil {
		t.Fatalf("Failed to start daemon: %v", err)
	}
	done := daemon.Done()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not exit after context cancel")
	}

	// Stop still releases the lock after the loop exited on its own
	if err := daemon.Stop(context.Background()); err != nil {
		t.Errorf("Stop after cancel failed: %v", err)
	}
}

func TestDaemonService_API(t *testing.T) {
	daemon, _, _ := newTestDaemon(t, true)

	if err := daemon.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start daemon: %v", err)
	}

	addr := daemon.Status().APIAddr
	if addr == "" {
		t.Fatal("expected the API to be listening")
	}

	for _, path := range []string{"/healthz", "/api/v1/scheduler", "/api/v1/directories/corp"} {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
	}

	if err := daemon.Stop(context.Background()); err != nil {
		t.Fatalf("Failed to stop daemon: %v", err)
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Error("API should be closed after stop")
	}
}

func TestDaemonService_Reload(t *testing.T) {
	daemon, _, dataDir := newTestDaemon(t, false)
	ctx := context.Background()

	if err := daemon.Start(ctx); err != nil {
		t.Fatalf("Failed to start daemon: %v", err)
	}
	if err := daemon.Directories().Pause(ctx, "corp"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	next := testConfig(t, dataDir)
	next.Logging.Level = "debug"
	next.Directories[0].Schedule.IntervalMinutes = 90

	if err := daemon.Reload(ctx, next); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	d, err := daemon.Directories().Directory(ctx, "corp")
	if err != nil {
		t.Fatalf("Directory failed: %v", err)
	}
	if d.Schedule.IntervalMinutes != 90 {
		t.Errorf("expected reloaded interval 90, got %d", d.Schedule.IntervalMinutes)
	}
	if d.Enabled {
		t.Error("reload must keep the directory paused")
	}

	if err := daemon.Reload(ctx, nil); err == nil {
		t.Error("expected error for nil config")
	}
}
