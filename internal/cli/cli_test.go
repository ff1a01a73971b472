package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Ning0612/dirsync/internal/adapter"
	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/service"
)

type stubSyncer struct{ testErr error }

func (s *stubSyncer) TestConnection(ctx context.Context) error { return s.testErr }

func (s *stubSyncer) Sync(ctx context.Context) (domain.SyncResult, error) {
	return domain.SyncResult{Created: 4, Updated: 1}, nil
}

// setup writes a config file over a temp data dir and stubs the providers
func setup(t *testing.T, syncer *stubSyncer) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`
storage:
  data_dir: %q
logging:
  level: error
directories:
  - name: corp
    provider: azure
    schedule:
      interval_minutes: 15
  - name: workspace
    provider: google
    enabled: false
`, filepath.Join(dir, "data"))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	reg := adapter.NewRegistry()
	ctor := func(domain.Directory, adapter.Deps) (adapter.Syncer, error) { return syncer, nil }
	reg.Register(domain.ProviderAzure, ctor)
	reg.Register(domain.ProviderGoogle, ctor)
	serviceOpts = []service.DirectoryOption{service.WithRegistry(reg)}
	t.Cleanup(func() { serviceOpts = nil })
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestList(t *testing.T) {
	path := setup(t, &stubSyncer{})

	out, err := execute(t, "list", "--config", path)
	if err != nil {
		t.Fatalf("list failed: %v\n%s", err, out)
	}
	for _, want := range []string{"NAME", "corp", "every 15m", "workspace", "every 60m"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestPauseResume(t *testing.T) {
	path := setup(t, &stubSyncer{})

	out, err := execute(t, "pause", "corp", "--config", path)
	if err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if !strings.Contains(out, "corp: paused") {
		t.Errorf("unexpected output: %s", out)
	}

	// the seed says enabled; the paused state survives the next open
	out, _ = execute(t, "list", "--config", path)
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "corp") && !strings.Contains(line, "false") {
			t.Errorf("corp should stay paused: %q", line)
		}
	}

	if _, err := execute(t, "resume", "corp", "--config", path); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
}

func TestSyncAndJobs(t *testing.T) {
	path := setup(t, &stubSyncer{})

	out, err := execute(t, "sync", "corp", "--config", path)
	if err != nil {
		t.Fatalf("sync failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "succeeded") || !strings.Contains(out, "created=4 updated=1 deactivated=0") {
		t.Errorf("unexpected sync output:\n%s", out)
	}

	out, err = execute(t, "jobs", "corp", "--limit", "5", "--config", path)
	if err != nil {
		t.Fatalf("jobs failed: %v", err)
	}
	if !strings.Contains(out, "success") {
		t.Errorf("expected a success job:\n%s", out)
	}

	out, _ = execute(t, "jobs", "workspace", "--config", path)
	if !strings.Contains(out, "No jobs found.") {
		t.Errorf("expected no jobs for workspace:\n%s", out)
	}
}

func TestTestConnection(t *testing.T) {
	syncer := &stubSyncer{}
	path := setup(t, syncer)

	out, err := execute(t, "test", "corp", "--config", path)
	if err != nil || !strings.Contains(out, "connection OK") {
		t.Fatalf("test failed: %v\n%s", err, out)
	}

	syncer.testErr = fmt.Errorf("%w: 401", domain.ErrConnectivity)
	_, err = execute(t, "test", "corp", "--config", path)
	if !errors.Is(err, domain.ErrConnectivity) {
		t.Errorf("expected connectivity error, got %v", err)
	}

	out, _ = execute(t, "status", "--config", path)
	if !strings.Contains(out, "corp: connectivity") {
		t.Errorf("status should show the failed test:\n%s", out)
	}
}

func TestUnknownDirectory(t *testing.T) {
	path := setup(t, &stubSyncer{})

	for _, cmd := range []string{"sync", "test", "run-now", "pause", "resume", "reset-cursor", "jobs"} {
		_, err := execute(t, cmd, "nope", "--config", path)
		if !errors.Is(err, domain.ErrDirectoryNotFound) {
			t.Errorf("%s: expected ErrDirectoryNotFound, got %v", cmd, err)
		}
	}
}

func TestStatusAndStop_NotRunning(t *testing.T) {
	path := setup(t, &stubSyncer{})

	out, err := execute(t, "status", "--config", path)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "Scheduler: not running") {
		t.Errorf("unexpected status:\n%s", out)
	}

	out, err = execute(t, "stop", "--config", path)
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if !strings.Contains(out, "Scheduler is not running.") {
		t.Errorf("unexpected stop output:\n%s", out)
	}
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "list", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, domain.ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}
}
