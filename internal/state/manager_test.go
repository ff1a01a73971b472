package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ning0612/dirsync/internal/domain"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	return manager
}

func createDirectory(t *testing.T, m *Manager, name string) *domain.Directory {
	t.Helper()
	d := &domain.Directory{
		Name:        name,
		Provider:    domain.ProviderAzure,
		Enabled:     true,
		Schedule:    domain.Schedule{Kind: domain.ScheduleInterval, IntervalMinutes: 15},
		Credentials: domain.Credentials{TenantID: "tenant-1", ClientID: "client", ClientSecret: "secret"},
		Features:    domain.DefaultFeatures(),
	}
	if err := m.Directories().Create(context.Background(), d); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	return d
}

func TestNewManager(t *testing.T) {
	tmpDir := t.TempDir()

	manager, err := NewManager(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer manager.Close()

	if manager.db == nil {
		t.Error("Database connection is nil")
	}

	// Verify database file was created
	dbPath := filepath.Join(tmpDir, DatabaseFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if manager.Path() != dbPath {
		t.Errorf("Path() = %s, want %s", manager.Path(), dbPath)
	}
}

func TestNewManager_EmptyDir(t *testing.T) {
	_, err := NewManager("")
	if err == nil {
		t.Error("Expected error for empty directory, got nil")
	}
}

func TestNewManager_ReopenKeepsData(t *testing.T) {
	tmpDir := t.TempDir()

	first, err := NewManager(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	createDirectory(t, first, "corp")
	first.Close()

	// Migrations must be a no-op the second time
	second, err := NewManager(tmpDir)
	if err != nil {
		t.Fatalf("Failed to reopen manager: %v", err)
	}
	defer second.Close()

	d, err := second.Directories().GetByName(context.Background(), "corp")
	if err != nil {
		t.Fatalf("GetByName after reopen: %v", err)
	}
	if d.Credentials.TenantID != "tenant-1" {
		t.Errorf("credentials not persisted: %+v", d.Credentials)
	}
}

func TestManager_Ping(t *testing.T) {
	m := newTestManager(t)
	if err := m.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestDeleteDirectoryCascadesJobs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	d := createDirectory(t, m, "corp")

	job, err := m.Jobs().Create(ctx, d.ID, time.Now())
	if err != nil {
		t.Fatalf("Create job: %v", err)
	}

	if err := m.Directories().Delete(ctx, d.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := m.Jobs().Get(ctx, job.ID); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("expected job to be deleted with directory, got %v", err)
	}
}
