package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Ning0612/dirsync/internal/domain"
)

const (
	// LockFileName is the name of the lock file inside the data directory
	LockFileName = ".dirsync.lock"
	// DefaultStaleTimeout is how long a lock written on another host is honoured
	DefaultStaleTimeout = 30 * time.Minute
)

// Holder describes the process that owns the lock
type Holder struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Owner     string    `json:"owner,omitempty"`
}

// FileLock keeps one scheduler process per data directory
type FileLock struct {
	path         string
	staleTimeout time.Duration

	mu   sync.Mutex
	held *Holder
}

// NewFileLock creates a lock in dataDir, creating the directory when missing
func NewFileLock(dataDir string) (*FileLock, error) {
	if dataDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get config dir: %w", err)
		}
		dataDir = filepath.Join(configDir, "dirsync")
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	return &FileLock{
		path:         filepath.Join(dataDir, LockFileName),
		staleTimeout: DefaultStaleTimeout,
	}, nil
}

// Path returns the lock file path
func (l *FileLock) Path() string { return l.path }

// SetStaleTimeout sets the cross-host staleness timeout
func (l *FileLock) SetStaleTimeout(d time.Duration) {
	l.staleTimeout = d
}

// Acquire takes the lock for owner. A lock left by a dead process on this
// host, or an old one from another host, is taken over. Re-acquiring a lock
// this instance already holds only updates the owner.
func (l *FileLock) Acquire(owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held != nil {
		current, err := l.read()
		if err == nil && l.ownedBy(current) {
			current.Owner = owner
			if err := l.write(current); err != nil {
				return err
			}
			// keep the in-memory copy equal to the file so Release still matches
			l.held.Owner = owner
			return nil
		}
	}

	if current, err := l.read(); err == nil {
		if !l.isStale(current) {
			return &LockError{Holder: current, Reason: "lock is held by another process"}
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}

	hostname, _ := os.Hostname()
	h := &Holder{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Owner:     owner,
	}

	// O_EXCL makes creation atomic between racing processes
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			current, readErr := l.read()
			if readErr != nil {
				return fmt.Errorf("lock acquisition race: %w", err)
			}
			return &LockError{Holder: current, Reason: "lock acquired by another process during acquisition"}
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(h); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock info: %w", err)
	}

	l.held = h
	return nil
}

// Release removes the lock if this instance still owns it
func (l *FileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held == nil {
		return nil
	}

	current, err := l.read()
	if err != nil {
		l.held = nil
		return nil
	}
	if !l.ownedBy(current) {
		l.held = nil
		return fmt.Errorf("lock was taken over by PID %d on %s", current.PID, current.Hostname)
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	l.held = nil
	return nil
}

// IsLocked reports whether a live holder exists
func (l *FileLock) IsLocked() bool {
	h, err := l.read()
	if err != nil {
		return false
	}
	return !l.isStale(h)
}

// Holder returns the live lock holder, or domain.ErrSchedulerNotRunning
func (l *FileLock) Holder() (*Holder, error) {
	h, err := l.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrSchedulerNotRunning
		}
		return nil, err
	}
	if l.isStale(h) {
		return nil, fmt.Errorf("%w: stale lock left by PID %d", domain.ErrSchedulerNotRunning, h.PID)
	}
	return h, nil
}

// SignalHolder asks the live holder on this host to shut down
func (l *FileLock) SignalHolder() (*Holder, error) {
	h, err := l.Holder()
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	if h.Hostname != hostname {
		return h, fmt.Errorf("lock holder runs on %s, cannot signal it from %s", h.Hostname, hostname)
	}
	if h.PID == os.Getpid() {
		return h, fmt.Errorf("refusing to signal the current process")
	}
	if err := terminateProcess(h.PID); err != nil {
		return h, fmt.Errorf("failed to signal PID %d: %w", h.PID, err)
	}
	return h, nil
}

// ForceRelease removes the lock file whoever holds it
func (l *FileLock) ForceRelease() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to force remove lock: %w", err)
	}
	l.held = nil
	return nil
}

func (l *FileLock) read() (*Holder, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("invalid lock file format: %w", err)
	}
	return &h, nil
}

func (l *FileLock) write(h *Holder) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, data, 0o644)
}

// isStale: on this host only a dead process makes a lock stale; a lock from
// another host expires after staleTimeout
func (l *FileLock) isStale(h *Holder) bool {
	hostname, _ := os.Hostname()
	if h.Hostname == hostname {
		return !processExists(h.PID)
	}
	return time.Since(h.StartedAt) > l.staleTimeout
}

// ownedBy reports whether h was written by this FileLock instance
func (l *FileLock) ownedBy(h *Holder) bool {
	if l.held == nil {
		return false
	}
	hostname, _ := os.Hostname()
	return h.PID == os.Getpid() &&
		h.Hostname == hostname &&
		l.held.StartedAt.Equal(h.StartedAt) &&
		l.held.Owner == h.Owner
}

// LockError is returned when a live holder owns the lock
type LockError struct {
	Holder *Holder
	Reason string
}

func (e *LockError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("cannot acquire lock: %s (held by PID %d on %s since %s, owner: %s)",
			e.Reason,
			e.Holder.PID,
			e.Holder.Hostname,
			e.Holder.StartedAt.Format(time.RFC3339),
			e.Holder.Owner,
		)
	}
	return fmt.Sprintf("cannot acquire lock: %s", e.Reason)
}

// Is matches domain.ErrInstanceLocked
func (e *LockError) Is(target error) bool {
	return target == domain.ErrInstanceLocked
}

// IsLockError checks if an error is a LockError
func IsLockError(err error) bool {
	var le *LockError
	return errors.As(err, &le)
}
