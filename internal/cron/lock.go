package cron

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the pid lock file created in the configured lock dir.
const LockFileName = "cron.lock"

const (
	lockAttempts = 3
	lockGrace    = 5 * time.Second
)

// ErrLocked is returned when another live process holds the lock file.
var ErrLocked = errors.New("cron runner already active on this host")

// PIDLock is the content of the lock file.
type PIDLock struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// AcquirePIDLock claims the host-local runner lock in dir. The lock file
// is created exclusively; a lock left by a process that no longer exists
// is removed and the create retried.
func AcquirePIDLock(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create lock dir: %w", err)
	}
	lockPath := filepath.Join(dir, LockFileName)

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	data, err := json.MarshalIndent(PIDLock{PID: os.Getpid(), Hostname: hostname, StartedAt: time.Now()}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	for attempt := 0; attempt < lockAttempts; attempt++ {
		created, err := createLock(lockPath, data)
		if err != nil {
			return "", err
		}
		if created {
			return lockPath, nil
		}
		if err := checkStale(lockPath); err != nil {
			return "", err
		}
		if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to remove stale lock file: %w", err)
		}
	}
	return "", fmt.Errorf("%w (lock file %s keeps reappearing)", ErrLocked, lockPath)
}

// createLock writes data to a new lock file. It reports false when the
// file already exists.
func createLock(lockPath string, data []byte) (bool, error) {
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(lockPath)
		return false, fmt.Errorf("failed to write lock file: %w", werr)
	}
	return true, nil
}

// checkStale returns ErrLocked unless the existing lock may be taken over:
// it is gone, belongs to this process, or names a dead process. An
// unreadable lock younger than lockGrace is still being written by its
// owner.
func checkStale(lockPath string) error {
	info, err := os.Stat(lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat lock file: %w", err)
	}
	data, err := os.ReadFile(lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock file: %w", err)
	}
	var existing PIDLock
	if json.Unmarshal(data, &existing) != nil || existing.PID == 0 {
		if time.Since(info.ModTime()) < lockGrace {
			return fmt.Errorf("%w (lock file %s is being written)", ErrLocked, lockPath)
		}
		return nil
	}
	if existing.PID != os.Getpid() && isProcessAlive(existing.PID, existing.Hostname) {
		return fmt.Errorf("%w (pid %d on %s, started %s)", ErrLocked,
			existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
	}
	return nil
}

// ReleasePIDLock removes the lock file.
func ReleasePIDLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// isProcessAlive reports whether pid runs on this host. Processes on
// other hosts and processes we may not signal count as alive.
func isProcessAlive(pid int, hostname string) bool {
	current, err := os.Hostname()
	if err != nil || !strings.EqualFold(hostname, current) {
		return true
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
