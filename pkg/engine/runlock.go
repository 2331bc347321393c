package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// RunLock is an exclusive lock file guarding the host against concurrent
// plan runs. The host is a single-writer resource: package database,
// firewall and service manager state cannot tolerate interleaved mutation.
type RunLock struct {
	path string
	held bool
}

// NewRunLock creates a lock for the given path.
func NewRunLock(path string) *RunLock {
	return &RunLock{path: path}
}

// Acquire takes the lock, failing fast with a concurrent_run error when
// another run holds it. No mutation happens before this call succeeds.
func (l *RunLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			holder := l.holderPID()
			return NewConcurrentRun(
				fmt.Sprintf("another run holds the lock at %s (pid %s)", l.path, holder), err)
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = os.Remove(l.path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}

	l.held = true
	return nil
}

// Release removes the lock file. Safe to call when the lock is not held.
func (l *RunLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Path returns the lock file location.
func (l *RunLock) Path() string {
	return l.path
}

func (l *RunLock) holderPID() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "unknown"
	}
	pid := strings.TrimSpace(string(data))
	if _, err := strconv.Atoi(pid); err != nil {
		return "unknown"
	}
	return pid
}
