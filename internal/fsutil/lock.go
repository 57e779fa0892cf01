package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileLock is an exclusive advisory lock held on a lock file. It serializes
// separate relay processes; goroutines inside one process must use their
// own mutex as well, since flock is per open file description.
type FileLock struct {
	f *os.File
}

// Lock blocks until an exclusive lock on path is acquired, creating the
// file and its directory when needed.
func Lock(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := flock(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return &FileLock{f: f}, nil
}

// TryLock is Lock without waiting. It returns ok=false when another holder
// has the lock.
func TryLock(path string) (l *FileLock, ok bool, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	got, err := tryFlock(f)
	if err != nil || !got {
		_ = f.Close()
		if err != nil {
			return nil, false, fmt.Errorf("failed to lock %s: %w", path, err)
		}
		return nil, false, nil
	}
	return &FileLock{f: f}, true, nil
}

// Unlock releases the lock. It is safe to call more than once.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := funlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	return nil
}
