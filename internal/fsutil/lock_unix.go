//go:build !windows

package fsutil

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// FileLock is an advisory flock() held on a sidecar lock file.
type FileLock struct {
	file    *os.File
	timeout time.Duration
	locked  bool
}

// NewFileLock opens (creating if needed) the lock file at path.
func NewFileLock(path string, timeout time.Duration) (*FileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &FileLock{file: file, timeout: timeout}, nil
}

// Lock polls a non-blocking exclusive flock with backoff until it succeeds or
// the timeout expires.
func (l *FileLock) Lock() error {
	if l.locked {
		return nil
	}
	deadline := time.Now().Add(l.timeout)
	sleep := 10 * time.Millisecond
	for {
		err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			l.locked = true
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock timeout after %v", l.timeout)
		}
		time.Sleep(sleep)
		if sleep < 100*time.Millisecond {
			sleep *= 2
		}
	}
}

// Unlock releases the lock and closes the file. Safe to call more than once.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	var err error
	if l.locked {
		err = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
		l.locked = false
	}
	l.file.Close()
	l.file = nil
	return err
}
