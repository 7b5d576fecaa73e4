//go:build windows

package fsutil

import (
	"fmt"
	"os"
	"time"
)

// FileLock on Windows only holds the lock file open; cross-process exclusion
// relies on the in-process mutex and atomic rename.
type FileLock struct {
	file *os.File
}

func NewFileLock(path string, _ time.Duration) (*FileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &FileLock{file: file}, nil
}

func (l *FileLock) Lock() error { return nil }

func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
