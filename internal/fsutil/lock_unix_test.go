//go:build !windows

package fsutil

import (
	"path/filepath"
	"testing"
	"time"
)

func TestFileLock_TimesOutWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	held, err := NewFileLock(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := held.Lock(); err != nil {
		t.Fatal(err)
	}
	defer held.Unlock()

	// flock locks belong to the open file description, so a second open
	// contends even within one process.
	waiter, err := NewFileLock(path, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer waiter.Unlock()
	if err := waiter.Lock(); err == nil {
		t.Fatal("expected timeout while lock is held")
	}
}
