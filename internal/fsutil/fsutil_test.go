package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "file.yaml")
	if err := WriteFileAtomic(path, []byte("one"), 0644, nil); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0644, nil); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "two" {
		t.Errorf("content = %q, want two", got)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file, got %d entries", len(entries))
	}
}

func TestWriteFileAtomic_HookFailureLeavesTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	if err := WriteFileAtomic(path, []byte("old"), 0644, nil); err != nil {
		t.Fatal(err)
	}
	err := WriteFileAtomic(path, []byte("new"), 0644, func(string) error { return errors.New("crash") })
	if err == nil {
		t.Fatal("expected error from hook")
	}
	got, _ := os.ReadFile(path)
	if string(got) != "old" {
		t.Errorf("content = %q, want old", got)
	}
}

func TestFileLock_LockUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	l, err := NewFileLock(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Lock(); err != nil {
		t.Fatal(err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := l.Unlock(); err != nil {
		t.Errorf("second unlock should be a no-op, got %v", err)
	}

	again, err := NewFileLock(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := again.Lock(); err != nil {
		t.Errorf("lock should be acquirable after release: %v", err)
	}
	_ = again.Unlock()
}
