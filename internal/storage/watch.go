package storage

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 200 * time.Millisecond

// Watch calls onChange after the registry file is created, written, or
// replaced by any process, debounced so one atomic replace yields one call.
// The parent directory is watched because a rename swaps the file's inode.
// Watch returns once the watcher is running; it stops when ctx is done.
func (r *FileRegistry) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}
	r.logger.Debug("registry watcher starting", zap.String("path", r.path))
	go r.watchLoop(ctx, w, onChange)
	return nil
}

func (r *FileRegistry) watchLoop(ctx context.Context, w *fsnotify.Watcher, onChange func()) {
	defer w.Close()
	name := filepath.Base(r.path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	fire := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(defaultDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug("registry changed on disk", zap.String("path", r.path))
			onChange()
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				fire()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err != nil {
				r.logger.Debug("registry watcher error", zap.Error(err))
			}
		}
	}
}
