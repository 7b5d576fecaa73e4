package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hyperjump/embeddy/internal/embedding"
)

// LoadedModel is a model resident in memory. Callers borrow it for the
// duration of one Embed call; the cache owns its lifetime.
type LoadedModel struct {
	Alias     string
	RemoteID  string
	Handle    embedding.Handle
	Dimension int
	Device    string
	LoadedAt  time.Time

	// mu is held shared by every Embed and exclusively while closing.
	mu     sync.RWMutex
	closed bool
}

// Embed runs the handle. It fails with ErrUnloaded once the model is closed.
func (m *LoadedModel) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrUnloaded
	}
	return m.Handle.Embed(ctx, texts)
}

func (m *LoadedModel) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.Handle == nil {
		return nil
	}
	return m.Handle.Close()
}
