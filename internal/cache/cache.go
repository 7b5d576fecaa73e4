// Package cache keeps loaded models in memory keyed by alias and guarantees
// that each alias is loaded at most once at a time, however many callers ask
// for it concurrently.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned once the cache has been closed.
	ErrClosed = errors.New("model cache closed")
	// ErrUnloaded is returned by LoadedModel.Embed after the model was
	// evicted, and by GetOrLoad when the load it waited on was evicted.
	ErrUnloaded = errors.New("model was unloaded")
)

// Loader produces a model for an alias. It runs with no cache lock held and
// with a context that is not cancelled when the requesting caller gives up.
type Loader func(ctx context.Context) (*LoadedModel, error)

// slot is one alias' entry: in flight until done is closed, then either
// loaded (model set) or failed (err set and already removed from the map).
type slot struct {
	done  chan struct{}
	model *LoadedModel
	err   error
}

// Cache maps aliases to loaded models.
type Cache struct {
	mu      sync.RWMutex
	slots   map[string]*slot
	closed  bool
	order   *lru.Cache[string, struct{}]
	victims []string
	logger  *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for load and eviction events.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxLoaded bounds the number of loaded models. Loading one more evicts
// the least recently used. Zero or less means unbounded.
func WithMaxLoaded(n int) Option {
	return func(c *Cache) {
		if n <= 0 {
			return
		}
		// Only called with c.mu held; see drainVictimsLocked.
		order, err := lru.NewWithEvict[string, struct{}](n, func(alias string, _ struct{}) {
			c.victims = append(c.victims, alias)
		})
		if err == nil {
			c.order = order
		}
	}
}

// New returns an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		slots:  make(map[string]*slot),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrLoad returns the loaded model for alias, running loader if the alias
// is neither loaded nor loading. Concurrent callers for the same alias share one load
// and observe the same result. A caller whose ctx ends stops waiting and gets
// ctx.Err(); the load itself carries on for the others. A failed load is not
// cached, so the next call retries.
func (c *Cache) GetOrLoad(ctx context.Context, alias string, loader Loader) (*LoadedModel, error) {
	c.mu.RLock()
	if s, ok := c.slots[alias]; ok && s.model != nil {
		c.mu.RUnlock()
		c.touch(alias)
		return s.model, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := c.slots[alias]
	if ok && s.model != nil {
		c.mu.Unlock()
		c.touch(alias)
		return s.model, nil
	}
	if !ok {
		s = &slot{done: make(chan struct{})}
		c.slots[alias] = s
		go c.load(context.WithoutCancel(ctx), alias, s, loader)
	}
	c.mu.Unlock()

	select {
	case <-s.done:
		if s.err != nil {
			return nil, s.err
		}
		return s.model, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load runs loader for a freshly claimed slot and publishes the outcome.
func (c *Cache) load(ctx context.Context, alias string, s *slot, loader Loader) {
	start := time.Now()
	c.logger.Info("loading model", zap.String("alias", alias))

	m, err := runLoader(ctx, loader)
	if err == nil && m == nil {
		err = fmt.Errorf("loader for %q returned no model", alias)
	}
	if m != nil {
		if m.Alias == "" {
			m.Alias = alias
		}
		if m.LoadedAt.IsZero() {
			m.LoadedAt = time.Now()
		}
	}

	c.mu.Lock()
	var victims []*LoadedModel
	switch {
	case err != nil:
		s.err = err
		if c.slots[alias] == s {
			delete(c.slots, alias)
		}
	case c.closed:
		s.err = ErrClosed
	case c.slots[alias] != s:
		s.err = ErrUnloaded
	default:
		s.model = m
		if c.order != nil {
			c.order.Add(alias, struct{}{})
			victims = c.drainVictimsLocked()
		}
	}
	c.mu.Unlock()
	close(s.done)

	if err != nil {
		c.logger.Warn("model load failed", zap.String("alias", alias), zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	if s.err != nil {
		_ = m.close()
		return
	}
	c.logger.Info("model loaded",
		zap.String("alias", alias),
		zap.String("device", m.Device),
		zap.Int("dimension", m.Dimension),
		zap.Duration("elapsed", time.Since(start)))
	for _, v := range victims {
		c.logger.Info("evicting least recently used model", zap.String("alias", v.Alias))
		if err := v.close(); err != nil {
			c.logger.Warn("failed to close evicted model", zap.String("alias", v.Alias), zap.Error(err))
		}
	}
}

func runLoader(ctx context.Context, loader Loader) (m *LoadedModel, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("model loader panicked: %v", r)
		}
	}()
	return loader(ctx)
}

// drainVictimsLocked removes the slots the LRU bound pushed out.
func (c *Cache) drainVictimsLocked() []*LoadedModel {
	var out []*LoadedModel
	for _, alias := range c.victims {
		if s, ok := c.slots[alias]; ok && s.model != nil {
			delete(c.slots, alias)
			out = append(out, s.model)
		}
	}
	c.victims = c.victims[:0]
	return out
}

func (c *Cache) touch(alias string) {
	if c.order != nil {
		c.order.Get(alias)
	}
}

// Get returns the model for alias if it is loaded.
func (c *Cache) Get(alias string) (*LoadedModel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.slots[alias]; ok && s.model != nil {
		return s.model, true
	}
	return nil, false
}

// Loaded returns the aliases of all loaded models, sorted.
func (c *Cache) Loaded() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.slots))
	for alias, s := range c.slots {
		if s.model != nil {
			out = append(out, alias)
		}
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Evict unloads alias and reports whether a loaded model was removed. The
// handle is closed once in-flight embeds on it have finished. A load still in
// flight is invalidated: its waiters get ErrUnloaded, its model is closed on
// arrival, and the next GetOrLoad starts over.
func (c *Cache) Evict(alias string) bool {
	c.mu.Lock()
	s, ok := c.slots[alias]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.slots, alias)
	if s.model == nil {
		c.mu.Unlock()
		c.logger.Info("cancelling in-flight model load", zap.String("alias", alias))
		return false
	}
	if c.order != nil {
		c.order.Remove(alias)
		c.victims = c.victims[:0]
	}
	c.mu.Unlock()

	c.logger.Info("unloading model", zap.String("alias", alias))
	if err := s.model.close(); err != nil {
		c.logger.Warn("failed to close model", zap.String("alias", alias), zap.Error(err))
	}
	return true
}

// Close unloads every model. Loads still in flight finish with ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	var loaded []*LoadedModel
	for alias, s := range c.slots {
		if s.model != nil {
			loaded = append(loaded, s.model)
		}
		delete(c.slots, alias)
	}
	if c.order != nil {
		c.order.Purge()
		c.victims = c.victims[:0]
	}
	c.mu.Unlock()

	var errs []error
	for _, m := range loaded {
		if err := m.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", m.Alias, err))
		}
	}
	return errors.Join(errs...)
}
