// Package manager coordinates the registry, the model fetcher, the inference
// engine, and the model cache behind the pull, embed, list, and remove
// operations used by the CLI and the HTTP server.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hyperjump/embeddy/internal/cache"
	"github.com/hyperjump/embeddy/internal/embedding"
	"github.com/hyperjump/embeddy/internal/hub"
	"github.com/hyperjump/embeddy/internal/models"
	"github.com/hyperjump/embeddy/internal/storage"
	"go.uber.org/zap"
)

// Purger is implemented by fetchers that can delete a model's local files.
type Purger interface {
	Purge(remoteID string) error
}

// EmbedResult is the outcome of one Embed call.
type EmbedResult struct {
	Alias      string
	Dimension  int
	Embeddings [][]float32
}

// Manager is safe for concurrent use; the HTTP server shares one instance
// across all requests.
type Manager struct {
	registry storage.RegistryStore
	fetcher  hub.Fetcher
	engine   embedding.Engine
	cache    *cache.Cache
	device   embedding.Device
	logger   *zap.Logger

	mu         sync.Mutex
	aliasLocks map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultDevice sets the device used when a caller names none.
func WithDefaultDevice(d embedding.Device) Option {
	return func(m *Manager) { m.device = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New wires the components together. The manager owns the cache and closes
// it in Close.
func New(registry storage.RegistryStore, fetcher hub.Fetcher, engine embedding.Engine, c *cache.Cache, opts ...Option) *Manager {
	m := &Manager{
		registry:   registry,
		fetcher:    fetcher,
		engine:     engine,
		cache:      c,
		device:     embedding.Device{Kind: embedding.CPU},
		logger:     zap.NewNop(),
		aliasLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultDevice returns the device used when a caller names none.
func (m *Manager) DefaultDevice() string {
	return m.device.String()
}

// lockAlias serializes registry mutations for one alias.
func (m *Manager) lockAlias(alias string) func() {
	m.mu.Lock()
	l, ok := m.aliasLocks[alias]
	if !ok {
		l = &sync.Mutex{}
		m.aliasLocks[alias] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Pull downloads remoteID and registers it under alias, or under the trailing
// segment of remoteID when alias is empty. Pulling the same pair again is a
// no-op. An alias already bound to a different remote id is rejected before
// anything is downloaded, and again when the entry is written in case another
// process bound it meanwhile.
func (m *Manager) Pull(ctx context.Context, remoteID, alias string) (models.RegistryEntry, error) {
	remoteID = strings.Trim(strings.TrimSpace(remoteID), "/")
	if !models.ValidRemoteID(remoteID) {
		return models.RegistryEntry{}, fmt.Errorf("%w: invalid remote id %q", models.ErrInvalidInput, remoteID)
	}
	alias = strings.TrimSpace(alias)
	if alias == "" {
		alias = models.DefaultAlias(remoteID)
	}

	unlock := m.lockAlias(alias)
	defer unlock()

	reg, err := m.registry.Load()
	if err != nil {
		return models.RegistryEntry{}, err
	}
	existing, exists := reg[alias]
	if exists && existing.RemoteID != remoteID {
		return models.RegistryEntry{}, fmt.Errorf("%w: %q is bound to %s", models.ErrAliasConflict, alias, existing.RemoteID)
	}

	dir, err := m.fetcher.EnsureLocal(ctx, remoteID)
	if err != nil {
		return models.RegistryEntry{}, err
	}
	if exists && existing.LocalPath == dir {
		m.logger.Info("model already pulled", zap.String("alias", alias), zap.String("remote_id", remoteID))
		return existing, nil
	}

	entry := models.RegistryEntry{
		Alias:        alias,
		RemoteID:     remoteID,
		LocalPath:    dir,
		DownloadedAt: time.Now().UTC().Truncate(time.Second),
	}
	cfg, err := embedding.Inspect(dir)
	switch {
	case errors.Is(err, models.ErrUnsupportedArchitecture):
		if !exists {
			m.discard(remoteID)
		}
		return models.RegistryEntry{}, err
	case err != nil:
		m.logger.Warn("could not read model dimension", zap.String("alias", alias), zap.Error(err))
	default:
		entry.Dimension = cfg.HiddenSize
	}
	if err := m.registry.Bind(entry); err != nil {
		return models.RegistryEntry{}, err
	}
	// Whatever is cached or loading under this alias predates the new entry.
	m.cache.Evict(alias)
	m.logger.Info("model pulled",
		zap.String("alias", alias),
		zap.String("remote_id", remoteID),
		zap.String("path", dir))
	return entry, nil
}

// discard deletes the files of a download nobody can use, unless another
// alias already points at them.
func (m *Manager) discard(remoteID string) {
	p, ok := m.fetcher.(Purger)
	if !ok {
		return
	}
	entries, err := m.registry.List()
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.RemoteID == remoteID {
			return
		}
	}
	if err := p.Purge(remoteID); err != nil {
		m.logger.Warn("failed to delete unusable model files", zap.String("remote_id", remoteID), zap.Error(err))
	}
}

// Embed resolves ref to a model, loads it on first use, and embeds texts in
// order. An empty device selects the default device. The device only matters
// for the call that loads the model; later calls reuse the loaded instance.
func (m *Manager) Embed(ctx context.Context, ref string, texts []string, device string) (*EmbedResult, error) {
	req := models.EmbedRequest{Model: ref, Input: texts}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	dev := m.device
	if device != "" {
		var err error
		if dev, err = embedding.ParseDevice(device); err != nil {
			return nil, err
		}
	}

	// A model evicted while loading or before Embed ran is resolved and
	// loaded again once, so a removed or re-pointed alias is never served.
	for attempt := 0; ; attempt++ {
		entry, err := m.registry.Resolve(ref)
		if err != nil {
			return nil, err
		}
		var vecs [][]float32
		lm, err := m.cache.GetOrLoad(ctx, entry.Alias, m.loader(entry, dev))
		if err == nil && lm.RemoteID != entry.RemoteID {
			m.cache.Evict(entry.Alias)
			err = cache.ErrUnloaded
		}
		if err == nil {
			vecs, err = lm.Embed(ctx, texts)
		}
		if errors.Is(err, cache.ErrUnloaded) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &EmbedResult{Alias: entry.Alias, Dimension: lm.Dimension, Embeddings: vecs}, nil
	}
}

// loader makes sure the files are present, then loads them on dev.
func (m *Manager) loader(entry models.RegistryEntry, dev embedding.Device) cache.Loader {
	return func(ctx context.Context) (*cache.LoadedModel, error) {
		dir, err := m.fetcher.EnsureLocal(ctx, entry.RemoteID)
		if err != nil {
			return nil, err
		}
		h, err := m.engine.Load(ctx, dir, dev)
		if err != nil {
			return nil, err
		}
		dim := h.Dimensions()
		if entry.Dimension != dim {
			if err := m.registry.SetDimension(entry.Alias, dim); err != nil {
				m.logger.Warn("failed to record model dimension", zap.String("alias", entry.Alias), zap.Error(err))
			}
		}
		return &cache.LoadedModel{
			Alias:     entry.Alias,
			RemoteID:  entry.RemoteID,
			Handle:    h,
			Dimension: dim,
			Device:    dev.String(),
		}, nil
	}
}

// ListLoaded returns the aliases currently in memory, sorted.
func (m *Manager) ListLoaded() []string {
	return m.cache.Loaded()
}

// ListRegistered returns every registry entry, sorted by alias.
func (m *Manager) ListRegistered() ([]models.RegistryEntry, error) {
	return m.registry.List()
}

// Statuses returns every registered model with its loaded flag and, when
// withSize is set, the size of its files on disk.
func (m *Manager) Statuses(withSize bool) ([]models.ModelStatus, error) {
	entries, err := m.registry.List()
	if err != nil {
		return nil, err
	}
	loaded := make(map[string]bool)
	for _, alias := range m.cache.Loaded() {
		loaded[alias] = true
	}
	out := make([]models.ModelStatus, 0, len(entries))
	for _, e := range entries {
		st := models.ModelStatus{RegistryEntry: e, Loaded: loaded[e.Alias]}
		if withSize {
			if n, err := storage.DiskUsageBytes(e.LocalPath); err == nil {
				st.SizeBytes = &n
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// Remove drops alias from the registry and unloads it. With purge, the
// model's files are deleted unless another alias still uses them.
func (m *Manager) Remove(ctx context.Context, alias string, purge bool) (models.RegistryEntry, error) {
	unlock := m.lockAlias(alias)
	defer unlock()

	entry, err := m.registry.Remove(alias)
	if err != nil {
		return models.RegistryEntry{}, err
	}
	m.cache.Evict(alias)
	m.logger.Info("model removed", zap.String("alias", alias), zap.String("remote_id", entry.RemoteID))
	if !purge {
		return entry, nil
	}

	rest, err := m.registry.List()
	if err != nil {
		return entry, err
	}
	for _, other := range rest {
		if other.RemoteID == entry.RemoteID || other.LocalPath == entry.LocalPath {
			m.logger.Info("keeping model files still used by another alias",
				zap.String("alias", other.Alias), zap.String("path", entry.LocalPath))
			return entry, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return entry, err
	}
	if p, ok := m.fetcher.(Purger); ok {
		err = p.Purge(entry.RemoteID)
	} else {
		err = os.RemoveAll(entry.LocalPath)
	}
	if err != nil {
		return entry, fmt.Errorf("failed to delete files for %s: %w", alias, err)
	}
	m.logger.Info("model files deleted", zap.String("path", entry.LocalPath))
	return entry, nil
}

// Unload evicts alias from memory without touching the registry.
func (m *Manager) Unload(alias string) bool {
	return m.cache.Evict(alias)
}

// OnRegistryChange unloads models whose alias was removed or now points at a
// different remote id. Models loaded by remote id stay loaded.
func (m *Manager) OnRegistryChange() {
	reg, err := m.registry.Load()
	if err != nil {
		m.logger.Warn("failed to reload registry", zap.Error(err))
		return
	}
	for _, alias := range m.cache.Loaded() {
		lm, ok := m.cache.Get(alias)
		if !ok {
			continue
		}
		entry, registered := reg[alias]
		stale := (registered && entry.RemoteID != lm.RemoteID) ||
			(!registered && alias != lm.RemoteID)
		if stale {
			m.logger.Info("registry changed, unloading model", zap.String("alias", alias))
			m.cache.Evict(alias)
		}
	}
}

// WatchRegistry reconciles the cache whenever another process rewrites the
// registry, until ctx is done.
func (m *Manager) WatchRegistry(ctx context.Context) error {
	return m.registry.Watch(ctx, m.OnRegistryChange)
}

// Close unloads every model.
func (m *Manager) Close() error {
	return m.cache.Close()
}
