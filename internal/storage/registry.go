package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperjump/embeddy/internal/fsutil"
	"github.com/hyperjump/embeddy/internal/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultLockTimeout bounds how long a writer waits for another process's registry lock.
const DefaultLockTimeout = 30 * time.Second

// registryFile is the on-disk YAML document.
type registryFile struct {
	Models map[string]models.RegistryEntry `yaml:"models"`
}

// FileRegistry is a RegistryStore backed by a YAML file.
type FileRegistry struct {
	path        string
	locator     Locator
	lockTimeout time.Duration
	logger      *zap.Logger

	// mu serializes in-process read-modify-write cycles; the file lock
	// serializes them across processes.
	mu sync.Mutex

	// beforeRename runs after the temp file is written and synced, before it
	// replaces the registry. Tests use it to simulate a crash.
	beforeRename func(tmpPath string) error
}

var _ RegistryStore = (*FileRegistry)(nil)

// RegistryOption configures a FileRegistry.
type RegistryOption func(*FileRegistry)

// WithLocator lets Resolve fall back to complete downloads that have no alias.
func WithLocator(l Locator) RegistryOption {
	return func(r *FileRegistry) { r.locator = l }
}

// WithLockTimeout sets the cross-process lock timeout.
func WithLockTimeout(d time.Duration) RegistryOption {
	return func(r *FileRegistry) { r.lockTimeout = d }
}

// WithLogger sets a logger for registry writes and watch events.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *FileRegistry) { r.logger = l }
}

// NewFileRegistry returns a registry persisted at path. The parent directory
// is created if needed; the file itself is created on the first write.
func NewFileRegistry(path string, opts ...RegistryOption) (*FileRegistry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	r := &FileRegistry{
		path:        path,
		lockTimeout: DefaultLockTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Path returns the registry file path.
func (r *FileRegistry) Path() string {
	return r.path
}

// Load reads the registry file. Returns an empty registry if it does not
// exist and ErrStorageCorrupt if it cannot be parsed.
func (r *FileRegistry) Load() (Registry, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Registry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrStorageCorrupt, r.path, err)
	}
	reg := make(Registry, len(file.Models))
	for alias, entry := range file.Models {
		if alias == "" || entry.RemoteID == "" {
			return nil, fmt.Errorf("%w: %s: entry %q is missing fields", models.ErrStorageCorrupt, r.path, alias)
		}
		entry.Alias = alias
		reg[alias] = entry
	}
	return reg, nil
}

// Insert adds or overwrites the entry for entry.Alias and persists the registry.
func (r *FileRegistry) Insert(entry models.RegistryEntry) error {
	if entry.Alias == "" || entry.RemoteID == "" {
		return fmt.Errorf("%w: alias and remote id are required", models.ErrInvalidInput)
	}
	err := r.update(func(reg Registry) error {
		reg[entry.Alias] = entry
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Debug("registry entry saved", zap.String("alias", entry.Alias), zap.String("remote_id", entry.RemoteID))
	return nil
}

// Bind inserts entry unless its alias is already bound to a different remote
// id, in which case it returns ErrAliasConflict and leaves the file untouched.
// The check and the write happen under the registry lock, so two processes
// binding one alias to different models cannot both succeed.
func (r *FileRegistry) Bind(entry models.RegistryEntry) error {
	if entry.Alias == "" || entry.RemoteID == "" {
		return fmt.Errorf("%w: alias and remote id are required", models.ErrInvalidInput)
	}
	err := r.update(func(reg Registry) error {
		if existing, ok := reg[entry.Alias]; ok && existing.RemoteID != entry.RemoteID {
			return fmt.Errorf("%w: %q is bound to %s", models.ErrAliasConflict, entry.Alias, existing.RemoteID)
		}
		reg[entry.Alias] = entry
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Debug("registry entry bound", zap.String("alias", entry.Alias), zap.String("remote_id", entry.RemoteID))
	return nil
}

// Remove deletes the entry for alias. Returns ErrNotFound if there is none.
func (r *FileRegistry) Remove(alias string) (models.RegistryEntry, error) {
	var removed models.RegistryEntry
	err := r.update(func(reg Registry) error {
		entry, ok := reg[alias]
		if !ok {
			return fmt.Errorf("%w: %s", models.ErrNotFound, alias)
		}
		removed = entry
		delete(reg, alias)
		return nil
	})
	return removed, err
}

// SetDimension records the embedding width for alias. Unknown aliases are ignored
// since the model may have been resolved by remote id.
func (r *FileRegistry) SetDimension(alias string, dimension int) error {
	return r.update(func(reg Registry) error {
		entry, ok := reg[alias]
		if !ok || entry.Dimension == dimension {
			return errSkipWrite
		}
		entry.Dimension = dimension
		reg[alias] = entry
		return nil
	})
}

// Resolve looks name up as an alias first. Otherwise name is treated as a
// remote identifier: the first alias (in alias order) pointing at it wins, and
// failing that a complete download found by the Locator is returned under an
// alias equal to the remote identifier.
func (r *FileRegistry) Resolve(name string) (models.RegistryEntry, error) {
	reg, err := r.Load()
	if err != nil {
		return models.RegistryEntry{}, err
	}
	if entry, ok := reg[name]; ok {
		return entry, nil
	}
	for _, entry := range reg.Sorted() {
		if entry.RemoteID == name {
			return entry, nil
		}
	}
	if r.locator != nil && models.ValidRemoteID(name) {
		if dir, ok := r.locator.Locate(name); ok {
			return models.RegistryEntry{Alias: name, RemoteID: name, LocalPath: dir}, nil
		}
	}
	return models.RegistryEntry{}, fmt.Errorf("%w: %s", models.ErrNotFound, name)
}

// List returns all entries ordered by alias.
func (r *FileRegistry) List() ([]models.RegistryEntry, error) {
	reg, err := r.Load()
	if err != nil {
		return nil, err
	}
	return reg.Sorted(), nil
}

// errSkipWrite lets an update callback report that nothing changed.
var errSkipWrite = errors.New("skip write")

// update runs fn on the current registry under both locks and persists the
// result. If fn fails the file is left untouched.
func (r *FileRegistry) update(fn func(Registry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, err := fsutil.NewFileLock(r.path+".lock", r.lockTimeout)
	if err != nil {
		return fmt.Errorf("failed to create registry lock: %w", err)
	}
	if err := lock.Lock(); err != nil {
		_ = lock.Unlock()
		return fmt.Errorf("failed to acquire registry lock: %w", err)
	}
	defer lock.Unlock()

	reg, err := r.Load()
	if err != nil {
		return err
	}
	if err := fn(reg); err != nil {
		if errors.Is(err, errSkipWrite) {
			return nil
		}
		return err
	}
	return r.save(reg)
}

func (r *FileRegistry) save(reg Registry) error {
	file := registryFile{Models: make(map[string]models.RegistryEntry, len(reg))}
	for alias, entry := range reg {
		file.Models[alias] = entry
	}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	if err := fsutil.WriteFileAtomic(r.path, data, 0644, r.beforeRename); err != nil {
		return fmt.Errorf("failed to save registry: %w", err)
	}
	return nil
}
