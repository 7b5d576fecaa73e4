// Package storage persists the model registry: a single YAML file mapping
// aliases to remote identifiers and local model directories. Writes are atomic
// (temp file, fsync, rename) and serialized across processes with an advisory
// file lock, so readers never observe a partially written registry.
package storage

import (
	"context"
	"sort"

	"github.com/hyperjump/embeddy/internal/models"
)

// Registry is an in-memory snapshot of the persisted registry, keyed by alias.
type Registry map[string]models.RegistryEntry

// Sorted returns the entries ordered by alias.
func (r Registry) Sorted() []models.RegistryEntry {
	out := make([]models.RegistryEntry, 0, len(r))
	for _, e := range r {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// RegistryStore defines registry persistence operations.
type RegistryStore interface {
	// Load reads the registry. A missing file yields an empty registry.
	Load() (Registry, error)

	// Insert adds or overwrites an entry and persists the registry atomically.
	Insert(entry models.RegistryEntry) error

	// Bind inserts an entry unless its alias points at a different remote id.
	Bind(entry models.RegistryEntry) error

	// Remove deletes an entry and returns it.
	Remove(alias string) (models.RegistryEntry, error)

	// SetDimension records the embedding width for an alias.
	SetDimension(alias string, dimension int) error

	// Resolve looks a name up as an alias, then as a remote identifier.
	Resolve(name string) (models.RegistryEntry, error)

	// List returns all entries ordered by alias.
	List() ([]models.RegistryEntry, error)

	// Watch calls onChange whenever the registry file is replaced, until ctx is done.
	Watch(ctx context.Context, onChange func()) error
}

// Locator finds complete downloads for a remote identifier that has no alias.
type Locator interface {
	Locate(remoteID string) (dir string, ok bool)
}
