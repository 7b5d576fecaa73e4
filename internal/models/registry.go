// Package models defines the core data structures shared by the registry, the
// model cache, and the HTTP and CLI adapters.
package models

import (
	"path"
	"strings"
	"time"
)

// RegistryEntry records one locally available model under a user-chosen alias.
type RegistryEntry struct {
	Alias        string    `json:"alias" yaml:"-"`
	RemoteID     string    `json:"remote_id" yaml:"remote_id"`
	LocalPath    string    `json:"local_path" yaml:"local_path"`
	Dimension    int       `json:"dimension,omitempty" yaml:"dimension,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at,omitempty" yaml:"downloaded_at,omitempty"`
}

// DefaultAlias derives an alias from a remote identifier: the trailing path
// segment, so "sentence-transformers/all-MiniLM-L6-v2" becomes "all-MiniLM-L6-v2".
func DefaultAlias(remoteID string) string {
	trimmed := strings.Trim(strings.TrimSpace(remoteID), "/")
	if trimmed == "" {
		return ""
	}
	return path.Base(trimmed)
}

// ValidRemoteID reports whether id looks like a hub identifier ("org/name" or "name").
func ValidRemoteID(id string) bool {
	if id == "" || strings.HasPrefix(id, "/") || strings.HasSuffix(id, "/") {
		return false
	}
	parts := strings.Split(id, "/")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, " \t\n\\") {
			return false
		}
	}
	return true
}
