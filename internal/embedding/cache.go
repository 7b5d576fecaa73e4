package embedding

import lru "github.com/hashicorp/golang-lru/v2"

// VectorCache is an LRU cache of embeddings keyed by text. A nil cache is
// valid and never hits.
type VectorCache struct {
	lru *lru.Cache[string, []float32]
}

// NewVectorCache returns a cache holding up to capacity vectors, or nil when
// capacity is not positive.
func NewVectorCache(capacity int) *VectorCache {
	if capacity <= 0 {
		return nil
	}
	c, err := lru.New[string, []float32](capacity)
	if err != nil {
		return nil
	}
	return &VectorCache{lru: c}
}

// Get returns the cached embedding for text if present.
func (c *VectorCache) Get(text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(text)
}

// Set stores the embedding for text, evicting the oldest entry when full.
func (c *VectorCache) Set(text string, v []float32) {
	if c == nil {
		return
	}
	c.lru.Add(text, v)
}

// Len reports the number of cached vectors.
func (c *VectorCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
