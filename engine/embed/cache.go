// Package embed generates embedding vectors with content-addressed caching,
// single-flight coalescing of identical in-flight requests, batched model
// calls, retry with exponential backoff, and model fallback.
package embed

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache maps a content hash to a previously computed vector. Keys are scoped
// per requested model by ContentHash, but the model that actually produced a
// vector may be the fallback, so Get reports the producing model id too.
type Cache interface {
	Get(ctx context.Context, hash string) (values []float32, modelID string, ok bool, err error)
	Put(ctx context.Context, hash, modelID string, values []float32) error
}

// memoryEntry pairs a cached vector with the model that produced it.
type memoryEntry struct {
	modelID string
	values  []float32
}

// MemoryCache is an in-process LRU cache for embeddings.
type MemoryCache struct {
	lru *lru.Cache[string, memoryEntry]
}

// NewMemoryCache creates an LRU cache bounded to size entries.
func NewMemoryCache(size int) (*MemoryCache, error) {
	c, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{lru: c}, nil
}

// Get returns the cached vector and producing model for a hash, if present.
func (c *MemoryCache) Get(_ context.Context, hash string) ([]float32, string, bool, error) {
	e, ok := c.lru.Get(hash)
	return e.values, e.modelID, ok, nil
}

// Put stores a vector under its content hash.
func (c *MemoryCache) Put(_ context.Context, hash, modelID string, values []float32) error {
	c.lru.Add(hash, memoryEntry{modelID: modelID, values: values})
	return nil
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int { return c.lru.Len() }
