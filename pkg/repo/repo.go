// Package repo provides entity sources for the indexing pipeline: a
// Neo4j-backed reader for production and an in-memory reader for tests and
// single-node runs.
package repo

import (
	"context"
	"fmt"
	"sync"

	"github.com/quarryhq/quarry-engine/engine/domain"
)

// MemoryReader is an in-process entity source.
type MemoryReader struct {
	mu       sync.RWMutex
	entities map[string]domain.Entity
}

// NewMemoryReader creates an empty reader.
func NewMemoryReader() *MemoryReader {
	return &MemoryReader{entities: make(map[string]domain.Entity)}
}

// Put stores or replaces an entity.
func (r *MemoryReader) Put(e domain.Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[e.ID] = e
}

// Remove deletes an entity.
func (r *MemoryReader) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entities, id)
}

// Get returns an entity by id.
func (r *MemoryReader) Get(_ context.Context, id string) (domain.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	if !ok {
		return domain.Entity{}, fmt.Errorf("repo: entity %s: %w", id, domain.ErrEntityNotFound)
	}
	return e, nil
}

// ListByType streams entities of one type through f.
func (r *MemoryReader) ListByType(ctx context.Context, entityType string, f func(domain.Entity) error) error {
	r.mu.RLock()
	var list []domain.Entity
	for _, e := range r.entities {
		if e.Type == entityType {
			list = append(list, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range list {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(e); err != nil {
			return err
		}
	}
	return nil
}
