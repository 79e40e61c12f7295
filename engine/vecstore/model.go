// Package vecstore owns all vector database operations. Every read and write
// is tenant-scoped; a query without a tenant id is rejected rather than
// silently searching the whole collection.
package vecstore

import (
	"context"

	"github.com/quarryhq/quarry-engine/engine/domain"
)

// Metric selects the similarity function for a collection.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricDot    Metric = "dot"
	MetricEuclid Metric = "euclid"
)

// Filter narrows a search. TenantID is mandatory.
type Filter struct {
	TenantID    string
	EntityTypes []string
	Metadata    map[string]string
}

// Hit is a single similarity search match.
type Hit struct {
	ID          string
	EntityID    string
	EntityType  string
	TenantID    string
	ChunkIndex  int
	Score       float32
	Snippet     string
	Field       string
	ModelID     string
	ContentHash string
}

// Store is the consumed vector database interface.
type Store interface {
	// EnsureCollection creates the backing collection if absent.
	EnsureCollection(ctx context.Context, dim int, metric Metric) error
	// ReplaceEntity atomically supersedes all vectors for one entity. Chunk
	// points use deterministic ids, so re-upserts overwrite in place and
	// leftover points past the new chunk count are removed. An empty vectors
	// slice removes everything for the entity.
	ReplaceEntity(ctx context.Context, tenantID, entityID string, vectors []domain.EmbeddingVector) error
	// DeleteEntity removes every vector belonging to the entity.
	DeleteEntity(ctx context.Context, tenantID, entityID string) error
	// Search returns the topK nearest vectors within the filter's tenant.
	Search(ctx context.Context, query []float32, topK int, f Filter) ([]Hit, error)
	Close() error
}
