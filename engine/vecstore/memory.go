package vecstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/quarryhq/quarry-engine/engine/domain"
)

// Memory is an in-process Store for tests and single-node deployments. It
// honors the same tenant isolation and replace semantics as the Qdrant store.
type Memory struct {
	mu     sync.RWMutex
	metric Metric
	// points keyed by tenant, then entity id.
	points map[string]map[string][]domain.EmbeddingVector
}

// NewMemory creates an in-memory store using the given similarity metric.
func NewMemory(metric Metric) *Memory {
	return &Memory{metric: metric, points: make(map[string]map[string][]domain.EmbeddingVector)}
}

func (m *Memory) EnsureCollection(context.Context, int, Metric) error { return nil }

func (m *Memory) Close() error { return nil }

// ReplaceEntity swaps the entity's vectors wholesale under the store lock.
func (m *Memory) ReplaceEntity(_ context.Context, tenantID, entityID string, vectors []domain.EmbeddingVector) error {
	if tenantID == "" {
		return fmt.Errorf("vecstore: replace entity %s: %w", entityID, domain.ErrMissingTenant)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant := m.points[tenantID]
	if len(vectors) == 0 {
		delete(tenant, entityID)
		return nil
	}
	if tenant == nil {
		tenant = make(map[string][]domain.EmbeddingVector)
		m.points[tenantID] = tenant
	}
	tenant[entityID] = append([]domain.EmbeddingVector(nil), vectors...)
	return nil
}

func (m *Memory) DeleteEntity(_ context.Context, tenantID, entityID string) error {
	if tenantID == "" {
		return fmt.Errorf("vecstore: delete entity %s: %w", entityID, domain.ErrMissingTenant)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points[tenantID], entityID)
	return nil
}

// Search scans the tenant's vectors and returns the topK by metric score.
func (m *Memory) Search(_ context.Context, query []float32, topK int, f Filter) ([]Hit, error) {
	if f.TenantID == "" {
		return nil, fmt.Errorf("vecstore: search: %w", domain.ErrMissingTenant)
	}
	types := make(map[string]bool, len(f.EntityTypes))
	for _, t := range f.EntityTypes {
		types[t] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	for _, vectors := range m.points[f.TenantID] {
		for _, v := range vectors {
			if len(types) > 0 && !types[v.EntityType] {
				continue
			}
			if !metadataMatch(v, f.Metadata) {
				continue
			}
			hits = append(hits, Hit{
				ID:          PointID(v.TenantID, v.EntityID, v.ChunkIndex),
				EntityID:    v.EntityID,
				EntityType:  v.EntityType,
				TenantID:    v.TenantID,
				ChunkIndex:  v.ChunkIndex,
				Score:       score(m.metric, query, v.Values),
				Snippet:     v.Snippet,
				Field:       v.Field,
				ModelID:     v.ModelID,
				ContentHash: v.ContentHash,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// metadataMatch applies Filter.Metadata against the same payload keys the
// Qdrant store indexes. A key the payload doesn't carry never matches.
func metadataMatch(v domain.EmbeddingVector, md map[string]string) bool {
	for k, want := range md {
		var got string
		switch k {
		case keyEntityID:
			got = v.EntityID
		case keyEntityType:
			got = v.EntityType
		case keyTenantID:
			got = v.TenantID
		case keyModelID:
			got = v.ModelID
		case keyContentHash:
			got = v.ContentHash
		case keySnippet:
			got = v.Snippet
		case keyField:
			got = v.Field
		default:
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}

// score computes a higher-is-better similarity for the metric.
func score(metric Metric, a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	switch metric {
	case MetricDot:
		var dot float64
		for i := 0; i < n; i++ {
			dot += float64(a[i]) * float64(b[i])
		}
		return float32(dot)
	case MetricEuclid:
		var dist float64
		for i := 0; i < n; i++ {
			d := float64(a[i]) - float64(b[i])
			dist += d * d
		}
		return float32(1 / (1 + math.Sqrt(dist)))
	default: // cosine
		var dot, na, nb float64
		for i := 0; i < n; i++ {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 0
		}
		return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
	}
}
