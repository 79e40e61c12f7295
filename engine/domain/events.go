package domain

import "time"

// ChangeKind classifies an entity mutation.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// ValidChangeKinds is the set of recognised change kinds.
var ValidChangeKinds = map[ChangeKind]bool{
	ChangeCreated: true,
	ChangeUpdated: true,
	ChangeDeleted: true,
}

// ChangeEvent is one entry of the entity mutation stream. Delivery is
// at-least-once and ordered per entity id; the pipeline must stay correct
// under re-delivery.
type ChangeEvent struct {
	EntityID   string     `json:"entity_id"`
	EntityType string     `json:"entity_type"`
	TenantID   string     `json:"tenant_id"`
	Kind       ChangeKind `json:"kind"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// IndexState is the lifecycle state of an entity in the indexing pipeline.
type IndexState string

const (
	StateReceived   IndexState = "received"
	StateExtracting IndexState = "extracting"
	StateEmbedding  IndexState = "embedding"
	StateIndexed    IndexState = "indexed"
	StateSkipped    IndexState = "skipped"
	StateFailed     IndexState = "failed"
)

// IndexStatus is the persisted indexing record for one entity. ContentHash is
// the staleness anchor: re-delivered events whose extracted content hashes to
// the same value short-circuit without touching the embedding model.
type IndexStatus struct {
	EntityID    string     `json:"entity_id"`
	EntityType  string     `json:"entity_type"`
	TenantID    string     `json:"tenant_id"`
	State       IndexState `json:"state"`
	ContentHash string     `json:"content_hash,omitempty"`
	ChunkCount  int        `json:"chunk_count"`
	LastError   string     `json:"last_error,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
