// Package template resolves per-entity-type embedding templates. Explicit
// templates come from an external configuration collaborator; when none
// exists, a default is synthesized that embeds every textual field at equal
// weight. Falling back to the default is not an error.
package template

import (
	"fmt"
	"sync"

	"github.com/quarryhq/quarry-engine/engine/domain"
)

// Default preprocessing applied by synthesized templates. Chunking kicks in
// only above MinChunkLength characters.
const (
	DefaultChunkSize      = 512
	DefaultChunkOverlap   = 50
	DefaultMinChunkLength = 1000
)

// Registry holds the template configuration snapshot. Pipeline workers read
// from it; it is replaced wholesale on an explicit refresh signal and never
// mutated in place.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]domain.EmbeddingTemplate
}

// NewRegistry creates a registry from an initial snapshot. Invalid templates
// are rejected.
func NewRegistry(snapshot []domain.EmbeddingTemplate) (*Registry, error) {
	r := &Registry{templates: make(map[string]domain.EmbeddingTemplate)}
	if err := r.Replace(snapshot); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps in a new configuration snapshot. This is the only write path.
func (r *Registry) Replace(snapshot []domain.EmbeddingTemplate) error {
	next := make(map[string]domain.EmbeddingTemplate, len(snapshot))
	for _, t := range snapshot {
		if err := domain.ValidateTemplate(t); err != nil {
			return fmt.Errorf("template: snapshot rejected: %w", err)
		}
		next[t.EntityType] = t
	}
	r.mu.Lock()
	r.templates = next
	r.mu.Unlock()
	return nil
}

// Lookup returns the explicit template for an entity type, if any.
func (r *Registry) Lookup(entityType string) (domain.EmbeddingTemplate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[entityType]
	return t, ok
}

// Resolver maps entity types to templates. knownTypes, when non-empty, is the
// set of types the calling context recognises; resolving anything outside it
// fails with ErrUnknownEntityType.
type Resolver struct {
	registry     *Registry
	knownTypes   map[string]bool
	defaultModel domain.ModelConfig
}

// NewResolver creates a resolver. knownTypes may be nil to accept any type.
func NewResolver(registry *Registry, knownTypes []string, defaultModel domain.ModelConfig) *Resolver {
	var known map[string]bool
	if len(knownTypes) > 0 {
		known = make(map[string]bool, len(knownTypes))
		for _, t := range knownTypes {
			known[t] = true
		}
	}
	return &Resolver{registry: registry, knownTypes: known, defaultModel: defaultModel}
}

// Resolve returns the template for an entity type: the explicit one when
// configured, otherwise a synthesized default.
func (r *Resolver) Resolve(entityType string) (domain.EmbeddingTemplate, error) {
	if entityType == "" {
		return domain.EmbeddingTemplate{}, fmt.Errorf("template: resolve: %w", domain.ErrUnknownEntityType)
	}
	if r.knownTypes != nil && !r.knownTypes[entityType] {
		return domain.EmbeddingTemplate{}, fmt.Errorf("template: resolve %q: %w", entityType, domain.ErrUnknownEntityType)
	}
	if t, ok := r.registry.Lookup(entityType); ok {
		return t, nil
	}
	return r.Default(entityType), nil
}

// Default synthesizes the fallback template for an entity type: every textual
// field at weight 1.0, chunking only above DefaultMinChunkLength, L2-normalized
// vectors from the deployment's default model.
func (r *Resolver) Default(entityType string) domain.EmbeddingTemplate {
	return domain.EmbeddingTemplate{
		EntityType: entityType,
		Preprocessing: domain.PreprocessingConfig{
			ChunkSize:      DefaultChunkSize,
			ChunkOverlap:   DefaultChunkOverlap,
			MinChunkLength: DefaultMinChunkLength,
			Lowercase:      true,
			FieldSeparator: "\n",
		},
		Model:         r.defaultModel,
		ParentContext: domain.ParentContextConfig{Mode: domain.ParentNone},
		Normalization: domain.NormalizeL2,
		IsDefault:     true,
	}
}
