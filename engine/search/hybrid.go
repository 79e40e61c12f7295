// Package search answers similarity queries over indexed vectors, blending
// vector similarity with keyword overlap and caching hot query results.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/quarryhq/quarry-engine/engine/domain"
	"github.com/quarryhq/quarry-engine/engine/embed"
	"github.com/quarryhq/quarry-engine/engine/preprocess"
	"github.com/quarryhq/quarry-engine/engine/template"
	"github.com/quarryhq/quarry-engine/engine/vecstore"
	"github.com/quarryhq/quarry-engine/pkg/fn"
)

const (
	// DefaultTopK is returned when the query leaves TopK unset.
	DefaultTopK = 10
	// overfetchFactor widens the vector search so keyword re-ranking has
	// candidates to promote.
	overfetchFactor = 3
)

// Options tunes the hybrid blend.
type Options struct {
	// Alpha is the vector-score weight; keyword overlap gets 1-Alpha.
	Alpha float64
	// SearchTimeout caps the vector store call.
	SearchTimeout time.Duration
}

// DefaultOptions returns the standard vector-biased blend.
func DefaultOptions() Options {
	return Options{Alpha: 0.7, SearchTimeout: 5 * time.Second}
}

// Query is one search request. TenantID is mandatory. An empty EntityTypes
// searches every type in the tenant.
type Query struct {
	Text        string   `json:"text"`
	TenantID    string   `json:"tenant_id"`
	EntityTypes []string `json:"entity_types,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
}

// Searcher executes hybrid vector+keyword queries.
type Searcher struct {
	store    vecstore.Store
	gen      *embed.Generator
	resolver *template.Resolver
	cache    *ResultCache
	opts     Options
	logger   *slog.Logger
}

// New creates a Searcher. cache may be nil to disable result caching.
func New(store vecstore.Store, gen *embed.Generator, resolver *template.Resolver, cache *ResultCache, opts Options, logger *slog.Logger) *Searcher {
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = DefaultOptions().Alpha
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = DefaultOptions().SearchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{store: store, gen: gen, resolver: resolver, cache: cache, opts: opts, logger: logger}
}

// Search embeds the query, retrieves candidates, and re-ranks them by the
// blended score.
func (s *Searcher) Search(ctx context.Context, q Query) ([]domain.SearchResult, error) {
	if q.TenantID == "" {
		return nil, fmt.Errorf("search: %w", domain.ErrMissingTenant)
	}
	if q.Text == "" {
		return nil, nil
	}
	if q.TopK <= 0 {
		q.TopK = DefaultTopK
	}

	if s.cache != nil {
		if cached, ok, err := s.cache.Get(ctx, q); err != nil {
			s.logger.Warn("search: result cache read failed", "err", err)
		} else if ok {
			return cached, nil
		}
	}

	tpl := s.queryTemplate(q)
	normalized := preprocess.Normalize(q.Text, tpl.Preprocessing)
	embeddings, err := s.gen.Generate(ctx, []string{normalized}, tpl.Model, tpl.Normalization)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()
	hits, err := s.store.Search(searchCtx, embeddings[0].Values, q.TopK*overfetchFactor, vecstore.Filter{
		TenantID:    q.TenantID,
		EntityTypes: q.EntityTypes,
	})
	if err != nil {
		return nil, err
	}

	keywords := ExtractKeywords(q.Text)
	results := fn.Map(hits, func(h vecstore.Hit) domain.SearchResult {
		ks := KeywordScore(keywords, h.Snippet)
		return domain.SearchResult{
			EntityID:      h.EntityID,
			EntityType:    h.EntityType,
			TenantID:      h.TenantID,
			ChunkIndex:    h.ChunkIndex,
			VectorScore:   h.Score,
			KeywordScore:  float32(ks),
			CombinedScore: float32(s.opts.Alpha*float64(h.Score) + (1-s.opts.Alpha)*ks),
			Snippet:       h.Snippet,
			Field:         h.Field,
		}
	})

	results = fn.UniqueBy(results, func(r domain.SearchResult) string {
		return r.EntityID + "\x00" + fmt.Sprint(r.ChunkIndex)
	})
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CombinedScore > results[j].CombinedScore
	})
	if len(results) > q.TopK {
		results = results[:q.TopK]
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, q, results); err != nil {
			s.logger.Warn("search: result cache write failed", "err", err)
		}
	}
	return results, nil
}

// queryTemplate picks the template whose preprocessing and model should shape
// the query vector: the target type's template for single-type scopes, the
// default template otherwise. Queries must be embedded the same way the
// matching documents were.
func (s *Searcher) queryTemplate(q Query) domain.EmbeddingTemplate {
	if len(q.EntityTypes) == 1 {
		if tpl, err := s.resolver.Resolve(q.EntityTypes[0]); err == nil {
			return tpl
		}
	}
	return s.resolver.Default("")
}
