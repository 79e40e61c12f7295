// Package rag assembles token-budgeted context windows with citations for a
// downstream generation step. It never calls a generation model itself.
package rag

import (
	"context"
	"log/slog"
	"time"

	"github.com/quarryhq/quarry-engine/engine/domain"
	"github.com/quarryhq/quarry-engine/engine/preprocess"
	"github.com/quarryhq/quarry-engine/engine/search"
	"github.com/quarryhq/quarry-engine/pkg/fn"
)

// Options tunes retrieval.
type Options struct {
	// TokenBudget caps the total estimated tokens across returned chunks.
	TokenBudget int
	// MaxPerEntity caps chunks from one entity, so a single long document
	// cannot monopolize the window.
	MaxPerEntity int
	// Overfetch is how many candidates to pull from search before budgeting.
	Overfetch int
	// SearchTimeout caps the search call.
	SearchTimeout time.Duration
}

// DefaultOptions returns sensible retrieval defaults.
func DefaultOptions() Options {
	return Options{
		TokenBudget:   2048,
		MaxPerEntity:  3,
		Overfetch:     30,
		SearchTimeout: 5 * time.Second,
	}
}

// Retriever turns a question into a cited, budgeted context window.
type Retriever struct {
	searcher *search.Searcher
	opts     Options
	logger   *slog.Logger
}

// New creates a Retriever.
func New(searcher *search.Searcher, opts Options, logger *slog.Logger) *Retriever {
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = DefaultOptions().TokenBudget
	}
	if opts.MaxPerEntity <= 0 {
		opts.MaxPerEntity = DefaultOptions().MaxPerEntity
	}
	if opts.Overfetch <= 0 {
		opts.Overfetch = DefaultOptions().Overfetch
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = DefaultOptions().SearchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{searcher: searcher, opts: opts, logger: logger}
}

// Request is one retrieval call. TenantID is mandatory.
type Request struct {
	Question    string   `json:"question"`
	TenantID    string   `json:"tenant_id"`
	EntityTypes []string `json:"entity_types,omitempty"`
	// TokenBudget overrides the retriever default when positive.
	TokenBudget int `json:"token_budget,omitempty"`
}

// Context is the assembled window handed to the generation step.
type Context struct {
	Chunks      []domain.RAGChunk `json:"chunks"`
	TotalTokens int               `json:"total_tokens"`
	// Degraded is set when retrieval failed and an empty window was
	// returned instead of an error.
	Degraded bool `json:"degraded,omitempty"`
}

// Retrieve runs hybrid search and greedily packs the best chunks into the
// token budget. Retrieval failures degrade to an empty context so the caller
// can still answer from the model's own knowledge.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (Context, error) {
	if req.TenantID == "" {
		return Context{}, domain.ErrMissingTenant
	}
	budget := req.TokenBudget
	if budget <= 0 {
		budget = r.opts.TokenBudget
	}

	searchCtx, cancel := context.WithTimeout(ctx, r.opts.SearchTimeout)
	defer cancel()
	results, err := r.searcher.Search(searchCtx, search.Query{
		Text:        req.Question,
		TenantID:    req.TenantID,
		EntityTypes: req.EntityTypes,
		TopK:        r.opts.Overfetch,
	})
	if err != nil {
		r.logger.Warn("rag: search failed, returning empty context",
			"tenant_id", req.TenantID, "err", err)
		return Context{Degraded: true}, nil
	}

	// Empty snippets carry no context; drop them before they consume the
	// per-entity cap.
	candidates := fn.Filter(results, func(res domain.SearchResult) bool {
		return preprocess.EstimateTokens(res.Snippet) > 0
	})

	var out Context
	perEntity := make(map[string]int)
	for _, res := range candidates {
		if perEntity[res.EntityID] >= r.opts.MaxPerEntity {
			continue
		}
		tokens := preprocess.EstimateTokens(res.Snippet)
		if out.TotalTokens+tokens > budget {
			// Greedy packing: candidates are already in relevance order, so
			// stop rather than fill the tail with weaker matches.
			break
		}
		perEntity[res.EntityID]++
		out.Chunks = append(out.Chunks, domain.RAGChunk{
			SearchResult: res,
			Citation:     Citation(res),
			Tokens:       tokens,
		})
		out.TotalTokens += tokens
	}

	r.logger.Info("rag: context assembled",
		"tenant_id", req.TenantID, "chunks", len(out.Chunks), "tokens", out.TotalTokens)
	return out, nil
}

// Citation builds the citation for one search result.
func Citation(res domain.SearchResult) domain.Citation {
	return domain.Citation{
		EntityID:   res.EntityID,
		EntityType: res.EntityType,
		Field:      res.Field,
		ChunkIndex: res.ChunkIndex,
	}
}
