package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/quarryhq/quarry-engine/engine/domain"
	"github.com/quarryhq/quarry-engine/engine/embed"
	"github.com/quarryhq/quarry-engine/engine/search"
	"github.com/quarryhq/quarry-engine/engine/template"
	"github.com/quarryhq/quarry-engine/engine/vecstore"
	"github.com/quarryhq/quarry-engine/pkg/fn"
)

type fixedEmbedder struct{ fail bool }

func (f *fixedEmbedder) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	if f.fail {
		return nil, errors.New("model down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fixedEmbedder) Limits(string) embed.ModelLimits {
	return embed.ModelLimits{MaxBatchSize: 8, MaxInputChars: 4096, Dim: 3}
}

func newRetriever(t *testing.T, store vecstore.Store, fe *fixedEmbedder, opts Options) *Retriever {
	t.Helper()
	reg, err := template.NewRegistry(nil)
	if err != nil {
		t.Fatal(err)
	}
	resolver := template.NewResolver(reg, []string{"document"}, domain.ModelConfig{ModelID: "m1"})
	gen := embed.NewGenerator(fe, nil, embed.GeneratorOpts{
		MaxConcurrentCalls: 2,
		CallTimeout:        time.Second,
		Retry:              fn.RetryOpts{MaxAttempts: 1, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
	}, nil)
	searcher := search.New(store, gen, resolver, nil, search.DefaultOptions(), nil)
	return New(searcher, opts, nil)
}

// words builds a snippet with exactly n whitespace-separated words.
func words(n int, prefix string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func seedChunks(t *testing.T, store vecstore.Store, entityID string, snippets []string, sim float32) {
	t.Helper()
	vectors := make([]domain.EmbeddingVector, len(snippets))
	for i, s := range snippets {
		vectors[i] = domain.EmbeddingVector{
			EntityID:   entityID,
			EntityType: "document",
			TenantID:   "acme",
			ChunkIndex: i,
			Values:     []float32{1, sim, 0},
			Snippet:    s,
			Field:      "body",
		}
	}
	if err := store.ReplaceEntity(context.Background(), "acme", entityID, vectors); err != nil {
		t.Fatal(err)
	}
}

func TestRetrieveBudgetAndCitations(t *testing.T) {
	store := vecstore.NewMemory(vecstore.MetricCosine)
	seedChunks(t, store, "doc-1", []string{words(40, "a"), words(40, "b")}, 0)
	r := newRetriever(t, store, &fixedEmbedder{}, Options{TokenBudget: 60, MaxPerEntity: 5})

	out, err := r.Retrieve(context.Background(), Request{Question: "anything", TenantID: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	// Two 40-token chunks against a 60-token budget: only one fits.
	if len(out.Chunks) != 1 {
		t.Fatalf("want 1 chunk within budget, got %d", len(out.Chunks))
	}
	if out.TotalTokens > 60 {
		t.Errorf("budget exceeded: %d", out.TotalTokens)
	}
	c := out.Chunks[0]
	if c.Citation.EntityID != "doc-1" || c.Citation.EntityType != "document" || c.Citation.Field != "body" {
		t.Errorf("citation incomplete: %+v", c.Citation)
	}
	if c.Tokens != 40 {
		t.Errorf("token estimate = %d, want 40", c.Tokens)
	}
}

func TestRetrieveDiversityCap(t *testing.T) {
	store := vecstore.NewMemory(vecstore.MetricCosine)
	// One highly similar entity with many chunks, one weaker entity.
	seedChunks(t, store, "big", []string{words(10, "a"), words(10, "b"), words(10, "c"), words(10, "d")}, 0)
	seedChunks(t, store, "small", []string{words(10, "e")}, 0.5)
	r := newRetriever(t, store, &fixedEmbedder{}, Options{TokenBudget: 1000, MaxPerEntity: 2})

	out, err := r.Retrieve(context.Background(), Request{Question: "anything", TenantID: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	perEntity := map[string]int{}
	for _, c := range out.Chunks {
		perEntity[c.EntityID]++
	}
	if perEntity["big"] > 2 {
		t.Errorf("diversity cap ignored: %d chunks from one entity", perEntity["big"])
	}
	if perEntity["small"] != 1 {
		t.Error("weaker entity crowded out despite cap")
	}
}

func TestRetrieveDegradesOnSearchFailure(t *testing.T) {
	store := vecstore.NewMemory(vecstore.MetricCosine)
	r := newRetriever(t, store, &fixedEmbedder{fail: true}, Options{})

	out, err := r.Retrieve(context.Background(), Request{Question: "anything", TenantID: "acme"})
	if err != nil {
		t.Fatalf("degraded retrieval must not error: %v", err)
	}
	if !out.Degraded || len(out.Chunks) != 0 || out.TotalTokens != 0 {
		t.Errorf("want empty degraded context, got %+v", out)
	}
}

func TestRetrieveRequiresTenant(t *testing.T) {
	r := newRetriever(t, vecstore.NewMemory(vecstore.MetricCosine), &fixedEmbedder{}, Options{})
	_, err := r.Retrieve(context.Background(), Request{Question: "anything"})
	if !errors.Is(err, domain.ErrMissingTenant) {
		t.Errorf("want ErrMissingTenant, got %v", err)
	}
}

func TestRetrieveRequestBudgetOverride(t *testing.T) {
	store := vecstore.NewMemory(vecstore.MetricCosine)
	seedChunks(t, store, "doc-1", []string{words(30, "a")}, 0)
	r := newRetriever(t, store, &fixedEmbedder{}, Options{TokenBudget: 1000})

	out, err := r.Retrieve(context.Background(), Request{Question: "anything", TenantID: "acme", TokenBudget: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Chunks) != 0 {
		t.Errorf("request budget override ignored: %d chunks", len(out.Chunks))
	}
}
