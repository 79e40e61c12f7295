package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quarryhq/quarry-engine/engine/domain"
	"github.com/quarryhq/quarry-engine/engine/embed"
	"github.com/quarryhq/quarry-engine/engine/extract"
	"github.com/quarryhq/quarry-engine/engine/indexer"
	"github.com/quarryhq/quarry-engine/engine/rag"
	"github.com/quarryhq/quarry-engine/engine/search"
	"github.com/quarryhq/quarry-engine/engine/template"
	"github.com/quarryhq/quarry-engine/engine/vecstore"
	"github.com/quarryhq/quarry-engine/pkg/fn"
	"github.com/quarryhq/quarry-engine/pkg/repo"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (stubEmbedder) Limits(string) embed.ModelLimits {
	return embed.ModelLimits{MaxBatchSize: 8, MaxInputChars: 4096, Dim: 3}
}

// newServer wires the whole pipeline in memory and indexes one document.
func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	reader := repo.NewMemoryReader()
	reader.Put(domain.Entity{
		ID: "doc-1", Type: "document", TenantID: "acme",
		Fields: map[string]domain.Value{
			"title": domain.String("Pump maintenance"),
			"body":  domain.String("Inspect the impeller monthly and replace worn seals."),
		},
	})

	reg, err := template.NewRegistry(nil)
	if err != nil {
		t.Fatal(err)
	}
	resolver := template.NewResolver(reg, []string{"document"}, domain.ModelConfig{ModelID: "m1"})
	gen := embed.NewGenerator(stubEmbedder{}, nil, embed.GeneratorOpts{
		MaxConcurrentCalls: 2,
		CallTimeout:        time.Second,
		Retry:              fn.RetryOpts{MaxAttempts: 1, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
	}, nil)
	store := vecstore.NewMemory(vecstore.MetricCosine)
	status, err := indexer.OpenStatusStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { status.Close() })

	ix := indexer.New(indexer.Deps{
		Resolver:  resolver,
		Reader:    reader,
		Extractor: extract.New(reader, extract.DefaultConfig(), nil),
		Generator: gen,
		Store:     store,
		Status:    status,
	}, indexer.Opts{})
	if err := ix.Process(context.Background(), domain.ChangeEvent{
		EntityID: "doc-1", EntityType: "document", TenantID: "acme",
		Kind: domain.ChangeCreated, OccurredAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	searcher := search.New(store, gen, resolver, nil, search.DefaultOptions(), nil)
	handler := NewHandler(Deps{
		Searcher:    searcher,
		Retriever:   rag.New(searcher, rag.DefaultOptions(), nil),
		Reprocessor: indexer.NewReprocessor(ix, reader, 2, nil),
		Status:      status,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	srv := newServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestSearchEndpoint(t *testing.T) {
	srv := newServer(t)
	resp := postJSON(t, srv.URL+"/v1/search", search.Query{Text: "impeller", TenantID: "acme"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Results []domain.SearchResult `json:"results"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if len(body.Results) == 0 {
		t.Fatal("no results")
	}
	if body.Results[0].EntityID != "doc-1" {
		t.Errorf("top result = %+v", body.Results[0])
	}
}

func TestSearchMissingTenant(t *testing.T) {
	srv := newServer(t)
	resp := postJSON(t, srv.URL+"/v1/search", search.Query{Text: "impeller"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRetrieveEndpoint(t *testing.T) {
	srv := newServer(t)
	resp := postJSON(t, srv.URL+"/v1/retrieve", rag.Request{Question: "impeller inspection", TenantID: "acme"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out rag.Context
	json.NewDecoder(resp.Body).Decode(&out)
	if len(out.Chunks) == 0 {
		t.Fatal("empty context")
	}
	if out.Chunks[0].Citation.EntityID != "doc-1" {
		t.Errorf("citation = %+v", out.Chunks[0].Citation)
	}
}

func TestRetrieveRequiresQuestion(t *testing.T) {
	srv := newServer(t)
	resp := postJSON(t, srv.URL+"/v1/retrieve", rag.Request{TenantID: "acme"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newServer(t)
	resp, err := http.Get(srv.URL + "/v1/admin/status/doc-1?tenant_id=acme")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st domain.IndexStatus
	json.NewDecoder(resp.Body).Decode(&st)
	if st.State != domain.StateIndexed {
		t.Errorf("state = %s", st.State)
	}

	resp2, err := http.Get(srv.URL + "/v1/admin/status/ghost?tenant_id=acme")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("missing entity status = %d, want 404", resp2.StatusCode)
	}
}

func TestReprocessEndpoint(t *testing.T) {
	srv := newServer(t)
	resp := postJSON(t, srv.URL+"/v1/admin/reprocess", map[string]any{
		"entity_type": "document", "tenant_id": "acme", "force": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var stats indexer.Stats
	json.NewDecoder(resp.Body).Decode(&stats)
	if stats.Seen != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}
