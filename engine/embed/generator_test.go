package embed

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/quarryhq/quarry-engine/engine/domain"
	"github.com/quarryhq/quarry-engine/pkg/fn"
)

// fakeEmbedder returns a deterministic vector per text and records every call.
type fakeEmbedder struct {
	mu      sync.Mutex
	calls   int
	batches [][]string
	limits  ModelLimits
	failOn  map[string]error // by model id

	// entered/release turn the embedder into a gate for concurrency tests.
	entered chan struct{}
	release chan struct{}
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{limits: ModelLimits{MaxBatchSize: 16, MaxInputChars: 8192, Dim: 3}}
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, modelID string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.batches = append(f.batches, append([]string(nil), texts...))
	err := f.failOn[modelID]
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 2}
	}
	return out, nil
}

func (f *fakeEmbedder) Limits(string) ModelLimits { return f.limits }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastOpts() GeneratorOpts {
	return GeneratorOpts{
		MaxConcurrentCalls: 4,
		CallTimeout:        time.Second,
		Retry:              fn.RetryOpts{MaxAttempts: 1, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
		BatchWorkers:       2,
	}
}

func TestGenerateCacheHitSkipsModel(t *testing.T) {
	fe := newFakeEmbedder()
	cache, _ := NewMemoryCache(16)
	g := NewGenerator(fe, cache, fastOpts(), nil)
	ctx := context.Background()
	model := domain.ModelConfig{ModelID: "m1"}

	first, err := g.Generate(ctx, []string{"alpha"}, model, domain.NormalizeNone)
	if err != nil {
		t.Fatal(err)
	}
	second, err := g.Generate(ctx, []string{"alpha"}, model, domain.NormalizeNone)
	if err != nil {
		t.Fatal(err)
	}
	if fe.callCount() != 1 {
		t.Errorf("cached repeat reached the model: %d calls", fe.callCount())
	}
	if first[0].Hash != second[0].Hash {
		t.Errorf("hash changed between identical inputs")
	}
}

func TestGenerateDeduplicatesWithinCall(t *testing.T) {
	fe := newFakeEmbedder()
	g := NewGenerator(fe, nil, fastOpts(), nil)

	out, err := g.Generate(context.Background(), []string{"dup", "dup", "other"}, domain.ModelConfig{ModelID: "m1"}, domain.NormalizeNone)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("want 3 results, got %d", len(out))
	}
	if out[0].Hash != out[1].Hash {
		t.Error("identical texts produced different hashes")
	}
	total := 0
	fe.mu.Lock()
	for _, b := range fe.batches {
		total += len(b)
	}
	fe.mu.Unlock()
	if total != 2 {
		t.Errorf("want 2 texts embedded after dedupe, got %d", total)
	}
}

func TestGenerateRespectsBatchSize(t *testing.T) {
	fe := newFakeEmbedder()
	fe.limits.MaxBatchSize = 2
	g := NewGenerator(fe, nil, fastOpts(), nil)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	if _, err := g.Generate(context.Background(), texts, domain.ModelConfig{ModelID: "m1"}, domain.NormalizeNone); err != nil {
		t.Fatal(err)
	}
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if len(fe.batches) != 3 {
		t.Fatalf("want 3 batches, got %d", len(fe.batches))
	}
	for _, b := range fe.batches {
		if len(b) > 2 {
			t.Errorf("batch exceeds limit: %d texts", len(b))
		}
	}
}

func TestGenerateSingleFlight(t *testing.T) {
	fe := newFakeEmbedder()
	fe.entered = make(chan struct{}, 2)
	fe.release = make(chan struct{})
	g := NewGenerator(fe, nil, fastOpts(), nil)
	model := domain.ModelConfig{ModelID: "m1"}

	var wg sync.WaitGroup
	results := make([][]Embedding, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = g.Generate(context.Background(), []string{"shared"}, model, domain.NormalizeNone)
	}()
	<-fe.entered // first call is inside the model

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = g.Generate(context.Background(), []string{"shared"}, model, domain.NormalizeNone)
	}()
	// Give the second caller time to register as a waiter, then let the
	// model return.
	time.Sleep(50 * time.Millisecond)
	close(fe.release)
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
	}
	if fe.callCount() != 1 {
		t.Errorf("concurrent identical requests made %d model calls, want 1", fe.callCount())
	}
	if results[0][0].Hash != results[1][0].Hash {
		t.Error("callers disagree on hash")
	}
}

func TestGenerateFallbackModel(t *testing.T) {
	fe := newFakeEmbedder()
	fe.failOn = map[string]error{"primary": errors.New("model unavailable")}
	g := NewGenerator(fe, nil, fastOpts(), nil)

	out, err := g.Generate(context.Background(), []string{"text"},
		domain.ModelConfig{ModelID: "primary", FallbackModelID: "backup"}, domain.NormalizeNone)
	if err != nil {
		t.Fatal(err)
	}
	if out[0].ModelID != "backup" {
		t.Errorf("want fallback model recorded, got %q", out[0].ModelID)
	}
}

func TestGenerateCacheHitKeepsFallbackModel(t *testing.T) {
	fe := newFakeEmbedder()
	fe.failOn = map[string]error{"primary": errors.New("model unavailable")}
	cache, _ := NewMemoryCache(16)
	g := NewGenerator(fe, cache, fastOpts(), nil)
	model := domain.ModelConfig{ModelID: "primary", FallbackModelID: "backup"}

	first, err := g.Generate(context.Background(), []string{"text"}, model, domain.NormalizeNone)
	if err != nil {
		t.Fatal(err)
	}
	if first[0].ModelID != "backup" {
		t.Fatalf("want fallback model recorded, got %q", first[0].ModelID)
	}

	// The cached vector was produced by the fallback; a hit must not relabel
	// it with the requested primary model.
	second, err := g.Generate(context.Background(), []string{"text"}, model, domain.NormalizeNone)
	if err != nil {
		t.Fatal(err)
	}
	if second[0].ModelID != "backup" {
		t.Errorf("cache hit relabeled vector as %q, want backup", second[0].ModelID)
	}
}

func TestGenerateRetriesTransientFailure(t *testing.T) {
	fe := newFakeEmbedder()
	fe.failOn = map[string]error{"m1": errors.New("flaky")}
	opts := fastOpts()
	opts.Retry.MaxAttempts = 3
	g := NewGenerator(fe, nil, opts, nil)

	// Clear the failure after the first attempt has been recorded.
	done := make(chan struct{})
	go func() {
		for {
			fe.mu.Lock()
			if fe.calls >= 1 {
				fe.failOn = nil
				fe.mu.Unlock()
				close(done)
				return
			}
			fe.mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}()

	out, err := g.Generate(context.Background(), []string{"text"}, domain.ModelConfig{ModelID: "m1"}, domain.NormalizeNone)
	<-done
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("want 1 result, got %d", len(out))
	}
	if fe.callCount() < 2 {
		t.Errorf("expected a retry, got %d calls", fe.callCount())
	}
}

func TestGenerateErrorWrapsSentinel(t *testing.T) {
	fe := newFakeEmbedder()
	fe.failOn = map[string]error{"m1": errors.New("down")}
	g := NewGenerator(fe, nil, fastOpts(), nil)

	_, err := g.Generate(context.Background(), []string{"text"}, domain.ModelConfig{ModelID: "m1"}, domain.NormalizeNone)
	if !errors.Is(err, domain.ErrEmbeddingGeneration) {
		t.Errorf("want ErrEmbeddingGeneration, got %v", err)
	}
}

func TestGenerateL2Normalization(t *testing.T) {
	fe := newFakeEmbedder()
	g := NewGenerator(fe, nil, fastOpts(), nil)

	out, err := g.Generate(context.Background(), []string{"abc"}, domain.ModelConfig{ModelID: "m1"}, domain.NormalizeL2)
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, x := range out[0].Values {
		sum += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(sum)-1) > 1e-5 {
		t.Errorf("L2 norm = %v, want 1", math.Sqrt(sum))
	}
}

func TestGenerateTruncatesOverlongInput(t *testing.T) {
	fe := newFakeEmbedder()
	fe.limits.MaxInputChars = 5
	g := NewGenerator(fe, nil, fastOpts(), nil)

	long := strings.Repeat("x", 100)
	out, err := g.Generate(context.Background(), []string{long}, domain.ModelConfig{ModelID: "m1"}, domain.NormalizeNone)
	if err != nil {
		t.Fatal(err)
	}
	fe.mu.Lock()
	sent := fe.batches[0][0]
	fe.mu.Unlock()
	if len(sent) != 5 {
		t.Errorf("model saw %d chars, want 5", len(sent))
	}
	if out[0].Hash != ContentHash(long[:5], "m1") {
		t.Error("hash must cover the truncated text the model saw")
	}
}

func TestGenerateTruncationIsRuneSafe(t *testing.T) {
	fe := newFakeEmbedder()
	fe.limits.MaxInputChars = 5
	g := NewGenerator(fe, nil, fastOpts(), nil)

	long := strings.Repeat("é", 100)
	if _, err := g.Generate(context.Background(), []string{long}, domain.ModelConfig{ModelID: "m1"}, domain.NormalizeNone); err != nil {
		t.Fatal(err)
	}
	fe.mu.Lock()
	sent := fe.batches[0][0]
	fe.mu.Unlock()
	if !utf8.ValidString(sent) {
		t.Errorf("model saw a split rune: %q", sent)
	}
	if len(sent) > 5 {
		t.Errorf("model saw %d bytes, limit 5", len(sent))
	}
}

func TestGenerateEmptyInput(t *testing.T) {
	g := NewGenerator(newFakeEmbedder(), nil, fastOpts(), nil)
	out, err := g.Generate(context.Background(), nil, domain.ModelConfig{ModelID: "m1"}, domain.NormalizeNone)
	if err != nil || out != nil {
		t.Errorf("want (nil, nil), got (%v, %v)", out, err)
	}
}
