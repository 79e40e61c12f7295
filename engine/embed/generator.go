package embed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/quarryhq/quarry-engine/engine/domain"
	"github.com/quarryhq/quarry-engine/engine/preprocess"
	"github.com/quarryhq/quarry-engine/pkg/fn"
	"github.com/quarryhq/quarry-engine/pkg/metrics"
	"github.com/quarryhq/quarry-engine/pkg/resilience"
)

// Embedding is one generated (or cache-served) vector with the hash and the
// model that actually produced it, which differs from the requested model
// when the fallback was used.
type Embedding struct {
	Hash    string
	ModelID string
	Values  []float32
}

// GeneratorOpts tunes model-call behaviour.
type GeneratorOpts struct {
	// MaxConcurrentCalls bounds in-flight model calls independently of the
	// indexer worker pool; callers past the limit queue on the semaphore.
	MaxConcurrentCalls int64
	// CallTimeout caps every individual model call.
	CallTimeout time.Duration
	// Retry drives exponential backoff before the fallback model is tried.
	Retry fn.RetryOpts
	// BatchWorkers is the concurrency for independent batches within one
	// generation request.
	BatchWorkers int
	// Metrics records cache hit/miss counters when set.
	Metrics *metrics.Registry
}

// DefaultGeneratorOpts returns sensible defaults.
func DefaultGeneratorOpts() GeneratorOpts {
	return GeneratorOpts{
		MaxConcurrentCalls: 4,
		CallTimeout:        30 * time.Second,
		Retry:              fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Second, MaxWait: 15 * time.Second, Jitter: true},
		BatchWorkers:       2,
	}
}

// flight is one in-progress generation for a content hash. Waiters block on
// done instead of issuing a duplicate model call.
type flight struct {
	done   chan struct{}
	values []float32
	model  string
	err    error
}

// Generator produces embeddings for texts, serving repeats from the cache and
// coalescing concurrent requests for the same (text, model) pair onto a
// single outstanding call.
type Generator struct {
	embedder Embedder
	cache    Cache
	breaker  *resilience.Breaker
	sem      *semaphore.Weighted
	opts     GeneratorOpts
	logger   *slog.Logger

	cacheHits   *metrics.Counter
	cacheMisses *metrics.Counter

	mu       sync.Mutex
	inflight map[string]*flight
}

// NewGenerator creates a Generator. cache may be nil to disable caching.
func NewGenerator(embedder Embedder, cache Cache, opts GeneratorOpts, logger *slog.Logger) *Generator {
	if opts.MaxConcurrentCalls <= 0 {
		opts.MaxConcurrentCalls = DefaultGeneratorOpts().MaxConcurrentCalls
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultGeneratorOpts().CallTimeout
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultGeneratorOpts().Retry
	}
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.New()
	}
	return &Generator{
		embedder:    embedder,
		cache:       cache,
		breaker:     resilience.NewBreaker(resilience.DefaultBreakerOpts),
		sem:         semaphore.NewWeighted(opts.MaxConcurrentCalls),
		opts:        opts,
		logger:      logger,
		cacheHits:   reg.Counter(metrics.WithLabels("quarry_embed_cache_total", "result", "hit"), "Embedding cache lookups by result"),
		cacheMisses: reg.Counter(metrics.WithLabels("quarry_embed_cache_total", "result", "miss"), ""),
		inflight:    make(map[string]*flight),
	}
}

type pendingText struct {
	hash string
	text string
}

// Generate embeds texts under the template's model config. Identical texts
// within and across concurrent calls share one model call; cache hits never
// reach the model at all.
func (g *Generator) Generate(ctx context.Context, texts []string, model domain.ModelConfig, norm domain.Normalization) ([]Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	limits := g.embedder.Limits(model.ModelID)

	// Truncate before hashing: the hash must describe exactly what the model
	// sees, or staleness checks would disagree with the cache.
	effective := make([]string, len(texts))
	hashes := make([]string, len(texts))
	for i, t := range texts {
		if limits.MaxInputChars > 0 && len(t) > limits.MaxInputChars {
			t = preprocess.TruncateAt(t, limits.MaxInputChars)
		}
		effective[i] = t
		hashes[i] = ContentHash(t, model.ModelID)
	}

	done := make(map[string]Embedding, len(texts))
	var owned []pendingText
	var waiting []*flight
	waitHashes := make(map[*flight]string)

	seen := make(map[string]bool, len(texts))
	for i, h := range hashes {
		if seen[h] {
			continue
		}
		seen[h] = true

		if g.cache != nil {
			values, producedBy, ok, err := g.cache.Get(ctx, h)
			if err != nil {
				g.logger.Warn("embed: cache read failed, treating as miss", "err", err)
			} else if ok {
				g.cacheHits.Inc()
				if producedBy == "" {
					producedBy = model.ModelID
				}
				done[h] = Embedding{Hash: h, ModelID: producedBy, Values: values}
				continue
			}
		}
		g.cacheMisses.Inc()

		g.mu.Lock()
		if f, ok := g.inflight[h]; ok {
			g.mu.Unlock()
			waiting = append(waiting, f)
			waitHashes[f] = h
			continue
		}
		f := &flight{done: make(chan struct{})}
		g.inflight[h] = f
		g.mu.Unlock()
		owned = append(owned, pendingText{hash: h, text: effective[i]})
	}

	if len(owned) > 0 {
		g.embedOwned(ctx, owned, model, norm, limits)
	}

	// Collect owned results (already resolved synchronously by embedOwned).
	var firstErr error
	for _, p := range owned {
		g.mu.Lock()
		f := g.inflight[p.hash]
		delete(g.inflight, p.hash)
		g.mu.Unlock()
		if f.err != nil {
			if firstErr == nil {
				firstErr = f.err
			}
			continue
		}
		done[p.hash] = Embedding{Hash: p.hash, ModelID: f.model, Values: f.values}
	}

	// Join calls owned by other goroutines.
	for _, f := range waiting {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.done:
		}
		if f.err != nil {
			if firstErr == nil {
				firstErr = f.err
			}
			continue
		}
		done[waitHashes[f]] = Embedding{Hash: waitHashes[f], ModelID: f.model, Values: f.values}
	}

	if firstErr != nil {
		return nil, fmt.Errorf("embed: generate: %w: %w", domain.ErrEmbeddingGeneration, firstErr)
	}

	out := make([]Embedding, len(texts))
	for i, h := range hashes {
		out[i] = done[h]
	}
	return out, nil
}

// embedOwned runs the claimed misses through batched model calls and resolves
// their flights, success or failure.
func (g *Generator) embedOwned(ctx context.Context, owned []pendingText, model domain.ModelConfig, norm domain.Normalization, limits ModelLimits) {
	batchSize := limits.MaxBatchSize
	if batchSize <= 0 {
		batchSize = len(owned)
	}
	batches := fn.Chunk(owned, batchSize)

	fn.ParMap(batches, g.opts.BatchWorkers, func(batch []pendingText) struct{} {
		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.text
		}

		vectors, usedModel, err := g.embedWithFallback(ctx, texts, model)
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, p := range batch {
			f := g.inflight[p.hash]
			if err != nil {
				f.err = err
			} else {
				v := vectors[i]
				switch norm {
				case domain.NormalizeMinMax:
					normalizeMinMax(v)
				case domain.NormalizeNone:
				default:
					normalizeL2(v)
				}
				f.values = v
				f.model = usedModel
				if g.cache != nil {
					if cerr := g.cache.Put(ctx, p.hash, usedModel, v); cerr != nil {
						g.logger.Warn("embed: cache write failed", "err", cerr)
					}
				}
			}
			close(f.done)
		}
		return struct{}{}
	})
}

// embedWithFallback calls the primary model with retry/backoff, then the
// fallback model if configured.
func (g *Generator) embedWithFallback(ctx context.Context, texts []string, model domain.ModelConfig) ([][]float32, string, error) {
	vectors, err := g.embedBatch(ctx, texts, model.ModelID)
	if err == nil {
		return vectors, model.ModelID, nil
	}
	if model.FallbackModelID == "" {
		return nil, "", err
	}
	g.logger.Warn("embed: primary model exhausted retries, trying fallback",
		"model", model.ModelID, "fallback", model.FallbackModelID, "err", err)
	vectors, ferr := g.embedBatch(ctx, texts, model.FallbackModelID)
	if ferr != nil {
		return nil, "", fmt.Errorf("fallback %s: %w (primary: %v)", model.FallbackModelID, ferr, err)
	}
	return vectors, model.FallbackModelID, nil
}

// embedBatch issues one rate-bounded, timeout-guarded, breaker-protected model
// call with retry. Callers past the concurrency limit queue here.
func (g *Generator) embedBatch(ctx context.Context, texts []string, modelID string) ([][]float32, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	result := fn.Retry(ctx, g.opts.Retry, func(ctx context.Context) fn.Result[[][]float32] {
		return resilience.CallResult(g.breaker, ctx, func(ctx context.Context) fn.Result[[][]float32] {
			callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
			defer cancel()
			vectors, err := g.embedder.Embed(callCtx, texts, modelID)
			if err != nil {
				return fn.Err[[][]float32](err)
			}
			if len(vectors) != len(texts) {
				return fn.Errf[[][]float32]("model %s returned %d vectors for %d texts", modelID, len(vectors), len(texts))
			}
			return fn.Ok(vectors)
		})
	})
	return result.Unwrap()
}
