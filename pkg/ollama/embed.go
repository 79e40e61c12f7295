// Package ollama implements the embedding model interface against Ollama's
// HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/quarryhq/quarry-engine/engine/embed"
)

// DefaultLimits apply to models without an explicit entry.
var DefaultLimits = embed.ModelLimits{
	MaxBatchSize:  64,
	MaxInputChars: 8192,
	Dim:           768,
}

// Client calls Ollama's batch embedding endpoint. Requests are paced by a
// token-bucket limiter so bursts of re-indexing cannot starve query traffic.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	limits  map[string]embed.ModelLimits
}

// Opts configures the client.
type Opts struct {
	// RequestsPerSecond paces calls to the model server; 0 disables pacing.
	RequestsPerSecond float64
	// Burst is the limiter burst size; defaults to 1 when pacing is on.
	Burst int
	// Timeout is the HTTP client timeout.
	Timeout time.Duration
	// Limits overrides per-model constraints.
	Limits map[string]embed.ModelLimits
}

// New creates an Ollama client against baseURL (e.g. http://localhost:11434).
func New(baseURL string, opts Opts) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(nil),
		},
		limiter: limiter,
		limits:  opts.Limits,
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one vector per input text, in order.
func (c *Client) Embed(ctx context.Context, texts []string, modelID string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("ollama: rate wait: %w", err)
		}
	}

	body, err := json.Marshal(embedRequest{Model: modelID, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: embed %s: %w", modelID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: embed %s: status %d", modelID, resp.StatusCode)
	}
	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama: embed %s: got %d embeddings for %d inputs", modelID, len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

// Limits returns the constraints for a model.
func (c *Client) Limits(modelID string) embed.ModelLimits {
	if l, ok := c.limits[modelID]; ok {
		return l
	}
	return DefaultLimits
}
