// Package config loads service configuration from a TOML file with
// environment overrides for deployment-specific endpoints.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/quarryhq/quarry-engine/engine/domain"
)

// HTTP configures the API server.
type HTTP struct {
	Addr       string `toml:"addr"`
	CORSOrigin string `toml:"cors_origin"`
	// MetricsPort serves /metrics separately from the API.
	MetricsPort int `toml:"metrics_port"`
}

// NATS configures the change feed connection.
type NATS struct {
	URL string `toml:"url"`
}

// Qdrant configures the vector store.
type Qdrant struct {
	Addr       string `toml:"addr"`
	Collection string `toml:"collection"`
	Dim        int    `toml:"dim"`
	Metric     string `toml:"metric"`
	// InMemory swaps Qdrant for the in-process store, for tests and
	// single-node runs.
	InMemory bool `toml:"in_memory"`
}

// Neo4j configures the entity source.
type Neo4j struct {
	URL  string `toml:"url"`
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

// Redis configures the shared caches. An empty addr disables them.
type Redis struct {
	Addr           string        `toml:"addr"`
	EmbedTTL       time.Duration `toml:"embed_ttl"`
	SearchTTL      time.Duration `toml:"search_ttl"`
	MemoryFallback int           `toml:"memory_fallback"` // LRU entries when Redis is off
}

// Ollama configures the embedding model server.
type Ollama struct {
	URL               string  `toml:"url"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// Indexer configures the worker pool and status store.
type Indexer struct {
	Workers     int    `toml:"workers"`
	QueueSize   int    `toml:"queue_size"`
	StatusDSN   string `toml:"status_dsn"`
	Concurrency int    `toml:"reprocess_concurrency"`
}

// Search configures the hybrid blend.
type Search struct {
	Alpha float64 `toml:"alpha"`
}

// RAG configures retrieval.
type RAG struct {
	TokenBudget  int `toml:"token_budget"`
	MaxPerEntity int `toml:"max_per_entity"`
}

// Config is the full service configuration.
type Config struct {
	HTTP    HTTP    `toml:"http"`
	NATS    NATS    `toml:"nats"`
	Qdrant  Qdrant  `toml:"qdrant"`
	Neo4j   Neo4j   `toml:"neo4j"`
	Redis   Redis   `toml:"redis"`
	Ollama  Ollama  `toml:"ollama"`
	Indexer Indexer `toml:"indexer"`
	Search  Search  `toml:"search"`
	RAG     RAG     `toml:"rag"`

	// KnownTypes is the closed set of entity types the pipeline accepts.
	KnownTypes []string `toml:"known_types"`
	// DefaultModel backs the synthesized default template.
	DefaultModel domain.ModelConfig `toml:"default_model"`
	// Templates are the explicit per-type embedding templates.
	Templates []domain.EmbeddingTemplate `toml:"templates"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		HTTP:    HTTP{Addr: ":8080", CORSOrigin: "*", MetricsPort: 9090},
		NATS:    NATS{URL: "nats://localhost:4222"},
		Qdrant:  Qdrant{Addr: "localhost:6334", Collection: "quarry", Dim: 768, Metric: "cosine"},
		Neo4j:   Neo4j{URL: "neo4j://localhost:7687", User: "neo4j", Pass: "password"},
		Redis:   Redis{EmbedTTL: 24 * time.Hour, SearchTTL: 30 * time.Second, MemoryFallback: 4096},
		Ollama:  Ollama{URL: "http://localhost:11434", RequestsPerSecond: 10},
		Indexer: Indexer{Workers: 4, QueueSize: 256, StatusDSN: "quarry-status.db", Concurrency: 8},
		Search:  Search{Alpha: 0.7},
		RAG:     RAG{TokenBudget: 2048, MaxPerEntity: 3},
		DefaultModel: domain.ModelConfig{
			ModelID: "nomic-embed-text",
		},
	}
}

// Load reads TOML from path (optional), applies environment overrides, and
// validates the templates. An empty path loads defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides deployment endpoints from the environment.
func (c *Config) applyEnv() {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr("QUARRY_HTTP_ADDR", &c.HTTP.Addr)
	setStr("QUARRY_NATS_URL", &c.NATS.URL)
	setStr("QUARRY_QDRANT_ADDR", &c.Qdrant.Addr)
	setStr("QUARRY_QDRANT_COLLECTION", &c.Qdrant.Collection)
	setStr("QUARRY_NEO4J_URL", &c.Neo4j.URL)
	setStr("QUARRY_NEO4J_USER", &c.Neo4j.User)
	setStr("QUARRY_NEO4J_PASS", &c.Neo4j.Pass)
	setStr("QUARRY_REDIS_ADDR", &c.Redis.Addr)
	setStr("QUARRY_OLLAMA_URL", &c.Ollama.URL)
	setStr("QUARRY_STATUS_DSN", &c.Indexer.StatusDSN)
	if v := os.Getenv("QUARRY_METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.HTTP.MetricsPort = p
		}
	}
}

// Validate checks cross-field invariants and every template.
func (c *Config) Validate() error {
	if c.DefaultModel.ModelID == "" {
		return errors.New("config: default_model.model_id is required")
	}
	if c.Search.Alpha < 0 || c.Search.Alpha > 1 {
		return fmt.Errorf("config: search.alpha %v out of [0,1]", c.Search.Alpha)
	}
	seen := make(map[string]bool, len(c.Templates))
	for _, t := range c.Templates {
		if err := domain.ValidateTemplate(t); err != nil {
			return fmt.Errorf("config: template %s: %w", t.EntityType, err)
		}
		if seen[t.EntityType] {
			return fmt.Errorf("config: duplicate template for %s", t.EntityType)
		}
		seen[t.EntityType] = true
	}
	return nil
}
