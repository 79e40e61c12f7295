package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quarryhq/quarry-engine/engine/domain"
)

const resultKeyPrefix = "search:"

// DefaultResultTTL keeps cached results short-lived; re-indexing makes them
// stale and there is no invalidation channel.
const DefaultResultTTL = 30 * time.Second

// ResultCache caches ranked search results in Redis keyed by the full query
// signature.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResultCache creates a result cache. ttl <= 0 uses DefaultResultTTL.
func NewResultCache(client *redis.Client, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &ResultCache{client: client, ttl: ttl}
}

// key digests the query text, tenant, type scope, and topK. Type order must
// not matter.
func (c *ResultCache) key(q Query) string {
	types := append([]string(nil), q.EntityTypes...)
	sort.Strings(types)
	h := sha256.New()
	h.Write([]byte(q.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(types, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(q.TopK)))
	h.Write([]byte{0})
	h.Write([]byte(q.Text))
	return resultKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Get returns cached results for an identical query, if any.
func (c *ResultCache) Get(ctx context.Context, q Query) ([]domain.SearchResult, bool, error) {
	data, err := c.client.Get(ctx, c.key(q)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("search: cache get: %w", err)
	}
	var results []domain.SearchResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, false, fmt.Errorf("search: cache decode: %w", err)
	}
	return results, true, nil
}

// Put stores ranked results under the query signature.
func (c *ResultCache) Put(ctx context.Context, q Query, results []domain.SearchResult) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("search: cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key(q), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("search: cache put: %w", err)
	}
	return nil
}
