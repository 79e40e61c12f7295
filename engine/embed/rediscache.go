package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "embed:"

// cacheEntry is the persisted form of one cached vector. The model id is the
// model that produced the values, which differs from the key's scope when the
// fallback model served the request.
type cacheEntry struct {
	ModelID   string    `json:"model_id"`
	Values    []float32 `json:"values"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisCache is a Redis-backed embedding cache shared across pipeline
// instances. Entries expire after TTL of inactivity; reads refresh the TTL so
// hot entries stay resident.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed cache. ttl <= 0 disables expiry.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns the cached vector and producing model for a hash, refreshing its
// TTL on hit.
func (c *RedisCache) Get(ctx context.Context, hash string) ([]float32, string, bool, error) {
	var data []byte
	var err error
	if c.ttl > 0 {
		data, err = c.client.GetEx(ctx, redisKeyPrefix+hash, c.ttl).Bytes()
	} else {
		data, err = c.client.Get(ctx, redisKeyPrefix+hash).Bytes()
	}
	if err == redis.Nil {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("embed: cache get: %w", err)
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, "", false, fmt.Errorf("embed: cache decode: %w", err)
	}
	return entry.Values, entry.ModelID, true, nil
}

// Put stores a vector under its content hash.
func (c *RedisCache) Put(ctx context.Context, hash, modelID string, values []float32) error {
	data, err := json.Marshal(cacheEntry{ModelID: modelID, Values: values, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("embed: cache encode: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+hash, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("embed: cache put: %w", err)
	}
	return nil
}
