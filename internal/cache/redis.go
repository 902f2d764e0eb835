// Package cache provides the Redis-backed caches used by the embedding
// service and the search engine. Entries expire by TTL; there is no
// write-through invalidation.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Conn opens and pings a Redis client.
func Conn(ctx context.Context, host, port, pass string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", host, port),
		DialTimeout: timeout,
		Password:    pass,
		DB:          db,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

// VectorCache stores embedding vectors as JSON under their (model, hash) key.
type VectorCache struct {
	client *redis.Client
	prefix string
}

// NewVectorCache builds a vector cache on the given client.
func NewVectorCache(client *redis.Client) *VectorCache {
	return &VectorCache{client: client, prefix: "emb:"}
}

// Get returns the cached vector for key, if present.
func (c *VectorCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached vector: %w", err)
	}
	return vec, true, nil
}

// Set stores a vector under key with the given TTL.
func (c *VectorCache) Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error {
	raw, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal vector: %w", err)
	}
	return c.client.Set(ctx, c.prefix+key, raw, ttl).Err()
}

// ResultCache stores serialized search result sets.
type ResultCache struct {
	client *redis.Client
	prefix string
}

// NewResultCache builds a search result cache on the given client.
func NewResultCache(client *redis.Client) *ResultCache {
	return &ResultCache{client: client, prefix: "search:"}
}

// Get returns the cached payload for key, if present.
func (c *ResultCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// Set stores a payload under key with the given TTL.
func (c *ResultCache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, payload, ttl).Err()
}
