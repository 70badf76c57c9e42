package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis key namespaces for the prediction flow. Results are cached twice:
// under the request id for lookups, and under the image digest so a repeat
// upload of the same image skips inference.
const (
	resultKeyPrefix = "prediction:"
	imageKeyPrefix  = "prediction:image:"
)

func resultKey(requestID string) string {
	return resultKeyPrefix + requestID
}

func imageKey(sha1Hex string) string {
	return imageKeyPrefix + sha1Hex
}

// Cache abstracts the Redis operations the prediction flow depends on,
// keeping the use case testable with in-memory stand-ins.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache adapts a go-redis client to the Cache interface.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an already-connected Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set stores a serialized prediction value with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get loads a previously cached value; a miss surfaces as redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}
