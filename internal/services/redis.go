package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	corrIndexPrefix  = "mpesa:corr:"
	settleLockPrefix = "settle:lock:"
	balanceCachePref = "student:balance:"
)

// RedisCache provides caching, the correlation-id reverse index and the
// per-settlement idempotency locks.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache client
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Println("Redis connection established")
	return &RedisCache{client: client}, nil
}

// Set stores a value in cache with expiration
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, expiration).Err()
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// GetOrSet retrieves a value from cache, or calls the callback to fetch and
// cache it. The callback only runs on a cache miss.
func GetOrSet[T any](c *RedisCache, ctx context.Context, key string, expiration time.Duration, fn func() (T, error)) (T, error) {
	var result T

	err := c.Get(ctx, key, &result)
	if err == nil {
		return result, nil
	}

	result, err = fn()
	if err != nil {
		return result, err
	}

	_ = c.Set(ctx, key, result, expiration)

	return result, nil
}

// Delete removes a key from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// SetNX sets a value only if key doesn't exist (used for settlement locks)
func (c *RedisCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.client.SetNX(ctx, key, data, expiration).Result()
}

// IndexCorrelation records the CheckoutRequestID -> student reverse mapping
// so the callback handler resolves the owning student without a table scan.
func (c *RedisCache) IndexCorrelation(ctx context.Context, checkoutRequestID, studentRef string, ttl time.Duration) error {
	return c.client.Set(ctx, corrIndexPrefix+checkoutRequestID, studentRef, ttl).Err()
}

// LookupCorrelation resolves a CheckoutRequestID to the owning student ref.
// Returns redis.Nil-wrapped error when the index entry is gone; callers fall
// back to the database lookup in that case.
func (c *RedisCache) LookupCorrelation(ctx context.Context, checkoutRequestID string) (string, error) {
	return c.client.Get(ctx, corrIndexPrefix+checkoutRequestID).Result()
}

// AcquireSettleLock takes a short-lived lock for one correlation id. A false
// return means another delivery of the same callback is already being
// processed.
func (c *RedisCache) AcquireSettleLock(ctx context.Context, checkoutRequestID string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, settleLockPrefix+checkoutRequestID, 1, ttl).Result()
}

// ReleaseSettleLock drops the settlement lock.
func (c *RedisCache) ReleaseSettleLock(ctx context.Context, checkoutRequestID string) error {
	return c.client.Del(ctx, settleLockPrefix+checkoutRequestID).Err()
}

// BalanceCacheKey is the cache key for a student's fee balance.
func BalanceCacheKey(studentRef string) string {
	return fmt.Sprintf("%s%s", balanceCachePref, studentRef)
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Client returns the underlying Redis client for advanced operations
func (c *RedisCache) Client() *redis.Client {
	return c.client
}
