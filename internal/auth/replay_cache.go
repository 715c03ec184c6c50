package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache remembers one-time identifiers such as client assertion jti values
type ReplayCache interface {
	// Claim records key until ttl elapses; false means it was already recorded
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryReplayCache is process-local; use RedisReplayCache when running several replicas
type MemoryReplayCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{entries: make(map[string]time.Time), now: time.Now}
}

func (c *MemoryReplayCache) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, k)
		}
	}
	if _, seen := c.entries[key]; seen {
		return false, nil
	}
	c.entries[key] = now.Add(ttl)
	return true, nil
}

type RedisReplayCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisReplayCache(client redis.UniversalClient, keyPrefix string) *RedisReplayCache {
	return &RedisReplayCache{client: client, keyPrefix: keyPrefix}
}

// NewRedisReplayCacheFromURL connects using a redis:// URL
func NewRedisReplayCacheFromURL(rawURL string) (*RedisReplayCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return NewRedisReplayCache(redis.NewClient(opts), "sso:jti:"), nil
}

func (c *RedisReplayCache) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	// SetNX is atomic across replicas
	return c.client.SetNX(ctx, c.keyPrefix+key, 1, ttl).Result()
}

// Ping checks connectivity at startup
func (c *RedisReplayCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
