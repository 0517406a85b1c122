package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
)

const keyPrefix = "cache:exact:"

// Redis stores entries in Redis with native key expiry
type Redis struct {
	redis *redis.Client
	now   func() time.Time
}

// NewRedis creates a Redis-backed cache
func NewRedis(redisClient *redis.Client) *Redis {
	return &Redis{redis: redisClient, now: time.Now}
}

func (c *Redis) Lookup(ctx context.Context, fingerprint string) (*models.CacheEntry, bool, error) {
	val, err := c.redis.Get(ctx, keyPrefix+fingerprint)
	if errors.Is(err, redis.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, false, fmt.Errorf("failed to deserialize cached response: %w", err)
	}
	// Redis expiry has millisecond granularity
	if entry.Expired(c.now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (c *Redis) Store(ctx context.Context, fingerprint string, entry *models.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return c.redis.Del(ctx, keyPrefix+fingerprint)
	}
	now := c.now()
	e := *entry
	e.Fingerprint = fingerprint
	e.CreatedAt = now
	e.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}
	return c.redis.Set(ctx, keyPrefix+fingerprint, string(data), ttl)
}

func (c *Redis) Purge(ctx context.Context, fingerprint string) error {
	return c.redis.Del(ctx, keyPrefix+fingerprint)
}

func (c *Redis) PurgeAll(ctx context.Context) (int, error) {
	return c.redis.DelPrefix(ctx, keyPrefix)
}
