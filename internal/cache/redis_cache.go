package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirkantin/backend/internal/domain"
)

const feeConfigKey = "kasirkantin:fee-config"

// RedisFeeConfigCache shares the cached configuration between server
// replicas so one invalidation reaches all of them.
type RedisFeeConfigCache struct {
	client *redis.Client
}

func NewRedisFeeConfigCache(client *redis.Client) *RedisFeeConfigCache {
	return &RedisFeeConfigCache{client: client}
}

func (c *RedisFeeConfigCache) Get(ctx context.Context) (*domain.FeeConfig, bool, error) {
	val, err := c.client.Get(ctx, feeConfigKey).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var cfg domain.FeeConfig
	if err := json.Unmarshal([]byte(val), &cfg); err != nil {
		return nil, false, err
	}
	return &cfg, true, nil
}

func (c *RedisFeeConfigCache) Set(ctx context.Context, value *domain.FeeConfig, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, feeConfigKey, payload, ttl).Err()
}

func (c *RedisFeeConfigCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, feeConfigKey).Err()
}
