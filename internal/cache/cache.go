package cache

import (
	"context"
	"sync"
	"time"

	"kasirkantin/backend/internal/domain"
)

type FeeConfigCache interface {
	Get(ctx context.Context) (*domain.FeeConfig, bool, error)
	Set(ctx context.Context, value *domain.FeeConfig, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopFeeConfigCache struct{}

func (NoopFeeConfigCache) Get(_ context.Context) (*domain.FeeConfig, bool, error) {
	return nil, false, nil
}

func (NoopFeeConfigCache) Set(_ context.Context, _ *domain.FeeConfig, _ time.Duration) error {
	return nil
}

func (NoopFeeConfigCache) Invalidate(_ context.Context) error {
	return nil
}

// MemoryFeeConfigCache keeps the configuration in process memory. It is used
// when Redis is not configured.
type MemoryFeeConfigCache struct {
	mu        sync.RWMutex
	value     *domain.FeeConfig
	expiresAt time.Time
	now       func() time.Time
}

func NewMemoryFeeConfigCache() *MemoryFeeConfigCache {
	return &MemoryFeeConfigCache{now: time.Now}
}

func (c *MemoryFeeConfigCache) Get(_ context.Context) (*domain.FeeConfig, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.value == nil || !c.now().Before(c.expiresAt) {
		return nil, false, nil
	}
	copied := *c.value
	return &copied, true, nil
}

func (c *MemoryFeeConfigCache) Set(_ context.Context, value *domain.FeeConfig, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	copied := *value
	c.mu.Lock()
	c.value = &copied
	c.expiresAt = c.now().Add(ttl)
	c.mu.Unlock()
	return nil
}

func (c *MemoryFeeConfigCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	c.value = nil
	c.expiresAt = time.Time{}
	c.mu.Unlock()
	return nil
}
