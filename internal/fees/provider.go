package fees

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"kasirkantin/backend/internal/cache"
	"kasirkantin/backend/internal/domain"
)

// MaxConfigStaleness bounds how long a cached fee configuration may be served.
const MaxConfigStaleness = 5 * time.Minute

type ConfigLoader interface {
	GetFeeConfig(ctx context.Context) (domain.FeeConfig, error)
}

// Provider is a read-through view of the singleton fee configuration.
// Concurrent refreshes may race; the last write wins.
type Provider struct {
	loader ConfigLoader
	cache  cache.FeeConfigCache
	ttl    time.Duration
}

func NewProvider(loader ConfigLoader, cacheStore cache.FeeConfigCache, ttl time.Duration) *Provider {
	if cacheStore == nil {
		cacheStore = cache.NoopFeeConfigCache{}
	}
	if ttl <= 0 || ttl > MaxConfigStaleness {
		ttl = MaxConfigStaleness
	}
	return &Provider{loader: loader, cache: cacheStore, ttl: ttl}
}

func (p *Provider) Get(ctx context.Context) (domain.FeeConfig, error) {
	cached, ok, err := p.cache.Get(ctx)
	if err != nil {
		log.Printf("[fees] WARN: fee config cache read failed: %v", err)
	}
	if err == nil && ok && cached != nil {
		return *cached, nil
	}

	cfg, err := p.loader.GetFeeConfig(ctx)
	if err != nil {
		return domain.FeeConfig{}, err
	}
	if err := p.cache.Set(ctx, &cfg, p.ttl); err != nil {
		log.Printf("[fees] WARN: fee config cache write failed: %v", err)
	}
	return cfg, nil
}

// Invalidate drops the cached configuration; the settings update path calls it
// after writing a new singleton row.
func (p *Provider) Invalidate(ctx context.Context) {
	if err := p.cache.Invalidate(ctx); err != nil {
		log.Printf("[fees] WARN: fee config cache invalidation failed: %v", err)
	}
}

// Quote loads the current configuration and prices gross for method.
func (p *Provider) Quote(ctx context.Context, gross decimal.Decimal, method string) (domain.FeeBreakdown, error) {
	cfg, err := p.Get(ctx)
	if err != nil {
		return domain.FeeBreakdown{}, err
	}
	return Compute(gross, method, cfg)
}
