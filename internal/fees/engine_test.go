package fees

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirkantin/backend/internal/cache"
	"kasirkantin/backend/internal/domain"
)

func cfg(gateway string, platform string) domain.FeeConfig {
	return domain.FeeConfig{
		GatewayFeePercent:         decimal.RequireFromString(gateway),
		PlatformCommissionPercent: decimal.RequireFromString(platform),
	}
}

func TestComputeQRISScenario(t *testing.T) {
	got, err := Compute(decimal.NewFromInt(50000), domain.PaymentMethodQRIS, cfg("0.7", "10"))
	require.NoError(t, err)

	assert.True(t, got.GrossAmount.Equal(decimal.NewFromInt(50000)))
	assert.True(t, got.GatewayFee.Equal(decimal.NewFromInt(350)), "gateway fee %s", got.GatewayFee)
	assert.True(t, got.NetAmount.Equal(decimal.NewFromInt(49650)), "net %s", got.NetAmount)
	assert.True(t, got.PlatformFee.Equal(decimal.NewFromInt(4965)), "platform %s", got.PlatformFee)
	assert.True(t, got.PartnerRevenue.Equal(decimal.NewFromInt(44685)), "partner %s", got.PartnerRevenue)
}

func TestComputeCashHasNoGatewayFee(t *testing.T) {
	got, err := Compute(decimal.NewFromInt(27000), domain.PaymentMethodCash, cfg("0.7", "10"))
	require.NoError(t, err)

	assert.True(t, got.GatewayFee.IsZero())
	assert.True(t, got.NetAmount.Equal(decimal.NewFromInt(27000)))
	assert.True(t, got.PlatformFee.Equal(decimal.NewFromInt(2700)))
	assert.True(t, got.PartnerRevenue.Equal(decimal.NewFromInt(24300)))
}

func TestComputeRoundsHalfUpPerStep(t *testing.T) {
	// 0.7% of 1500 is 10.5 -> 11; 10% of 1489 is 148.9 -> 149.
	got, err := Compute(decimal.NewFromInt(1500), domain.PaymentMethodQRIS, cfg("0.7", "10"))
	require.NoError(t, err)

	assert.True(t, got.GatewayFee.Equal(decimal.NewFromInt(11)), "gateway fee %s", got.GatewayFee)
	assert.True(t, got.NetAmount.Equal(decimal.NewFromInt(1489)))
	assert.True(t, got.PlatformFee.Equal(decimal.NewFromInt(149)), "platform %s", got.PlatformFee)
	assert.True(t, got.PartnerRevenue.Equal(decimal.NewFromInt(1340)))
}

func TestComputeAlwaysReconciles(t *testing.T) {
	configs := []domain.FeeConfig{cfg("0.7", "10"), cfg("2.9", "12.5"), cfg("0", "0"), cfg("100", "100"), cfg("0.35", "33.3")}
	for _, c := range configs {
		for gross := int64(1); gross <= 200000; gross += 997 {
			for _, method := range []string{domain.PaymentMethodCash, domain.PaymentMethodQRIS} {
				got, err := Compute(decimal.NewFromInt(gross), method, c)
				require.NoError(t, err)

				assert.True(t, got.GatewayFee.Add(got.NetAmount).Equal(got.GrossAmount),
					"gross %d %s: gateway+net != gross", gross, method)
				assert.True(t, got.PlatformFee.Add(got.PartnerRevenue).Equal(got.NetAmount),
					"gross %d %s: platform+partner != net", gross, method)
				assert.False(t, got.GatewayFee.IsNegative() || got.PlatformFee.IsNegative() || got.PartnerRevenue.IsNegative(),
					"gross %d %s: negative component", gross, method)
				assert.True(t, got.PlatformFee.Equal(got.PlatformFee.Round(CurrencyPlaces)))
			}
		}
	}
}

func TestComputeRejectsBadInput(t *testing.T) {
	_, err := Compute(decimal.Zero, domain.PaymentMethodCash, cfg("0.7", "10"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Compute(decimal.RequireFromString("100.5"), domain.PaymentMethodCash, cfg("0.7", "10"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Compute(decimal.NewFromInt(1000), "CARD", cfg("0.7", "10"))
	assert.ErrorIs(t, err, ErrInvalidMethod)

	_, err = Compute(decimal.NewFromInt(1000), domain.PaymentMethodQRIS, cfg("-1", "10"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Compute(decimal.NewFromInt(1000), domain.PaymentMethodQRIS, cfg("0.7", "100.01"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

type countingLoader struct {
	cfg   domain.FeeConfig
	err   error
	calls int
}

func (l *countingLoader) GetFeeConfig(_ context.Context) (domain.FeeConfig, error) {
	l.calls++
	return l.cfg, l.err
}

func TestProviderReadsThroughCache(t *testing.T) {
	loader := &countingLoader{cfg: cfg("0.7", "10")}
	provider := NewProvider(loader, cache.NewMemoryFeeConfigCache(), 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := provider.Get(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, loader.calls)

	loader.cfg = cfg("1", "5")
	provider.Invalidate(ctx)

	got, err := provider.Quote(ctx, decimal.NewFromInt(50000), domain.PaymentMethodQRIS)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls)
	assert.True(t, got.GatewayFee.Equal(decimal.NewFromInt(500)))
}

func TestProviderWithoutCacheAlwaysLoads(t *testing.T) {
	loader := &countingLoader{cfg: cfg("0.7", "10")}
	provider := NewProvider(loader, nil, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := provider.Get(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, loader.calls)
}

func TestProviderPropagatesLoadError(t *testing.T) {
	loader := &countingLoader{err: errors.New("db down")}
	provider := NewProvider(loader, cache.NewMemoryFeeConfigCache(), time.Minute)

	_, err := provider.Quote(context.Background(), decimal.NewFromInt(1000), domain.PaymentMethodCash)
	assert.EqualError(t, err, "db down")
}
