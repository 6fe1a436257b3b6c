package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"kasirkantin/backend/internal/domain"
)

// CurrencyPlaces is the number of decimal places in the smallest rupiah unit.
const CurrencyPlaces int32 = 0

var (
	ErrInvalidAmount = errors.New("gross amount must be a positive whole currency amount")
	ErrInvalidMethod = errors.New("unsupported payment method")
	ErrInvalidConfig = errors.New("fee percentages must be between 0 and 100")
)

var hundred = decimal.NewFromInt(100)

// Compute splits gross into gateway fee, net amount, platform fee and partner
// revenue. Each step is rounded half-up to the currency unit before the next
// step consumes it, so the four outputs always reconcile back to gross.
func Compute(gross decimal.Decimal, method string, cfg domain.FeeConfig) (domain.FeeBreakdown, error) {
	if !gross.IsPositive() || !gross.Equal(gross.Round(CurrencyPlaces)) {
		return domain.FeeBreakdown{}, ErrInvalidAmount
	}
	if err := ValidateConfig(cfg); err != nil {
		return domain.FeeBreakdown{}, err
	}

	gatewayFee := decimal.Zero
	switch method {
	case domain.PaymentMethodQRIS:
		gatewayFee = percentOf(gross, cfg.GatewayFeePercent)
	case domain.PaymentMethodCash:
	default:
		return domain.FeeBreakdown{}, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}

	netAmount := gross.Sub(gatewayFee)
	platformFee := percentOf(netAmount, cfg.PlatformCommissionPercent)
	partnerRevenue := netAmount.Sub(platformFee)

	return domain.FeeBreakdown{
		GrossAmount:    gross,
		GatewayFee:     gatewayFee,
		NetAmount:      netAmount,
		PlatformFee:    platformFee,
		PartnerRevenue: partnerRevenue,
	}, nil
}

func ValidateConfig(cfg domain.FeeConfig) error {
	for _, pct := range []decimal.Decimal{cfg.GatewayFeePercent, cfg.PlatformCommissionPercent} {
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return ErrInvalidConfig
		}
	}
	return nil
}

// percentOf multiplies first and divides by 100 last; the configured
// percentage is never used as a divisor.
func percentOf(amount decimal.Decimal, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(hundred).Round(CurrencyPlaces)
}
