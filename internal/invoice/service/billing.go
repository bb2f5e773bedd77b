package service

import (
	"math"

	customerdomain "github.com/smallbiznis/licensegate/internal/customer/domain"
	"github.com/smallbiznis/licensegate/internal/invoice/domain"
)

// Compute prices one period of usage. It is a pure function of the price
// sheet and the usage totals.
func Compute(cfg domain.BillingConfig, usage domain.UsageTotals) (domain.Amounts, error) {
	var subtotal int64
	switch cfg.Mode {
	case customerdomain.BillingPerSample:
		subtotal = usage.UniqueSamples * cfg.UnitPrice
	case customerdomain.BillingPerOperation:
		subtotal = usage.Operations() * cfg.UnitPrice
	case customerdomain.BillingSubscription:
		subtotal = cfg.SubscriptionFee
	case customerdomain.BillingHybrid:
		overage := max(usage.UniqueSamples-cfg.IncludedUsage, 0)
		subtotal = cfg.SubscriptionFee + overage*cfg.UnitPrice
	default:
		return domain.Amounts{}, domain.ErrInvalidBillingMode
	}

	tax := computeTaxExclusive(subtotal, cfg.TaxRate)
	return domain.Amounts{
		Subtotal:  subtotal,
		TaxAmount: tax,
		Total:     subtotal + tax,
	}, nil
}

// computeTaxExclusive adds tax on top of subtotal. Rounding happens only here
// so stored values stay integers.
func computeTaxExclusive(subtotal int64, rate float64) int64 {
	if subtotal <= 0 || rate <= 0 {
		return 0
	}
	return int64(math.Round(float64(subtotal) * rate))
}
