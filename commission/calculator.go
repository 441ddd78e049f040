package commission

import (
	"fmt"
	"math"

	"commissionflow/policy"
)

// Calculate returns the commission p earns on an order, rounded to two decimals.
// A result that is not strictly positive means p is misconfigured for this order.
func Calculate(p policy.Policy, orderAmount float64, quantity int) (float64, error) {
	var amount float64
	switch p.CommissionType {
	case policy.CommissionPercentage:
		if p.CommissionRate == nil {
			return 0, fmt.Errorf("%w: policy %s has no commission rate", ErrInvalidCommissionAmount, p.PolicyCode)
		}
		amount = orderAmount * *p.CommissionRate
	case policy.CommissionFixed:
		if p.FixedAmount == nil {
			return 0, fmt.Errorf("%w: policy %s has no fixed amount", ErrInvalidCommissionAmount, p.PolicyCode)
		}
		amount = *p.FixedAmount * float64(quantity)
	default:
		return 0, fmt.Errorf("%w: policy %s has unknown commission type %q", ErrInvalidCommissionAmount, p.PolicyCode, p.CommissionType)
	}

	amount = roundCents(amount)
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("%w: policy %s yields %.2f", ErrInvalidCommissionAmount, p.PolicyCode, amount)
	}
	return amount, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
