package vouchers

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Discount returns the amount the voucher takes off subtotal. Percentages are
// rounded half-up to whole đồng and no discount exceeds the subtotal.
func Discount(v *domain.Voucher, subtotal int64) (int64, error) {
	if subtotal < v.MinOrderValue {
		return 0, ErrVoucherBelowMinimum
	}

	var amount int64
	switch v.DiscountType {
	case domain.DiscountPercent:
		pct := decimal.NewFromInt(v.DiscountValue)
		if pct.GreaterThan(hundred) {
			pct = hundred
		}
		amount = decimal.NewFromInt(subtotal).Mul(pct).Div(hundred).Round(0).IntPart()
	case domain.DiscountFixed:
		amount = v.DiscountValue
	default:
		return 0, fmt.Errorf("%w: unknown discount type %q", ErrVoucherInvalid, v.DiscountType)
	}

	if amount < 0 {
		return 0, nil
	}
	if amount > subtotal {
		return subtotal, nil
	}
	return amount, nil
}
