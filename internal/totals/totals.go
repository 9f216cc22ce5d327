// Package totals holds the single authoritative formula for a sale's total.
// Both sale creation and voiding recompute through it; client-supplied totals
// are never trusted.
package totals

import (
	"github.com/shopspring/decimal"

	"bonitoamor/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Subtotal returns quantity * unitPrice rounded to 2 decimal places.
func Subtotal(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Round(2)
}

// Total computes round(sum(active subtotals) * (1 - discountPercent/100), 2).
// Voided lines contribute nothing.
func Total(lines []domain.SaleLine, discountPercent decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, line := range lines {
		if line.Voided {
			continue
		}
		sum = sum.Add(line.Subtotal)
	}
	factor := decimal.NewFromInt(1).Sub(discountPercent.Div(hundred))
	return sum.Mul(factor).Round(2)
}

// Check reports whether total matches the recomputed value for the given
// lines and discount. A failure indicates a bug, not bad input.
func Check(lines []domain.SaleLine, discountPercent decimal.Decimal, total decimal.Decimal) bool {
	return Total(lines, discountPercent).Equal(total)
}

// ValidDiscount reports whether the discount percentage is within 0–100.
func ValidDiscount(discountPercent decimal.Decimal) bool {
	return discountPercent.GreaterThanOrEqual(decimal.Zero) && discountPercent.LessThanOrEqual(hundred)
}
