package subscription

import (
	"math"
	"time"
)

// Positive proration results are rounded up to the nearest 1000
// currency-minor-units so members are never asked to transfer odd
// amounts. Downgrades are left exact: they become refunds, and we refund
// precisely what is owed.
const prorationRoundingStep = 1000.0

// ComputeProration returns the price difference owed when a plan changes
// mid-cycle. Positive means the member owes a charge (upgrade), negative
// means they are owed a refund (downgrade).
//
// The unused fraction of the old plan is credited against the same
// fraction of the new plan's price:
//
//	remaining = periodEnd - now (clamped to [0, period length])
//	difference = remaining/period * (newPrice - oldPrice)
func ComputeProration(oldPrice, newPrice float64, periodStart, periodEnd, now time.Time) float64 {
	total := periodEnd.Sub(periodStart)
	if total <= 0 {
		return 0
	}
	remaining := periodEnd.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > total {
		remaining = total
	}
	fraction := float64(remaining) / float64(total)
	unusedAmount := fraction * oldPrice
	newPlanCost := fraction * newPrice
	difference := newPlanCost - unusedAmount
	if difference > 0 {
		return math.Ceil(difference/prorationRoundingStep) * prorationRoundingStep
	}
	return difference
}
