package subscription

import "time"

// Subscription describes a member's gym subscription. MemberID is
// unique: the row is reused across re-subscriptions, and the unique
// constraint is the concurrency guard against two checkouts creating
// duplicate live subscriptions for one member.
type Subscription struct {
	ID                 string    `json:"id" gorm:"primaryKey"`
	MemberID           string    `json:"memberId" gorm:"uniqueIndex"`
	PlanID             string    `json:"planId"`       // Nominal plan, may be ahead of BilledPlanID while an upgrade payment is in flight
	BilledPlanID       string    `json:"billedPlanId"` // Last plan an upgrade/checkout payment actually completed for
	Status             Status    `json:"status" gorm:"index"`
	StartDate          time.Time `json:"startDate"`
	EndDate            time.Time `json:"endDate"`
	CurrentPeriodStart time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time `json:"currentPeriodEnd"`
	BaseAmount         float64   `json:"baseAmount"`
	DiscountAmount     float64   `json:"discountAmount"`
	TotalAmount        float64   `json:"totalAmount"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// SubscriptionHistory is the append-only audit of plan changes
type SubscriptionHistory struct {
	ID              string    `json:"id" gorm:"primaryKey"`
	SubscriptionID  string    `json:"subscriptionId" gorm:"index"`
	FromPlanID      string    `json:"fromPlanId"`
	ToPlanID        string    `json:"toPlanId"`
	ChangeReason    string    `json:"changeReason"`
	OldPrice        float64   `json:"oldPrice"`
	NewPrice        float64   `json:"newPrice"`
	PriceDifference float64   `json:"priceDifference"`
	CreatedAt       time.Time `json:"createdAt"`
}

// billedPlanID is the plan the member last actually paid for, falling
// back to the nominal plan before any payment settled
func billedPlanID(sub *Subscription) string {
	if len(sub.BilledPlanID) > 0 {
		return sub.BilledPlanID
	}
	return sub.PlanID
}

// alreadyOnPlan reports whether both the nominal and the billed plan
// already match planID. A re-attempted upgrade whose payment never
// settled has advanced the nominal plan only, and must go through again
// so the pending charge can be deduplicated.
func alreadyOnPlan(sub *Subscription, planID string) bool {
	return sub.PlanID == planID && billedPlanID(sub) == planID
}

// Terminal reports whether the subscription can never become active again
func (s *Subscription) Terminal() bool {
	return s.Status == StatusCancelled || s.Status == StatusExpired
}
