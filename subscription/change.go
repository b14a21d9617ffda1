package subscription

import "context"

// ChangePlanOptions describes an upgrade/downgrade request
type ChangePlanOptions struct {
	SubscriptionID string
	NewPlanID      string
	RequestedBy    string
}

// PlanChange is the recorded outcome of a plan change
type PlanChange struct {
	Subscription    *Subscription
	History         *SubscriptionHistory
	ChangeType      string
	PriceDifference float64
}

// PlanChangeOutcome is a PlanChange plus the settlement it produced: a
// pending payment for upgrades, a pending refund for downgrades
type PlanChangeOutcome struct {
	PlanChange
	PaymentID string `json:"paymentId,omitempty"`
	RefundID  string `json:"refundId,omitempty"`
}

// PlanChanger orchestrates a plan change end to end, including the
// settlement. Implemented by the reconciler.
type PlanChanger interface {
	ChangePlan(ctx context.Context, opt ChangePlanOptions) (*PlanChangeOutcome, error)
}

// RenewalOutcome reports the pending payment a manual renewal opened
type RenewalOutcome struct {
	SubscriptionID string  `json:"subscriptionId"`
	PaymentID      string  `json:"paymentId"`
	Amount         float64 `json:"amount"`
}

// RenewalInitiator opens the pending payment for a manual renewal. The
// period only extends once that payment's webhook confirms settlement.
type RenewalInitiator interface {
	InitiateRenewal(ctx context.Context, subscriptionID string) (*RenewalOutcome, error)
}
