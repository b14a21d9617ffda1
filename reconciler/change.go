package reconciler

import (
	"context"
	"fmt"
	"math"

	"github.com/gymfit/billing/banktransfer"
	"github.com/gymfit/billing/payment"
	"github.com/gymfit/billing/refund"
	"github.com/gymfit/billing/subscription"

	"go.uber.org/zap"
)

// ChangePlan applies an upgrade or downgrade and opens its settlement:
// a pending payment for the positive proration of an upgrade, a refund
// request for the difference of a downgrade. Repeated upgrade attempts
// reuse the pending payment through the initiate dedup rather than
// stacking charges.
func (r *Reconciler) ChangePlan(ctx context.Context, opt subscription.ChangePlanOptions) (*subscription.PlanChangeOutcome, error) {
	change, err := r.Subscriptions.ChangePlan(ctx, opt)
	if err != nil {
		return nil, err
	}

	outcome := &subscription.PlanChangeOutcome{
		PlanChange: *change,
	}
	sub := change.Subscription

	switch {
	case change.PriceDifference > 0:
		plan, ok := r.Subscriptions.GetDefinedPlanByID(opt.NewPlanID)
		if !ok {
			return nil, subscription.ErrPlanNotFound
		}
		p, err := r.Payments.Initiate(ctx, payment.InitiateOptions{
			SubscriptionID: sub.ID,
			MemberID:       sub.MemberID,
			Amount:         change.PriceDifference,
			Currency:       plan.Currency,
			Type:           payment.TypeUpgrade,
			Description:    fmt.Sprintf("%s to %s", change.ChangeType, plan.Name),
			Metadata: map[string]interface{}{
				MetadataChangeType:   change.ChangeType,
				MetadataTargetPlanID: plan.ID,
			},
		})
		if err != nil {
			return nil, err
		}
		outcome.PaymentID = p.ID

	case change.PriceDifference < 0:
		latest, err := r.Payments.LatestCompletedForSubscription(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			// downgrade before any money ever moved, nothing to return
			r.Logger.Info("Downgrade with no settled payment, skipping refund",
				zap.String("SubscriptionID", sub.ID),
			)
			break
		}
		owed := math.Abs(change.PriceDifference)
		if remaining := latest.Amount - latest.RefundedAmount; owed > remaining {
			owed = remaining
		}
		if owed <= 0 {
			break
		}
		req, err := r.Refunds.Request(ctx, refund.RequestOptions{
			PaymentID:   latest.ID,
			Amount:      owed,
			Reason:      fmt.Sprintf("%s from %s to %s", change.ChangeType, change.History.FromPlanID, change.History.ToPlanID),
			RequestedBy: opt.RequestedBy,
		})
		if err != nil {
			return nil, err
		}
		outcome.RefundID = req.ID
	}

	return outcome, nil
}

// InitiateRenewal opens the pending payment for a manual renewal. The
// subscription period only extends when that payment's webhook lands.
func (r *Reconciler) InitiateRenewal(ctx context.Context, subscriptionID string) (*subscription.RenewalOutcome, error) {
	sub, err := r.Subscriptions.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("no subscription with id %s", subscriptionID)
	}
	plan, ok := r.Subscriptions.GetDefinedPlanByID(sub.PlanID)
	if !ok {
		return nil, subscription.ErrPlanNotFound
	}

	amount := sub.TotalAmount
	if amount <= 0 {
		amount = plan.Price
	}
	p, err := r.Payments.Initiate(ctx, payment.InitiateOptions{
		SubscriptionID: sub.ID,
		MemberID:       sub.MemberID,
		Amount:         amount,
		Currency:       plan.Currency,
		Type:           payment.TypeRenewal,
		Description:    fmt.Sprintf("RENEWAL of %s", plan.Name),
		Metadata: map[string]interface{}{
			MetadataRenewalType: RenewalManual,
		},
	})
	if err != nil {
		return nil, err
	}

	return &subscription.RenewalOutcome{
		SubscriptionID: sub.ID,
		PaymentID:      p.ID,
		Amount:         p.Amount,
	}, nil
}

// CompleteBankTransferPayment settles the payment behind a matched bank
// transfer by pushing a synthetic success event through the same
// webhook pipeline, so dedup, activation, sync, and crediting behave
// identically to a gateway delivery.
func (r *Reconciler) CompleteBankTransferPayment(ctx context.Context, webhookID string, transfer *banktransfer.BankTransfer) error {
	amount := transfer.Amount
	_, err := r.HandleWebhook(ctx, payment.WebhookEvent{
		WebhookID:     webhookID,
		PaymentID:     transfer.PaymentID,
		Status:        payment.WebhookStatusSuccess,
		TransactionID: transfer.Code,
		Gateway:       transfer.Gateway,
		Amount:        &amount,
	})
	return err
}
