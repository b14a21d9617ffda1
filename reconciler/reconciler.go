package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gymfit/billing/broker"
	"github.com/gymfit/billing/compensation"
	"github.com/gymfit/billing/discount"
	"github.com/gymfit/billing/idempotency"
	"github.com/gymfit/billing/member"
	"github.com/gymfit/billing/payment"
	"github.com/gymfit/billing/refund"
	"github.com/gymfit/billing/subscription"

	"go.uber.org/zap"
)

// Metadata keys a payment carries so the webhook side knows which
// subscription transition the settlement pays for
const (
	MetadataChangeType   = "change_type"
	MetadataTargetPlanID = "target_plan_id"
	MetadataRenewalType  = "renewal_type"

	RenewalManual = "MANUAL"
)

// loyaltyPointsPerUnit converts paid minor units into loyalty points
const loyaltyPointsPerUnit = 1000.0

// PaymentStore is the slice of payment.Manager the reconciler drives
type PaymentStore interface {
	GetByID(ctx context.Context, id string) (*payment.Payment, error)
	Initiate(ctx context.Context, option payment.InitiateOptions) (*payment.Payment, error)
	MarkCompleted(ctx context.Context, id string, option payment.CompleteOptions) (*payment.Payment, error)
	MarkFailed(ctx context.Context, id string, reason string) (*payment.Payment, error)
	LatestCompletedForSubscription(ctx context.Context, subscriptionID string) (*payment.Payment, error)
	EnsureInvoice(ctx context.Context, paymentID string) (*payment.Invoice, error)
	MarkInvoicePaid(ctx context.Context, paymentID string) (*payment.Invoice, error)
}

// SubscriptionStore is the slice of subscription.Manager the reconciler drives
type SubscriptionStore interface {
	GetByID(ctx context.Context, id string) (*subscription.Subscription, error)
	Activate(ctx context.Context, id, billedPlanID string) error
	Renew(ctx context.Context, id string) (*subscription.Subscription, error)
	ChangePlan(ctx context.Context, opt subscription.ChangePlanOptions) (*subscription.PlanChange, error)
	GetDefinedPlanByID(planID string) (subscription.Plan, bool)
}

// DiscountLedger gates the at-most-once referral payout
type DiscountLedger interface {
	UsageForSubscription(ctx context.Context, subscriptionID string) (*discount.DiscountUsage, error)
	MarkRewardCredited(ctx context.Context, usageID string) (bool, error)
}

// MemberDirectory is the slice of the member-service client the
// reconciler consumes
type MemberDirectory interface {
	GetMember(ctx context.Context, memberID string) (*member.Member, error)
	UpsertMembership(ctx context.Context, userID string, up member.MembershipUpsert) error
	CreditPoints(ctx context.Context, memberID string, points float64, reason string) error
	AwardPoints(ctx context.Context, memberID string, points float64, reason string) error
	ConsumeReward(ctx context.Context, memberID, code string) error
}

// RefundRequester opens the refund that settles a downgrade
type RefundRequester interface {
	Request(ctx context.Context, option refund.RequestOptions) (*refund.Refund, error)
}

// Marker deduplicates webhook deliveries
type Marker interface {
	IsProcessed(key string) bool
	MarkProcessed(key string, ttl time.Duration) error
}

// TaskStore persists the compensation record when the membership sync fails
type TaskStore interface {
	Store(task compensation.Task, ttl time.Duration) error
}

// Options provides initialization parameters for Reconciler
type Options struct {
	Payments      PaymentStore
	Subscriptions SubscriptionStore
	Discounts     DiscountLedger
	Members       MemberDirectory
	Refunds       RefundRequester
	Idempotency   Marker
	Tasks         TaskStore
	Producer      broker.Publisher
	Logger        *zap.Logger
}

// Reconciler drives the payment/subscription workflow: webhook
// settlement, plan changes, renewals, and the cross-service membership
// sync with its compensation fallback.
//
// Ordering within one webhook: payment status first, then subscription
// state, then cross-service sync, then referral credit. A failed sync is
// isolated into a compensation task rather than rolling anything back.
type Reconciler struct {
	Options
}

// New returns a Reconciler
func New(option Options) (*Reconciler, error) {
	if option.Payments == nil {
		return nil, fmt.Errorf("nil Payments is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Discounts == nil {
		return nil, fmt.Errorf("nil Discounts is invalid")
	}
	if option.Members == nil {
		return nil, fmt.Errorf("nil Members is invalid")
	}
	if option.Refunds == nil {
		return nil, fmt.Errorf("nil Refunds is invalid")
	}
	if option.Idempotency == nil {
		return nil, fmt.Errorf("nil Idempotency is invalid")
	}
	if option.Tasks == nil {
		return nil, fmt.Errorf("nil Tasks is invalid")
	}
	if option.Producer == nil {
		return nil, fmt.Errorf("nil Producer is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Reconciler{
		Options: option,
	}, nil
}

// HandleWebhook processes one verified gateway delivery. Safe to call
// any number of times with the same WebhookID: the idempotency marker
// short-circuits replays, and every money-moving step behind it is
// guarded by a database constraint as well.
func (r *Reconciler) HandleWebhook(ctx context.Context, event payment.WebhookEvent) (*payment.WebhookOutcome, error) {
	logger := r.Logger.With(
		zap.String("WebhookID", event.WebhookID),
		zap.String("PaymentID", event.PaymentID),
		zap.String("Status", event.Status),
	)

	if r.Idempotency.IsProcessed(event.WebhookID) {
		logger.Info("Webhook delivery already processed")
		p, err := r.Payments.GetByID(ctx, event.PaymentID)
		if err != nil {
			return nil, err
		}
		return &payment.WebhookOutcome{Replayed: true, Payment: p}, nil
	}

	p, err := r.Payments.GetByID(ctx, event.PaymentID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, payment.ErrPaymentNotFound
	}

	if event.Status == payment.WebhookStatusFailed {
		return r.handleFailure(ctx, logger, p, event)
	}
	return r.handleSuccess(ctx, logger, p, event)
}

func (r *Reconciler) handleFailure(ctx context.Context, logger *zap.Logger, p *payment.Payment, event payment.WebhookEvent) (*payment.WebhookOutcome, error) {
	failed, err := r.Payments.MarkFailed(ctx, p.ID, event.Reason)
	if errors.Is(err, payment.ErrInvalidTransition) {
		// the payment already left PENDING, a stale delivery
		logger.Info("Ignoring failure webhook for settled payment",
			zap.String("PaymentStatus", string(p.Status)),
		)
		r.Idempotency.MarkProcessed(event.WebhookID, idempotency.DefaultTTL)
		return &payment.WebhookOutcome{Replayed: true, Payment: p}, nil
	}
	if err != nil {
		return nil, err
	}

	r.publish("member:"+p.MemberID, "payment:failed", failed)
	r.Idempotency.MarkProcessed(event.WebhookID, idempotency.DefaultTTL)
	return &payment.WebhookOutcome{Payment: failed}, nil
}

func (r *Reconciler) handleSuccess(ctx context.Context, logger *zap.Logger, p *payment.Payment, event payment.WebhookEvent) (*payment.WebhookOutcome, error) {
	resumed := false
	completed, err := r.Payments.MarkCompleted(ctx, p.ID, payment.CompleteOptions{
		TransactionID: event.TransactionID,
		Gateway:       event.Gateway,
		Amount:        event.Amount,
	})
	if errors.Is(err, payment.ErrAmountMismatch) {
		// the gateway settled a different amount than we asked for.
		// Fail the payment and leave the subscription untouched so an
		// operator reconciles it by hand.
		if _, ferr := r.Payments.MarkFailed(ctx, p.ID, "AMOUNT_MISMATCH"); ferr != nil {
			logger.Error("Unable to fail payment after amount mismatch",
				zap.Error(ferr),
			)
		}
		return nil, payment.ErrAmountMismatch
	}
	if errors.Is(err, payment.ErrInvalidTransition) {
		if p.Status != payment.StatusCompleted && p.Status != payment.StatusPartiallyRefunded {
			// a success delivery for a payment that went elsewhere
			logger.Info("Ignoring stale success delivery",
				zap.String("PaymentStatus", string(p.Status)),
			)
			r.Idempotency.MarkProcessed(event.WebhookID, idempotency.DefaultTTL)
			return &payment.WebhookOutcome{Replayed: true, Payment: p}, nil
		}
		// the payment settled on an earlier delivery that never reached
		// the marker, so the steps after MarkCompleted may still be
		// outstanding. Resume them instead of short-circuiting.
		logger.Info("Payment already settled, resuming reconciliation",
			zap.String("PaymentStatus", string(p.Status)),
		)
		completed = p
		resumed = true
	} else if err != nil {
		return nil, err
	}

	if !resumed {
		if points := math.Floor(completed.Amount / loyaltyPointsPerUnit); points > 0 {
			if err := r.Members.AwardPoints(ctx, completed.MemberID, points, "payment "+completed.ID); err != nil {
				logger.Warn("Unable to award loyalty points",
					zap.Error(err),
				)
			}
		}
	}

	inv, err := r.Payments.EnsureInvoice(ctx, completed.ID)
	if err != nil {
		logger.Error("Unable to issue invoice",
			zap.Error(err),
		)
	}

	var sub *subscription.Subscription
	if resumed && inv != nil && inv.Status == payment.InvoicePaid {
		// a paid invoice means the transition already landed, only the
		// steps after it can be outstanding
		sub, err = r.Subscriptions.GetByID(ctx, completed.SubscriptionID)
	} else {
		sub, err = r.applySubscriptionTransition(ctx, logger, completed)
	}
	if err != nil {
		return nil, err
	}

	if _, err := r.Payments.MarkInvoicePaid(ctx, completed.ID); err != nil {
		logger.Error("Unable to mark invoice paid",
			zap.Error(err),
		)
	}

	if sub != nil {
		r.syncMembership(ctx, logger, sub)
		r.creditReferral(ctx, logger, sub)
		r.publish("member:"+sub.MemberID, "payment:completed", completed)
	}

	r.Idempotency.MarkProcessed(event.WebhookID, idempotency.DefaultTTL)
	return &payment.WebhookOutcome{Replayed: resumed, Payment: completed}, nil
}

// applySubscriptionTransition moves the subscription according to what
// the settled payment was for, then returns the fresh row
func (r *Reconciler) applySubscriptionTransition(ctx context.Context, logger *zap.Logger, p *payment.Payment) (*subscription.Subscription, error) {
	if metaString(p.Metadata, MetadataRenewalType) == RenewalManual {
		if _, err := r.Subscriptions.Renew(ctx, p.SubscriptionID); err != nil {
			return nil, err
		}
		return r.Subscriptions.GetByID(ctx, p.SubscriptionID)
	}

	billedPlanID := metaString(p.Metadata, MetadataTargetPlanID)
	if len(billedPlanID) == 0 {
		sub, err := r.Subscriptions.GetByID(ctx, p.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			logger.Error("Settled payment references a missing subscription",
				zap.String("SubscriptionID", p.SubscriptionID),
			)
			return nil, nil
		}
		billedPlanID = sub.PlanID
	}
	if err := r.Subscriptions.Activate(ctx, p.SubscriptionID, billedPlanID); err != nil {
		return nil, err
	}
	return r.Subscriptions.GetByID(ctx, p.SubscriptionID)
}

// syncMembership pushes the paid subscription into member-service. A
// failure here never unwinds the payment: the snapshot goes into the
// compensation queue and the sweeper replays it.
func (r *Reconciler) syncMembership(ctx context.Context, logger *zap.Logger, sub *subscription.Subscription) {
	plan, _ := r.Subscriptions.GetDefinedPlanByID(sub.PlanID)

	snapshot := member.MembershipUpsert{
		MemberID:       sub.MemberID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		MembershipType: plan.MembershipType,
		StartDate:      sub.CurrentPeriodStart,
		EndDate:        sub.CurrentPeriodEnd,
	}

	var userID string
	mem, err := r.Members.GetMember(ctx, sub.MemberID)
	if err == nil {
		userID = mem.UserID
		err = r.Members.UpsertMembership(ctx, userID, snapshot)
	}
	if err == nil {
		return
	}

	logger.Warn("Membership sync failed, queueing compensation task",
		zap.String("SubscriptionID", sub.ID),
		zap.Error(err),
	)
	task, terr := compensation.NewMembershipSyncTask("membership:"+sub.ID, compensation.MembershipSyncPayload{
		UserID:         userID,
		MemberID:       snapshot.MemberID,
		SubscriptionID: snapshot.SubscriptionID,
		PlanID:         snapshot.PlanID,
		MembershipType: snapshot.MembershipType,
		StartDate:      snapshot.StartDate,
		EndDate:        snapshot.EndDate,
	})
	if terr != nil {
		logger.Error("Unable to build compensation task",
			zap.Error(terr),
		)
		return
	}
	if err := r.Tasks.Store(task, compensation.DefaultTTL); err != nil {
		logger.Error("Unable to persist compensation task",
			zap.String("SubscriptionID", sub.ID),
			zap.Error(err),
		)
	}
}

// creditReferral pays out the referral reward behind the ledger's
// at-most-once gate. Only the caller that flips the credited flag
// performs the member-service calls.
func (r *Reconciler) creditReferral(ctx context.Context, logger *zap.Logger, sub *subscription.Subscription) {
	usage, err := r.Discounts.UsageForSubscription(ctx, sub.ID)
	if err != nil {
		logger.Error("Unable to look up discount usage",
			zap.String("SubscriptionID", sub.ID),
			zap.Error(err),
		)
		return
	}
	if usage == nil {
		return
	}

	hasReferral := usage.ReferrerMemberID != nil && usage.ReferrerReward > 0
	isReward := discount.IsRewardCode(usage.Code)
	if !hasReferral && !isReward {
		return
	}

	first, err := r.Discounts.MarkRewardCredited(ctx, usage.ID)
	if err != nil {
		logger.Error("Unable to mark reward credited",
			zap.String("UsageID", usage.ID),
			zap.Error(err),
		)
		return
	}
	if !first {
		return
	}

	if hasReferral {
		if err := r.Members.CreditPoints(ctx, *usage.ReferrerMemberID, float64(usage.ReferrerReward), "referral "+usage.Code); err != nil {
			// the flag already flipped; surfacing loudly so an
			// operator can credit by hand
			logger.Error("Referral credit failed after gate flip",
				zap.String("UsageID", usage.ID),
				zap.String("ReferrerMemberID", *usage.ReferrerMemberID),
				zap.Error(err),
			)
		}
	}
	if isReward {
		if err := r.Members.ConsumeReward(ctx, usage.MemberID, usage.Code); err != nil {
			logger.Error("Reward consumption failed after gate flip",
				zap.String("UsageID", usage.ID),
				zap.Error(err),
			)
		}
	}
}

func (r *Reconciler) publish(room, event string, payload interface{}) {
	if err := r.Producer.Publish(room, event, payload); err != nil {
		r.Logger.Warn("Unable to publish notification",
			zap.String("Room", room),
			zap.String("Event", event),
			zap.Error(err),
		)
	}
}

func metaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if val, ok := meta[key].(string); ok {
		return val
	}
	return ""
}
