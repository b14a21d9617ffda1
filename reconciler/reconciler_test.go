package reconciler

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/gymfit/billing/compensation"
	"github.com/gymfit/billing/discount"
	"github.com/gymfit/billing/member"
	"github.com/gymfit/billing/payment"
	"github.com/gymfit/billing/refund"
	"github.com/gymfit/billing/subscription"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakePayments struct {
	payments map[string]*payment.Payment
	invoices map[string]*payment.Invoice
	initiate []payment.InitiateOptions
}

func newFakePayments(payments ...*payment.Payment) *fakePayments {
	f := &fakePayments{
		payments: make(map[string]*payment.Payment),
		invoices: make(map[string]*payment.Invoice),
	}
	for _, p := range payments {
		f.payments[p.ID] = p
	}
	return f
}

func (f *fakePayments) GetByID(ctx context.Context, id string) (*payment.Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (f *fakePayments) Initiate(ctx context.Context, option payment.InitiateOptions) (*payment.Payment, error) {
	f.initiate = append(f.initiate, option)
	p := &payment.Payment{
		ID:             fmt.Sprintf("pay_%d", len(f.initiate)),
		SubscriptionID: option.SubscriptionID,
		MemberID:       option.MemberID,
		Amount:         option.Amount,
		Currency:       option.Currency,
		Status:         payment.StatusPending,
		Type:           option.Type,
		Description:    option.Description,
		Metadata:       option.Metadata,
	}
	f.payments[p.ID] = p
	return p, nil
}

func (f *fakePayments) MarkCompleted(ctx context.Context, id string, option payment.CompleteOptions) (*payment.Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	if option.Amount != nil && math.Abs(*option.Amount-p.Amount) > 0.01 {
		return nil, payment.ErrAmountMismatch
	}
	if p.Status != payment.StatusPending && p.Status != payment.StatusProcessing {
		return nil, payment.ErrInvalidTransition
	}
	now := time.Now()
	p.Status = payment.StatusCompleted
	p.ProcessedAt = &now
	p.TransactionID = option.TransactionID
	copied := *p
	return &copied, nil
}

func (f *fakePayments) MarkFailed(ctx context.Context, id string, reason string) (*payment.Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	if p.Status != payment.StatusPending && p.Status != payment.StatusProcessing {
		return nil, payment.ErrInvalidTransition
	}
	p.Status = payment.StatusFailed
	p.FailureReason = reason
	copied := *p
	return &copied, nil
}

func (f *fakePayments) LatestCompletedForSubscription(ctx context.Context, subscriptionID string) (*payment.Payment, error) {
	for _, p := range f.payments {
		if p.SubscriptionID == subscriptionID && (p.Status == payment.StatusCompleted || p.Status == payment.StatusPartiallyRefunded) {
			copied := *p
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakePayments) EnsureInvoice(ctx context.Context, paymentID string) (*payment.Invoice, error) {
	if inv, ok := f.invoices[paymentID]; ok {
		return inv, nil
	}
	inv := &payment.Invoice{
		ID:        "inv_" + paymentID,
		PaymentID: paymentID,
		Status:    payment.InvoiceOpen,
	}
	f.invoices[paymentID] = inv
	return inv, nil
}

func (f *fakePayments) MarkInvoicePaid(ctx context.Context, paymentID string) (*payment.Invoice, error) {
	inv, ok := f.invoices[paymentID]
	if !ok {
		return nil, nil
	}
	inv.Status = payment.InvoicePaid
	return inv, nil
}

type fakeSubscriptions struct {
	sub             *subscription.Subscription
	plans           map[string]subscription.Plan
	change          *subscription.PlanChange
	activated       []string
	renewCalls      int
	failActivations int
}

func (f *fakeSubscriptions) GetByID(ctx context.Context, id string) (*subscription.Subscription, error) {
	if f.sub == nil || f.sub.ID != id {
		return nil, nil
	}
	copied := *f.sub
	return &copied, nil
}

func (f *fakeSubscriptions) Activate(ctx context.Context, id, billedPlanID string) error {
	if f.failActivations > 0 {
		f.failActivations--
		return fmt.Errorf("subscriptions table is unavailable")
	}
	f.activated = append(f.activated, billedPlanID)
	f.sub.Status = subscription.StatusActive
	f.sub.BilledPlanID = billedPlanID
	return nil
}

func (f *fakeSubscriptions) Renew(ctx context.Context, id string) (*subscription.Subscription, error) {
	f.renewCalls++
	f.sub.Status = subscription.StatusActive
	f.sub.CurrentPeriodEnd = f.sub.CurrentPeriodEnd.AddDate(0, 0, 30)
	copied := *f.sub
	return &copied, nil
}

func (f *fakeSubscriptions) ChangePlan(ctx context.Context, opt subscription.ChangePlanOptions) (*subscription.PlanChange, error) {
	return f.change, nil
}

func (f *fakeSubscriptions) GetDefinedPlanByID(planID string) (subscription.Plan, bool) {
	p, ok := f.plans[planID]
	return p, ok
}

type fakeLedger struct {
	usage    *discount.DiscountUsage
	credited bool
}

func (f *fakeLedger) UsageForSubscription(ctx context.Context, subscriptionID string) (*discount.DiscountUsage, error) {
	return f.usage, nil
}

func (f *fakeLedger) MarkRewardCredited(ctx context.Context, usageID string) (bool, error) {
	if f.credited {
		return false, nil
	}
	f.credited = true
	return true, nil
}

type fakeMembers struct {
	failUpsert bool
	upserts    []member.MembershipUpsert
	credits    []float64
	awards     []float64
	consumed   []string
}

func (f *fakeMembers) GetMember(ctx context.Context, memberID string) (*member.Member, error) {
	return &member.Member{ID: memberID, UserID: "user-" + memberID}, nil
}

func (f *fakeMembers) UpsertMembership(ctx context.Context, userID string, up member.MembershipUpsert) error {
	if f.failUpsert {
		return fmt.Errorf("member-service returned 503")
	}
	f.upserts = append(f.upserts, up)
	return nil
}

func (f *fakeMembers) CreditPoints(ctx context.Context, memberID string, points float64, reason string) error {
	f.credits = append(f.credits, points)
	return nil
}

func (f *fakeMembers) AwardPoints(ctx context.Context, memberID string, points float64, reason string) error {
	f.awards = append(f.awards, points)
	return nil
}

func (f *fakeMembers) ConsumeReward(ctx context.Context, memberID, code string) error {
	f.consumed = append(f.consumed, code)
	return nil
}

type fakeRefunds struct {
	requests []refund.RequestOptions
}

func (f *fakeRefunds) Request(ctx context.Context, option refund.RequestOptions) (*refund.Refund, error) {
	f.requests = append(f.requests, option)
	return &refund.Refund{ID: fmt.Sprintf("ref_%d", len(f.requests)), PaymentID: option.PaymentID, Amount: option.Amount}, nil
}

type fakeMarker struct {
	processed map[string]bool
}

func (f *fakeMarker) IsProcessed(key string) bool {
	return f.processed[key]
}

func (f *fakeMarker) MarkProcessed(key string, ttl time.Duration) error {
	f.processed[key] = true
	return nil
}

type fakeTasks struct {
	stored []compensation.Task
}

func (f *fakeTasks) Store(task compensation.Task, ttl time.Duration) error {
	f.stored = append(f.stored, task)
	return nil
}

type fakePublisher struct {
	events []string
}

func (f *fakePublisher) Publish(room, event string, payload interface{}) error {
	f.events = append(f.events, room+"|"+event)
	return nil
}

func (f *fakePublisher) Close() {}

type fixture struct {
	reconciler *Reconciler
	payments   *fakePayments
	subs       *fakeSubscriptions
	ledger     *fakeLedger
	members    *fakeMembers
	refunds    *fakeRefunds
	marker     *fakeMarker
	tasks      *fakeTasks
	publisher  *fakePublisher
}

func standardPlans() map[string]subscription.Plan {
	return map[string]subscription.Plan{
		"plan-standard": {ID: "plan-standard", Name: "Standard", Currency: "vnd", Price: 500000, DurationDays: 30, MembershipType: "STANDARD"},
		"plan-premium":  {ID: "plan-premium", Name: "Premium", Currency: "vnd", Price: 900000, DurationDays: 30, MembershipType: "PREMIUM"},
	}
}

func newFixture(t *testing.T, payments *fakePayments, subs *fakeSubscriptions) *fixture {
	t.Helper()
	f := &fixture{
		payments:  payments,
		subs:      subs,
		ledger:    &fakeLedger{},
		members:   &fakeMembers{},
		refunds:   &fakeRefunds{},
		marker:    &fakeMarker{processed: make(map[string]bool)},
		tasks:     &fakeTasks{},
		publisher: &fakePublisher{},
	}
	r, err := New(Options{
		Payments:      f.payments,
		Subscriptions: f.subs,
		Discounts:     f.ledger,
		Members:       f.members,
		Refunds:       f.refunds,
		Idempotency:   f.marker,
		Tasks:         f.tasks,
		Producer:      f.publisher,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	f.reconciler = r
	return f
}

func pendingCheckout() (*fakePayments, *fakeSubscriptions) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	payments := newFakePayments(&payment.Payment{
		ID:             "pay_1",
		SubscriptionID: "sub_1",
		MemberID:       "mem_1",
		Amount:         500000,
		Currency:       "vnd",
		Status:         payment.StatusPending,
		Type:           payment.TypeSubscription,
	})
	subs := &fakeSubscriptions{
		sub: &subscription.Subscription{
			ID:                 "sub_1",
			MemberID:           "mem_1",
			PlanID:             "plan-standard",
			Status:             subscription.StatusPending,
			CurrentPeriodStart: start,
			CurrentPeriodEnd:   start.AddDate(0, 0, 30),
			BaseAmount:         500000,
			TotalAmount:        500000,
		},
		plans: standardPlans(),
	}
	return payments, subs
}

func successEvent(webhookID string) payment.WebhookEvent {
	amount := 500000.0
	return payment.WebhookEvent{
		WebhookID:     webhookID,
		PaymentID:     "pay_1",
		Status:        payment.WebhookStatusSuccess,
		TransactionID: "txn_1",
		Gateway:       "sepay",
		Amount:        &amount,
	}
}

func TestHandleWebhookActivatesAndSyncs(t *testing.T) {
	payments, subs := pendingCheckout()
	f := newFixture(t, payments, subs)
	ctx := context.Background()

	outcome, err := f.reconciler.HandleWebhook(ctx, successEvent("wh_1"))
	require.NoError(t, err)
	require.False(t, outcome.Replayed)
	require.Equal(t, payment.StatusCompleted, outcome.Payment.Status)

	// subscription went live on the plan the payment was for
	require.Equal(t, subscription.StatusActive, f.subs.sub.Status)
	require.Equal(t, []string{"plan-standard"}, f.subs.activated)

	// membership snapshot reached member-service
	require.Len(t, f.members.upserts, 1)
	require.Equal(t, "STANDARD", f.members.upserts[0].MembershipType)
	require.Empty(t, f.tasks.stored)

	// invoice issued and settled
	require.Equal(t, payment.InvoicePaid, f.payments.invoices["pay_1"].Status)

	// loyalty points awarded for the settled amount
	require.Equal(t, []float64{500}, f.members.awards)

	require.Equal(t, []string{"member:mem_1|payment:completed"}, f.publisher.events)
	require.True(t, f.marker.processed["wh_1"])
}

func TestHandleWebhookReplayIsIdempotent(t *testing.T) {
	payments, subs := pendingCheckout()
	f := newFixture(t, payments, subs)
	ctx := context.Background()

	_, err := f.reconciler.HandleWebhook(ctx, successEvent("wh_1"))
	require.NoError(t, err)

	outcome, err := f.reconciler.HandleWebhook(ctx, successEvent("wh_1"))
	require.NoError(t, err)
	require.True(t, outcome.Replayed)

	// exactly one activation, one sync, one award
	require.Len(t, f.subs.activated, 1)
	require.Len(t, f.members.upserts, 1)
	require.Len(t, f.members.awards, 1)
}

func TestHandleWebhookLostMarkerStillSettlesOnce(t *testing.T) {
	// simulate a lost idempotency marker: the payment state machine is
	// the second line of defense
	payments, subs := pendingCheckout()
	f := newFixture(t, payments, subs)
	ctx := context.Background()

	_, err := f.reconciler.HandleWebhook(ctx, successEvent("wh_1"))
	require.NoError(t, err)

	delete(f.marker.processed, "wh_1")

	outcome, err := f.reconciler.HandleWebhook(ctx, successEvent("wh_1"))
	require.NoError(t, err)
	require.True(t, outcome.Replayed)
	require.Len(t, f.subs.activated, 1)
	require.Len(t, f.members.awards, 1)
}

func TestHandleWebhookRetryFinishesInterruptedActivation(t *testing.T) {
	// the first delivery settles the payment but dies before the
	// subscription transition, leaving the marker unset. The gateway's
	// retry must pick the pipeline back up rather than treat the
	// settled payment as a finished replay.
	payments, subs := pendingCheckout()
	subs.failActivations = 1
	f := newFixture(t, payments, subs)
	ctx := context.Background()

	_, err := f.reconciler.HandleWebhook(ctx, successEvent("wh_1"))
	require.Error(t, err)
	require.Equal(t, payment.StatusCompleted, f.payments.payments["pay_1"].Status)
	require.Equal(t, subscription.StatusPending, f.subs.sub.Status)
	require.False(t, f.marker.processed["wh_1"])

	outcome, err := f.reconciler.HandleWebhook(ctx, successEvent("wh_1"))
	require.NoError(t, err)
	require.True(t, outcome.Replayed)

	require.Equal(t, subscription.StatusActive, f.subs.sub.Status)
	require.Equal(t, []string{"plan-standard"}, f.subs.activated)
	require.Equal(t, payment.InvoicePaid, f.payments.invoices["pay_1"].Status)
	require.Len(t, f.members.upserts, 1)
	require.Len(t, f.members.awards, 1)
	require.True(t, f.marker.processed["wh_1"])
}

func TestHandleWebhookAmountMismatch(t *testing.T) {
	payments, subs := pendingCheckout()
	f := newFixture(t, payments, subs)
	ctx := context.Background()

	wrong := 123456.0
	event := successEvent("wh_1")
	event.Amount = &wrong

	_, err := f.reconciler.HandleWebhook(ctx, event)
	require.ErrorIs(t, err, payment.ErrAmountMismatch)

	// payment failed, subscription untouched, nothing marked processed
	require.Equal(t, payment.StatusFailed, f.payments.payments["pay_1"].Status)
	require.Equal(t, "AMOUNT_MISMATCH", f.payments.payments["pay_1"].FailureReason)
	require.Equal(t, subscription.StatusPending, f.subs.sub.Status)
	require.Empty(t, f.subs.activated)
	require.False(t, f.marker.processed["wh_1"])
}

func TestHandleWebhookUnknownPayment(t *testing.T) {
	payments, subs := pendingCheckout()
	f := newFixture(t, payments, subs)

	event := successEvent("wh_1")
	event.PaymentID = "pay_missing"

	_, err := f.reconciler.HandleWebhook(context.Background(), event)
	require.ErrorIs(t, err, payment.ErrPaymentNotFound)
}

func TestHandleWebhookFailure(t *testing.T) {
	payments, subs := pendingCheckout()
	f := newFixture(t, payments, subs)

	event := successEvent("wh_1")
	event.Status = payment.WebhookStatusFailed
	event.Reason = "card declined"

	outcome, err := f.reconciler.HandleWebhook(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, payment.StatusFailed, outcome.Payment.Status)
	require.Equal(t, "card declined", outcome.Payment.FailureReason)

	require.Equal(t, subscription.StatusPending, f.subs.sub.Status)
	require.Equal(t, []string{"member:mem_1|payment:failed"}, f.publisher.events)
	require.True(t, f.marker.processed["wh_1"])
}

func TestHandleWebhookMembershipSyncFailureQueuesCompensation(t *testing.T) {
	payments, subs := pendingCheckout()
	f := newFixture(t, payments, subs)
	f.members.failUpsert = true

	outcome, err := f.reconciler.HandleWebhook(context.Background(), successEvent("wh_1"))
	require.NoError(t, err)

	// the payment stays settled, the sync failure is compensated not
	// rolled back
	require.Equal(t, payment.StatusCompleted, outcome.Payment.Status)
	require.Equal(t, subscription.StatusActive, f.subs.sub.Status)

	require.Len(t, f.tasks.stored, 1)
	task := f.tasks.stored[0]
	require.Equal(t, compensation.KindMembershipSync, task.Kind)
	require.Equal(t, "membership:sub_1", task.TaskID)
	require.True(t, f.marker.processed["wh_1"])
}

func TestHandleWebhookCreditsReferralOnce(t *testing.T) {
	referrer := "mem_referrer"
	payments, subs := pendingCheckout()
	f := newFixture(t, payments, subs)
	f.ledger.usage = &discount.DiscountUsage{
		ID:               "usage_1",
		Code:             "FRIEND50",
		MemberID:         "mem_1",
		SubscriptionID:   "sub_1",
		ReferrerMemberID: &referrer,
		ReferrerReward:   200,
	}
	ctx := context.Background()

	_, err := f.reconciler.HandleWebhook(ctx, successEvent("wh_1"))
	require.NoError(t, err)
	require.Equal(t, []float64{200}, f.members.credits)

	// a second delivery that slipped past the marker must not pay twice
	delete(f.marker.processed, "wh_1")
	f.payments.payments["pay_1"].Status = payment.StatusPending
	_, err = f.reconciler.HandleWebhook(ctx, successEvent("wh_1"))
	require.NoError(t, err)
	require.Equal(t, []float64{200}, f.members.credits)
}

func TestHandleWebhookConsumesRewardCode(t *testing.T) {
	payments, subs := pendingCheckout()
	f := newFixture(t, payments, subs)
	f.ledger.usage = &discount.DiscountUsage{
		ID:             "usage_1",
		Code:           "REWARD-XYZ",
		MemberID:       "mem_1",
		SubscriptionID: "sub_1",
	}

	_, err := f.reconciler.HandleWebhook(context.Background(), successEvent("wh_1"))
	require.NoError(t, err)
	require.Equal(t, []string{"REWARD-XYZ"}, f.members.consumed)
	require.Empty(t, f.members.credits)
}

func TestHandleWebhookRenewalExtendsPeriod(t *testing.T) {
	payments, subs := pendingCheckout()
	payments.payments["pay_1"].Type = payment.TypeRenewal
	payments.payments["pay_1"].Metadata = map[string]interface{}{
		MetadataRenewalType: RenewalManual,
	}
	subs.sub.Status = subscription.StatusActive
	f := newFixture(t, payments, subs)

	_, err := f.reconciler.HandleWebhook(context.Background(), successEvent("wh_1"))
	require.NoError(t, err)

	require.Equal(t, 1, f.subs.renewCalls)
	require.Empty(t, f.subs.activated)
}

func TestHandleWebhookUpgradeActivatesTargetPlan(t *testing.T) {
	payments, subs := pendingCheckout()
	payments.payments["pay_1"].Type = payment.TypeUpgrade
	payments.payments["pay_1"].Metadata = map[string]interface{}{
		MetadataChangeType:   "UPGRADE",
		MetadataTargetPlanID: "plan-premium",
	}
	subs.sub.PlanID = "plan-premium"
	f := newFixture(t, payments, subs)

	_, err := f.reconciler.HandleWebhook(context.Background(), successEvent("wh_1"))
	require.NoError(t, err)

	require.Equal(t, []string{"plan-premium"}, f.subs.activated)
	require.Equal(t, "plan-premium", f.subs.sub.BilledPlanID)
}

func TestChangePlanUpgradeOpensPendingPayment(t *testing.T) {
	payments, subs := pendingCheckout()
	subs.change = &subscription.PlanChange{
		Subscription: subs.sub,
		History: &subscription.SubscriptionHistory{
			FromPlanID: "plan-standard",
			ToPlanID:   "plan-premium",
		},
		ChangeType:      subscription.ChangeUpgrade,
		PriceDifference: 267000,
	}
	f := newFixture(t, payments, subs)

	outcome, err := f.reconciler.ChangePlan(context.Background(), subscription.ChangePlanOptions{
		SubscriptionID: "sub_1",
		NewPlanID:      "plan-premium",
	})
	require.NoError(t, err)
	require.NotEmpty(t, outcome.PaymentID)
	require.Empty(t, outcome.RefundID)

	require.Len(t, f.payments.initiate, 1)
	opened := f.payments.initiate[0]
	require.Equal(t, 267000.0, opened.Amount)
	require.Equal(t, payment.TypeUpgrade, opened.Type)
	require.Equal(t, "plan-premium", opened.Metadata[MetadataTargetPlanID])
}

func TestChangePlanDowngradeRequestsRefund(t *testing.T) {
	payments, subs := pendingCheckout()
	now := time.Now()
	payments.payments["pay_1"].Status = payment.StatusCompleted
	payments.payments["pay_1"].ProcessedAt = &now
	subs.change = &subscription.PlanChange{
		Subscription: subs.sub,
		History: &subscription.SubscriptionHistory{
			FromPlanID: "plan-premium",
			ToPlanID:   "plan-standard",
		},
		ChangeType:      subscription.ChangeDowngrade,
		PriceDifference: -266666.67,
	}
	f := newFixture(t, payments, subs)

	outcome, err := f.reconciler.ChangePlan(context.Background(), subscription.ChangePlanOptions{
		SubscriptionID: "sub_1",
		NewPlanID:      "plan-standard",
		RequestedBy:    "mem_1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, outcome.RefundID)
	require.Empty(t, outcome.PaymentID)

	require.Len(t, f.refunds.requests, 1)
	req := f.refunds.requests[0]
	require.Equal(t, "pay_1", req.PaymentID)
	require.InDelta(t, 266666.67, req.Amount, 0.01)
}

func TestChangePlanDowngradeCapsRefundAtRemaining(t *testing.T) {
	payments, subs := pendingCheckout()
	now := time.Now()
	payments.payments["pay_1"].Status = payment.StatusPartiallyRefunded
	payments.payments["pay_1"].ProcessedAt = &now
	payments.payments["pay_1"].RefundedAmount = 400000
	subs.change = &subscription.PlanChange{
		Subscription:    subs.sub,
		History:         &subscription.SubscriptionHistory{FromPlanID: "plan-premium", ToPlanID: "plan-standard"},
		ChangeType:      subscription.ChangeDowngrade,
		PriceDifference: -266666.67,
	}
	f := newFixture(t, payments, subs)

	_, err := f.reconciler.ChangePlan(context.Background(), subscription.ChangePlanOptions{
		SubscriptionID: "sub_1",
		NewPlanID:      "plan-standard",
	})
	require.NoError(t, err)
	require.Len(t, f.refunds.requests, 1)
	require.InDelta(t, 100000, f.refunds.requests[0].Amount, 0.01)
}

func TestInitiateRenewalOpensRenewalPayment(t *testing.T) {
	payments, subs := pendingCheckout()
	f := newFixture(t, payments, subs)

	outcome, err := f.reconciler.InitiateRenewal(context.Background(), "sub_1")
	require.NoError(t, err)
	require.Equal(t, "sub_1", outcome.SubscriptionID)
	require.Equal(t, 500000.0, outcome.Amount)

	require.Len(t, f.payments.initiate, 1)
	opened := f.payments.initiate[0]
	require.Equal(t, payment.TypeRenewal, opened.Type)
	require.Equal(t, RenewalManual, opened.Metadata[MetadataRenewalType])
}
