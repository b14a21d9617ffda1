package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gymfit/billing/payment"

	"github.com/go-redis/redis/v7"
	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrSubscriptionExists is returned when a member already has a live
// subscription. Two concurrent checkouts race inside a serializable
// transaction, exactly one wins.
var ErrSubscriptionExists = errors.New("SUBSCRIPTION_EXISTS")

// ErrPlanNotFound is returned when the referenced plan is not defined
var ErrPlanNotFound = errors.New("PLAN_NOT_FOUND")

const planCacheTTL = 24 * time.Hour

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	DB             *gorm.DB
	Redis          redis.UniversalClient
	Logger         *zap.Logger
	PathToPlanJSON string
}

// Manager handles the database operations relating to Subscriptions and
// the defined plan catalog
type Manager struct {
	ManagerOptions
	planArray      []Plan
	planIDIndexMap map[string]int
}

// NewManager returns a new Manager for subscriptions
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.PathToPlanJSON) == 0 {
		return nil, fmt.Errorf("empty PathToPlanJSON is invalid")
	}
	if err := option.DB.AutoMigrate(&Subscription{}, &SubscriptionHistory{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}

	plans, err := loadPlansFromFile(option.PathToPlanJSON)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot populate defined Plans")
	}

	planMap := make(map[string]int)
	for index, p := range plans {
		planMap[p.ID] = index + 1
	}

	m := &Manager{
		ManagerOptions: option,
		planIDIndexMap: planMap,
		planArray:      plans,
	}
	m.cachePlans()
	return m, nil
}

// cachePlans writes the catalog through to Redis under plan:{id} so
// sibling services can resolve plans without a billing-service call.
// Best-effort.
func (m *Manager) cachePlans() {
	if m.Redis == nil {
		return
	}
	for _, p := range m.planArray {
		raw, err := json.Marshal(p)
		if err != nil {
			continue
		}
		if err := m.Redis.Set("plan:"+p.ID, raw, planCacheTTL).Err(); err != nil {
			m.Logger.Warn("Unable to cache plan in Redis",
				zap.String("PlanID", p.ID),
				zap.Error(err),
			)
		}
	}
}

// ListDefinedPlans returns the purchasable (non-retired) plans
func (m *Manager) ListDefinedPlans() []Plan {
	return lo.Filter(m.planArray, func(p Plan, _ int) bool {
		return !p.Retired
	})
}

// GetDefinedPlanByID returns a plan from the catalog, including retired ones
func (m *Manager) GetDefinedPlanByID(planID string) (Plan, bool) {
	index := m.planIDIndexMap[planID]
	if index == 0 {
		return Plan{}, false
	}
	return m.planArray[index-1], true
}

// CreateOptions describes a new subscription checkout
type CreateOptions struct {
	MemberID       string
	PlanID         string
	DiscountAmount float64
}

// Create will create (or revive) the subscription for a member. The
// serializable transaction re-reads any existing row for the member: a
// live subscription, or one that already has a completed payment,
// aborts with ErrSubscriptionExists.
func (m *Manager) Create(ctx context.Context, opt CreateOptions) (*Subscription, error) {
	if len(opt.MemberID) == 0 {
		return nil, fmt.Errorf("CreateOptions.MemberID is required")
	}
	plan, ok := m.GetDefinedPlanByID(opt.PlanID)
	if !ok || plan.Retired {
		return nil, ErrPlanNotFound
	}

	now := time.Now()
	status := StatusPending
	if plan.TrialDays > 0 {
		status = StatusTrial
	}
	periodStart := now
	periodEnd := plan.PeriodEnd(periodStart)

	sub := &Subscription{
		ID:                 shortuuid.New(),
		MemberID:           opt.MemberID,
		PlanID:             plan.ID,
		BilledPlanID:       "",
		Status:             status,
		StartDate:          periodStart,
		EndDate:            periodEnd,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		BaseAmount:         plan.Price,
		DiscountAmount:     opt.DiscountAmount,
		TotalAmount:        plan.Price - opt.DiscountAmount,
	}
	if sub.TotalAmount < 0 {
		sub.TotalAmount = 0
	}

	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Subscription
		result := tx.Where("member_id = ?", opt.MemberID).First(&existing)
		if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return result.Error
		}
		if result.Error == nil {
			if existing.Status == StatusActive || existing.Status == StatusPastDue {
				return ErrSubscriptionExists
			}
			var completed int64
			if err := tx.Model(&payment.Payment{}).
				Where("subscription_id = ?", existing.ID).
				Where("status = ?", payment.StatusCompleted).
				Count(&completed).Error; err != nil {
				return err
			}
			if completed > 0 && !existing.Terminal() {
				return ErrSubscriptionExists
			}
			// revive the existing row so the member_id unique
			// constraint keeps holding
			sub.ID = existing.ID
			sub.CreatedAt = existing.CreatedAt
			return tx.Save(sub).Error
		}
		return tx.Create(sub).Error
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		if errors.Is(err, ErrSubscriptionExists) {
			return nil, ErrSubscriptionExists
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrSubscriptionExists
		}
		m.Logger.Error("Unable to create new subscription in database",
			zap.String("MemberID", opt.MemberID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot create subscription")
	}
	return sub, nil
}

// GetByID will try to return the subscription in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).First(&sub, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by id")
	}
	return &sub, nil
}

// GetByMemberID will try to return the member's subscription
func (m *Manager) GetByMemberID(ctx context.Context, memberID string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).First(&sub, "member_id = ?", memberID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by member id")
	}
	return &sub, nil
}

// Activate marks the subscription active after a completed payment and
// advances the billed plan to the plan that payment was for
func (m *Manager) Activate(ctx context.Context, id, billedPlanID string) error {
	result := m.DB.WithContext(ctx).Model(&Subscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         StatusActive,
			"billed_plan_id": billedPlanID,
		})
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot mark subscription as active")
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no subscription with id %s", id)
	}
	return nil
}

// Renew extends the current billing period by one plan duration after a
// completed manual renewal payment. A lapsed period restarts from now so
// the member is not billed for the gap.
func (m *Manager) Renew(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&sub, "id = ?", id).Error; err != nil {
			return err
		}
		plan, ok := m.GetDefinedPlanByID(sub.PlanID)
		if !ok {
			return ErrPlanNotFound
		}
		now := time.Now()
		newStart := sub.CurrentPeriodEnd
		if newStart.Before(now) {
			newStart = now
		}
		newEnd := plan.PeriodEnd(newStart)

		sub.Status = StatusActive
		sub.BilledPlanID = sub.PlanID
		sub.CurrentPeriodStart = newStart
		sub.CurrentPeriodEnd = newEnd
		sub.EndDate = newEnd
		if err := tx.Save(&sub).Error; err != nil {
			return err
		}
		return tx.Create(&SubscriptionHistory{
			ID:             shortuuid.New(),
			SubscriptionID: sub.ID,
			FromPlanID:     sub.PlanID,
			ToPlanID:       sub.PlanID,
			ChangeReason:   ChangeRenewal,
			OldPrice:       plan.Price,
			NewPrice:       plan.Price,
		}).Error
	})
	if err != nil {
		m.Logger.Error("Unable to renew subscription",
			zap.String("SubscriptionID", id),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot renew subscription")
	}
	return &sub, nil
}

// ChangePlan applies an upgrade or downgrade, writing one history row.
// The proration baseline is the billed plan, not the nominal plan, so a
// re-attempted upgrade whose payment never completed is not charged
// twice.
func (m *Manager) ChangePlan(ctx context.Context, opt ChangePlanOptions) (*PlanChange, error) {
	newPlan, ok := m.GetDefinedPlanByID(opt.NewPlanID)
	if !ok || newPlan.Retired {
		return nil, ErrPlanNotFound
	}

	var change PlanChange
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub Subscription
		if err := tx.First(&sub, "id = ?", opt.SubscriptionID).Error; err != nil {
			return err
		}
		if sub.Terminal() {
			return fmt.Errorf("subscription %s is %s and cannot change plans", sub.ID, sub.Status)
		}
		if alreadyOnPlan(&sub, newPlan.ID) {
			return fmt.Errorf("subscription %s is already on plan %s", sub.ID, newPlan.ID)
		}

		baseline, ok := m.GetDefinedPlanByID(billedPlanID(&sub))
		if !ok {
			return ErrPlanNotFound
		}

		difference := ComputeProration(baseline.Price, newPlan.Price, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, time.Now())
		changeType := ChangeUpgrade
		if newPlan.Price < baseline.Price {
			changeType = ChangeDowngrade
		}

		fromPlanID := sub.PlanID
		sub.PlanID = newPlan.ID
		sub.BaseAmount = newPlan.Price
		sub.TotalAmount = newPlan.Price - sub.DiscountAmount
		if sub.TotalAmount < 0 {
			sub.TotalAmount = 0
		}
		if changeType == ChangeDowngrade {
			// nothing left to pay, the refund settles the difference
			sub.BilledPlanID = newPlan.ID
		}
		if err := tx.Save(&sub).Error; err != nil {
			return err
		}

		history := &SubscriptionHistory{
			ID:              shortuuid.New(),
			SubscriptionID:  sub.ID,
			FromPlanID:      fromPlanID,
			ToPlanID:        newPlan.ID,
			ChangeReason:    changeType,
			OldPrice:        baseline.Price,
			NewPrice:        newPlan.Price,
			PriceDifference: difference,
		}
		if err := tx.Create(history).Error; err != nil {
			return err
		}

		change = PlanChange{
			Subscription:    &sub,
			History:         history,
			ChangeType:      changeType,
			PriceDifference: difference,
		}
		return nil
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		m.Logger.Error("Unable to change subscription plan",
			zap.String("SubscriptionID", opt.SubscriptionID),
			zap.String("NewPlanID", opt.NewPlanID),
			zap.Error(err),
		)
		return nil, err
	}
	return &change, nil
}

// ApplyDiscount records the applied discount on the subscription's
// amounts. The DiscountUsage row itself is owned by discount.Manager.
func (m *Manager) ApplyDiscount(ctx context.Context, id string, amount float64) (*Subscription, error) {
	var sub Subscription
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&sub, "id = ?", id).Error; err != nil {
			return err
		}
		sub.DiscountAmount = amount
		sub.TotalAmount = sub.BaseAmount - amount
		if sub.TotalAmount < 0 {
			sub.TotalAmount = 0
		}
		return tx.Save(&sub).Error
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot apply discount to subscription")
	}
	return &sub, nil
}

// Cancel marks the subscription cancelled by explicit member action
func (m *Manager) Cancel(ctx context.Context, id string) error {
	result := m.DB.WithContext(ctx).Model(&Subscription{}).
		Where("id = ?", id).
		Where("status NOT IN ?", []Status{StatusCancelled, StatusExpired}).
		Update("status", StatusCancelled)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot cancel subscription")
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no live subscription with id %s", id)
	}
	return nil
}

// ExpireLapsed marks every live subscription whose end date has passed
// as expired, writing one history row each. Run daily by the worker.
func (m *Manager) ExpireLapsed(ctx context.Context, now time.Time) (int, error) {
	var expired []Subscription
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("status IN ?", []Status{StatusActive, StatusPastDue, StatusTrial}).
			Where("end_date < ?", now).
			Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		ids := lo.Map(expired, func(s Subscription, _ int) string {
			return s.ID
		})
		if err := tx.Model(&Subscription{}).
			Where("id IN ?", ids).
			Update("status", StatusExpired).Error; err != nil {
			return err
		}
		for _, s := range expired {
			plan, _ := m.GetDefinedPlanByID(s.PlanID)
			if err := tx.Create(&SubscriptionHistory{
				ID:             shortuuid.New(),
				SubscriptionID: s.ID,
				FromPlanID:     s.PlanID,
				ToPlanID:       s.PlanID,
				ChangeReason:   ChangeExpiration,
				OldPrice:       plan.Price,
				NewPrice:       plan.Price,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, extErrors.Wrap(err, "Cannot expire lapsed subscriptions")
	}
	return len(expired), nil
}

// HistoryForSubscription returns the plan-change audit trail, newest first
func (m *Manager) HistoryForSubscription(ctx context.Context, id string) ([]SubscriptionHistory, error) {
	entries := make([]SubscriptionHistory, 0, 4)
	result := m.DB.WithContext(ctx).
		Order("created_at desc").
		Where("subscription_id = ?", id).
		Find(&entries)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot list subscription history")
	}
	return entries, nil
}
