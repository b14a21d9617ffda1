package discount

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidCode is returned when the code does not exist, is expired,
// exhausted, or fails reward verification
var ErrInvalidCode = errors.New("INVALID_DISCOUNT_CODE")

// ErrAlreadyApplied is returned when the subscription already carries a
// discount
var ErrAlreadyApplied = errors.New("DISCOUNT_ALREADY_APPLIED")

// rewardDiscountRate is the fraction of the base amount a verified
// reward-redemption code takes off
const rewardDiscountRate = 0.10

// RewardVerifier checks a reward-redemption code against member-service
type RewardVerifier interface {
	VerifyReward(ctx context.Context, memberID string, code string) (bool, error)
}

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	DB      *gorm.DB
	Rewards RewardVerifier
	Logger  *zap.Logger
}

// Manager handles the database operations relating to DiscountCodes and
// their usage ledger
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for discounts
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Rewards == nil {
		return nil, fmt.Errorf("nil Rewards is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&DiscountCode{}, &DiscountUsage{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize discount.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// ApplyOptions describes a code being applied at checkout
type ApplyOptions struct {
	Code           string
	MemberID       string
	SubscriptionID string
	BaseAmount     float64
}

// Apply records a discount against a subscription and returns the usage
// row. At most one usage per subscription: a pre-read rejects stacking
// early and the unique index settles any race.
func (m *Manager) Apply(ctx context.Context, option ApplyOptions) (*DiscountUsage, error) {
	existing, err := m.UsageForSubscription(ctx, option.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyApplied
	}

	usage := &DiscountUsage{
		ID:             shortuuid.New(),
		Code:           option.Code,
		MemberID:       option.MemberID,
		SubscriptionID: option.SubscriptionID,
	}

	if IsRewardCode(option.Code) {
		valid, err := m.Rewards.VerifyReward(ctx, option.MemberID, option.Code)
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot verify reward code")
		}
		if !valid {
			return nil, ErrInvalidCode
		}
		usage.AmountApplied = math.Round(option.BaseAmount * rewardDiscountRate)
		if err := m.DB.WithContext(ctx).Create(usage).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, ErrAlreadyApplied
			}
			return nil, extErrors.Wrap(err, "Cannot record discount usage")
		}
		return usage, nil
	}

	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var code DiscountCode
		result := tx.First(&code, "code = ?", option.Code)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrInvalidCode
		}
		if result.Error != nil {
			return result.Error
		}
		if !code.Usable(time.Now()) {
			return ErrInvalidCode
		}

		switch code.Kind {
		case KindPercent:
			usage.AmountApplied = math.Round(option.BaseAmount * code.Value / 100)
		case KindFixed:
			usage.AmountApplied = math.Min(code.Value, option.BaseAmount)
		default:
			return ErrInvalidCode
		}
		usage.ReferrerMemberID = code.ReferrerMemberID
		usage.ReferrerReward = code.ReferrerReward

		if err := tx.Create(usage).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyApplied
			}
			return err
		}
		return tx.Model(&code).Update("used_count", gorm.Expr("used_count + 1")).Error
	})
	if err != nil {
		if errors.Is(err, ErrInvalidCode) || errors.Is(err, ErrAlreadyApplied) {
			return nil, err
		}
		m.Logger.Error("Database returned error",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot apply discount code")
	}
	return usage, nil
}

// UsageForSubscription returns the usage row for a subscription, or nil
// if no discount has been applied
func (m *Manager) UsageForSubscription(ctx context.Context, subscriptionID string) (*DiscountUsage, error) {
	var usage DiscountUsage

	result := m.DB.WithContext(ctx).First(&usage, "subscription_id = ?", subscriptionID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get discount usage by subscription")
	}

	return &usage, nil
}

// MarkRewardCredited flips the credited flag on a usage row. It returns
// true only for the caller that performed the flip, so the referral
// reward is paid out at most once no matter how many webhook deliveries
// race through here.
func (m *Manager) MarkRewardCredited(ctx context.Context, usageID string) (bool, error) {
	now := time.Now()
	result := m.DB.WithContext(ctx).
		Model(&DiscountUsage{}).
		Where("id = ? AND reward_credited = ?", usageID, false).
		Updates(map[string]interface{}{
			"reward_credited":    true,
			"reward_credited_at": &now,
		})
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot mark reward credited")
	}
	return result.RowsAffected == 1, nil
}

// CreateCodeOptions describes a new promotion or referral code
type CreateCodeOptions struct {
	Code             string
	Kind             Kind
	Value            float64
	ReferrerMemberID *string
	ReferrerReward   int64
	MaxUses          int
	ValidFrom        *time.Time
	ValidUntil       *time.Time
}

// CreateCode defines a new code in the local catalog
func (m *Manager) CreateCode(ctx context.Context, option CreateCodeOptions) (*DiscountCode, error) {
	if option.Kind != KindPercent && option.Kind != KindFixed {
		return nil, fmt.Errorf("unknown discount kind %q is invalid", option.Kind)
	}
	if option.Value <= 0 {
		return nil, fmt.Errorf("non-positive discount value is invalid")
	}
	if IsRewardCode(option.Code) {
		return nil, fmt.Errorf("reward prefix is reserved for member-service codes")
	}

	code := &DiscountCode{
		ID:               shortuuid.New(),
		Code:             option.Code,
		Kind:             option.Kind,
		Value:            option.Value,
		ReferrerMemberID: option.ReferrerMemberID,
		ReferrerReward:   option.ReferrerReward,
		MaxUses:          option.MaxUses,
		Active:           true,
		ValidFrom:        option.ValidFrom,
		ValidUntil:       option.ValidUntil,
	}
	if err := m.DB.WithContext(ctx).Create(code).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot create discount code")
	}
	return code, nil
}
