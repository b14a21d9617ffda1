package discount

import (
	"strings"
	"time"
)

// RewardCodePrefix marks codes that live in member-service as loyalty
// reward redemptions instead of the local DiscountCode table
const RewardCodePrefix = "REWARD-"

// IsRewardCode reports whether a code should be verified against
// member-service rather than the local catalog
func IsRewardCode(code string) bool {
	return strings.HasPrefix(strings.ToUpper(code), RewardCodePrefix)
}

// Kind determines how a DiscountCode's value is applied
type Kind string

const (
	KindPercent Kind = "PERCENT"
	KindFixed   Kind = "FIXED"
)

// DiscountCode is a locally defined promotion or referral code
type DiscountCode struct {
	ID               string     `json:"id" gorm:"primaryKey"`
	Code             string     `json:"code" gorm:"uniqueIndex;not null"`
	Kind             Kind       `json:"kind" gorm:"not null"`
	Value            float64    `json:"value" gorm:"not null"`
	ReferrerMemberID *string    `json:"referrerMemberId" gorm:"index"`
	ReferrerReward   int64      `json:"referrerReward" gorm:"not null;default:0"`
	MaxUses          int        `json:"maxUses" gorm:"not null;default:0"`
	UsedCount        int        `json:"usedCount" gorm:"not null;default:0"`
	Active           bool       `json:"active" gorm:"not null;default:true"`
	ValidFrom        *time.Time `json:"validFrom"`
	ValidUntil       *time.Time `json:"validUntil"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Usable reports whether the code can still be applied at the given time
func (c *DiscountCode) Usable(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return false
	}
	if c.MaxUses > 0 && c.UsedCount >= c.MaxUses {
		return false
	}
	return true
}

// DiscountUsage records one application of a code to a subscription.
// The unique index on SubscriptionID is the stacking guard: a second
// apply, any code, loses the insert race.
type DiscountUsage struct {
	ID               string     `json:"id" gorm:"primaryKey"`
	Code             string     `json:"code" gorm:"index;not null"`
	MemberID         string     `json:"memberId" gorm:"index;not null"`
	SubscriptionID   string     `json:"subscriptionId" gorm:"uniqueIndex;not null"`
	AmountApplied    float64    `json:"amountApplied" gorm:"not null"`
	ReferrerMemberID *string    `json:"referrerMemberId"`
	ReferrerReward   int64      `json:"referrerReward" gorm:"not null;default:0"`
	RewardCredited   bool       `json:"rewardCredited" gorm:"not null;default:false"`
	RewardCreditedAt *time.Time `json:"rewardCreditedAt"`
	CreatedAt        time.Time  `json:"createdAt"`
}
