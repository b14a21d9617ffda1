package payment

import (
	"time"

	"gorm.io/datatypes"
)

// Payment is a single charge attempt against a subscription. A payment
// starts PENDING and is moved along by gateway webhooks or operator
// action, never edited in place by callers.
type Payment struct {
	ID             string            `json:"id" gorm:"primaryKey"`
	SubscriptionID string            `json:"subscriptionId" gorm:"index;not null"`
	MemberID       string            `json:"memberId" gorm:"index;not null"`
	Amount         float64           `json:"amount" gorm:"not null"`
	RefundedAmount float64           `json:"refundedAmount" gorm:"not null;default:0"`
	Currency       string            `json:"currency" gorm:"not null"`
	Status         Status            `json:"status" gorm:"index;not null"`
	Type           Type              `json:"type" gorm:"not null"`
	Gateway        string            `json:"gateway"`
	TransactionID  string            `json:"transactionId" gorm:"index"`
	Description    string            `json:"description"`
	RetryCount     int               `json:"retryCount" gorm:"not null;default:0"`
	Metadata       datatypes.JSONMap `json:"metadata"`
	FailureReason  string            `json:"failureReason"`
	ProcessedAt    *time.Time        `json:"processedAt"`
	FailedAt       *time.Time        `json:"failedAt"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Refundable returns true if more money can still be returned against
// this payment
func (p *Payment) Refundable() bool {
	return (p.Status == StatusCompleted || p.Status == StatusPartiallyRefunded) &&
		p.RefundedAmount < p.Amount
}

// Invoice is the billing document issued once a payment settles
type Invoice struct {
	ID             string     `json:"id" gorm:"primaryKey"`
	PaymentID      string     `json:"paymentId" gorm:"uniqueIndex;not null"`
	SubscriptionID string     `json:"subscriptionId" gorm:"index;not null"`
	Number         string     `json:"number" gorm:"uniqueIndex;not null"`
	Amount         float64    `json:"amount" gorm:"not null"`
	Currency       string     `json:"currency" gorm:"not null"`
	Status         string     `json:"status" gorm:"not null"`
	IssuedAt       time.Time  `json:"issuedAt"`
	PaidAt         *time.Time `json:"paidAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}
