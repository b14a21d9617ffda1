package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrPaymentNotFound is returned when the referenced payment does not exist
var ErrPaymentNotFound = errors.New("PAYMENT_NOT_FOUND")

// ErrAmountMismatch is returned when a gateway reports an amount that
// does not match the payment on record
var ErrAmountMismatch = errors.New("AMOUNT_MISMATCH")

// ErrMaxRetriesExceeded is returned when a failed payment has already
// been retried the maximum number of times
var ErrMaxRetriesExceeded = errors.New("MAX_RETRIES_EXCEEDED")

// ErrInvalidTransition is returned when a status change is not allowed
// from the payment's current state
var ErrInvalidTransition = errors.New("INVALID_STATUS_TRANSITION")

// ErrRefundExceedsPayment is returned when a refund would push the
// total refunded past the amount originally paid
var ErrRefundExceedsPayment = errors.New("REFUND_EXCEEDS_PAYMENT")

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to Payments and Invoices
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for payments
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Payment{}, &Invoice{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize payment.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// InitiateOptions describes a new charge to be collected
type InitiateOptions struct {
	SubscriptionID string
	MemberID       string
	Amount         float64
	Currency       string
	Type           Type
	Gateway        string
	Description    string
	Metadata       map[string]interface{}
}

// Initiate records a new PENDING payment. If a pending payment of the
// same type already exists for the subscription with a close-enough
// amount and overlapping description, that one is returned instead so
// a double-submitted checkout never charges twice.
func (m *Manager) Initiate(ctx context.Context, option InitiateOptions) (*Payment, error) {
	var pending *Payment
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []Payment
		result := tx.Where(
			"subscription_id = ? AND type = ? AND status = ?",
			option.SubscriptionID, option.Type, StatusPending,
		).Find(&candidates)
		if result.Error != nil {
			return result.Error
		}
		for index, existing := range candidates {
			if existing.Amount < option.Amount-dedupeAmountWindow ||
				existing.Amount > option.Amount+dedupeAmountWindow {
				continue
			}
			if len(option.Description) > 0 &&
				!strings.Contains(existing.Description, option.Description) &&
				!strings.Contains(option.Description, existing.Description) {
				continue
			}
			pending = &candidates[index]
			return nil
		}

		pending = &Payment{
			ID:             shortuuid.New(),
			SubscriptionID: option.SubscriptionID,
			MemberID:       option.MemberID,
			Amount:         option.Amount,
			Currency:       option.Currency,
			Status:         StatusPending,
			Type:           option.Type,
			Gateway:        option.Gateway,
			Description:    option.Description,
			Metadata:       option.Metadata,
		}
		return tx.Create(pending).Error
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		m.Logger.Error("Database returned error",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot initiate payment")
	}
	return pending, nil
}

// GetByID will try to return the payment in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Payment, error) {
	var p Payment

	result := m.DB.WithContext(ctx).First(&p, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get payment by id")
	}

	return &p, nil
}

// ListBySubscription returns all payments for a subscription, newest first
func (m *Manager) ListBySubscription(ctx context.Context, subscriptionID string) ([]Payment, error) {
	var payments []Payment

	result := m.DB.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC").
		Find(&payments)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot list payments by subscription")
	}

	return payments, nil
}

// LatestCompletedForSubscription returns the most recent settled payment
// for a subscription, or nil if the subscription never settled one
func (m *Manager) LatestCompletedForSubscription(ctx context.Context, subscriptionID string) (*Payment, error) {
	var p Payment

	result := m.DB.WithContext(ctx).
		Where("subscription_id = ? AND status IN ?", subscriptionID, []Status{
			StatusCompleted,
			StatusPartiallyRefunded,
		}).
		Order("processed_at DESC").
		First(&p)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get latest completed payment")
	}

	return &p, nil
}

// Retry re-arms a FAILED payment for another collection attempt.
// A payment can only be retried a fixed number of times.
func (m *Manager) Retry(ctx context.Context, id string) (*Payment, error) {
	var p Payment
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.First(&p, "id = ?", id)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrPaymentNotFound
		}
		if result.Error != nil {
			return result.Error
		}
		if p.Status != StatusFailed {
			return ErrInvalidTransition
		}
		if p.RetryCount >= maxRetries {
			return ErrMaxRetriesExceeded
		}
		p.Status = StatusPending
		p.RetryCount++
		p.FailureReason = ""
		p.FailedAt = nil
		return tx.Save(&p).Error
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CompleteOptions carries the gateway's settlement details
type CompleteOptions struct {
	TransactionID string
	Gateway       string
	Amount        *float64
}

// MarkCompleted settles a payment after the gateway confirms it. When
// the gateway reports an amount, it must match the amount on record.
func (m *Manager) MarkCompleted(ctx context.Context, id string, option CompleteOptions) (*Payment, error) {
	var p Payment
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.First(&p, "id = ?", id)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrPaymentNotFound
		}
		if result.Error != nil {
			return result.Error
		}
		if option.Amount != nil && !amountMatches(*option.Amount, p.Amount) {
			return ErrAmountMismatch
		}
		if !canTransition(p.Status, StatusCompleted) {
			return ErrInvalidTransition
		}
		now := time.Now()
		p.Status = StatusCompleted
		p.ProcessedAt = &now
		if len(option.TransactionID) > 0 {
			p.TransactionID = option.TransactionID
		}
		if len(option.Gateway) > 0 {
			p.Gateway = option.Gateway
		}
		return tx.Save(&p).Error
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkFailed records a failed collection attempt with the gateway's reason
func (m *Manager) MarkFailed(ctx context.Context, id string, reason string) (*Payment, error) {
	var p Payment
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.First(&p, "id = ?", id)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrPaymentNotFound
		}
		if result.Error != nil {
			return result.Error
		}
		if !canTransition(p.Status, StatusFailed) {
			return ErrInvalidTransition
		}
		now := time.Now()
		p.Status = StatusFailed
		p.FailureReason = reason
		p.FailedAt = &now
		return tx.Save(&p).Error
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ApplyRefund deducts a processed refund from the payment. The row is
// locked for the duration so concurrent refunds cannot overdraw the
// amount originally paid.
func (m *Manager) ApplyRefund(ctx context.Context, id string, amount float64) (*Payment, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("non-positive refund amount is invalid")
	}
	var p Payment
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", id)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrPaymentNotFound
		}
		if result.Error != nil {
			return result.Error
		}
		if p.Status != StatusCompleted && p.Status != StatusPartiallyRefunded {
			return ErrInvalidTransition
		}
		if p.RefundedAmount+amount > p.Amount+amountEpsilon {
			return ErrRefundExceedsPayment
		}
		p.RefundedAmount += amount
		if amountMatches(p.RefundedAmount, p.Amount) || p.RefundedAmount > p.Amount {
			p.Status = StatusRefunded
		} else {
			p.Status = StatusPartiallyRefunded
		}
		return tx.Save(&p).Error
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// EnsureInvoice issues the invoice for a settled payment. Calling it
// again for the same payment returns the existing invoice.
func (m *Manager) EnsureInvoice(ctx context.Context, paymentID string) (*Invoice, error) {
	var inv Invoice

	result := m.DB.WithContext(ctx).First(&inv, "payment_id = ?", paymentID)
	if result.Error == nil {
		return &inv, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, extErrors.Wrap(result.Error, "Cannot look up invoice")
	}

	p, err := m.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPaymentNotFound
	}

	now := time.Now()
	inv = Invoice{
		ID:             shortuuid.New(),
		PaymentID:      p.ID,
		SubscriptionID: p.SubscriptionID,
		Number:         fmt.Sprintf("INV-%s-%s", now.Format("200601"), strings.ToUpper(uuid.NewString()[:8])),
		Amount:         p.Amount,
		Currency:       p.Currency,
		Status:         InvoiceOpen,
		IssuedAt:       now,
	}
	if err := m.DB.WithContext(ctx).Create(&inv).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// lost the race to a concurrent webhook delivery
			result = m.DB.WithContext(ctx).First(&inv, "payment_id = ?", paymentID)
			if result.Error == nil {
				return &inv, nil
			}
		}
		return nil, extErrors.Wrap(err, "Cannot create invoice")
	}
	return &inv, nil
}

// MarkInvoicePaid stamps the invoice for a payment as settled
func (m *Manager) MarkInvoicePaid(ctx context.Context, paymentID string) (*Invoice, error) {
	var inv Invoice

	result := m.DB.WithContext(ctx).First(&inv, "payment_id = ?", paymentID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot look up invoice")
	}
	if inv.Status == InvoicePaid {
		return &inv, nil
	}

	now := time.Now()
	inv.Status = InvoicePaid
	inv.PaidAt = &now
	if err := m.DB.WithContext(ctx).Save(&inv).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot mark invoice paid")
	}
	return &inv, nil
}
