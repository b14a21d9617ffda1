package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gymfit/billing/broker"
	"github.com/gymfit/billing/identity"
	"github.com/gymfit/billing/payment"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrRefundNotFound is returned when the referenced refund does not exist
var ErrRefundNotFound = errors.New("REFUND_NOT_FOUND")

// ErrNotRefundable is returned when the payment cannot take the
// requested refund
var ErrNotRefundable = errors.New("PAYMENT_NOT_REFUNDABLE")

// ErrInvalidState is returned when the refund is not in the state the
// operation requires
var ErrInvalidState = errors.New("INVALID_REFUND_STATE")

// AdminDirectory lists the operators to notify about pending refunds
type AdminDirectory interface {
	ListAdmins(ctx context.Context) ([]identity.Admin, error)
}

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	DB       *gorm.DB
	Payments *payment.Manager
	Admins   AdminDirectory
	Producer broker.Publisher
	Logger   *zap.Logger
}

// Manager handles the database operations relating to Refunds
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for refunds
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Payments == nil {
		return nil, fmt.Errorf("nil Payments is invalid")
	}
	if option.Admins == nil {
		return nil, fmt.Errorf("nil Admins is invalid")
	}
	if option.Producer == nil {
		return nil, fmt.Errorf("nil Producer is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Refund{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize refund.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// RequestOptions describes a new refund request
type RequestOptions struct {
	PaymentID   string
	Amount      float64
	Reason      string
	RequestedBy string
}

// Request opens a PENDING refund against a completed payment and fans
// out a notification to every admin. Notification delivery is best
// effort, the refund row is the source of truth.
func (m *Manager) Request(ctx context.Context, option RequestOptions) (*Refund, error) {
	if option.Amount <= 0 {
		return nil, fmt.Errorf("non-positive refund amount is invalid")
	}

	p, err := m.Payments.GetByID(ctx, option.PaymentID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, payment.ErrPaymentNotFound
	}
	if !p.Refundable() || option.Amount > p.Amount-p.RefundedAmount {
		return nil, ErrNotRefundable
	}

	now := time.Now()
	r := &Refund{
		ID:          shortuuid.New(),
		PaymentID:   p.ID,
		Amount:      option.Amount,
		Status:      StatusPending,
		Reason:      option.Reason,
		RequestedBy: option.RequestedBy,
		Timeline: appendTimeline(nil, TimelineEntry{
			Status: StatusPending,
			Actor:  option.RequestedBy,
			Note:   option.Reason,
			At:     now,
		}),
	}
	if err := m.DB.WithContext(ctx).Create(r).Error; err != nil {
		m.Logger.Error("Database returned error",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot create refund")
	}

	m.notifyAdmins(ctx, r)

	return r, nil
}

func (m *Manager) notifyAdmins(ctx context.Context, r *Refund) {
	admins, err := m.Admins.ListAdmins(ctx)
	if err != nil {
		m.Logger.Warn("Unable to list admins for refund notification",
			zap.String("RefundID", r.ID),
			zap.Error(err),
		)
		return
	}
	for _, admin := range admins {
		if err := m.Producer.Publish("admin:"+admin.ID, "refund:pending", r); err != nil {
			m.Logger.Warn("Unable to notify admin of pending refund",
				zap.String("RefundID", r.ID),
				zap.String("AdminID", admin.ID),
				zap.Error(err),
			)
		}
	}
}

// GetByID will try to return the refund in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Refund, error) {
	var r Refund

	result := m.DB.WithContext(ctx).First(&r, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get refund by id")
	}

	return &r, nil
}

// ListByPayment returns all refunds against a payment, oldest first
func (m *Manager) ListByPayment(ctx context.Context, paymentID string) ([]Refund, error) {
	var refunds []Refund

	result := m.DB.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Find(&refunds)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot list refunds by payment")
	}

	return refunds, nil
}

func (m *Manager) transition(ctx context.Context, id string, from, to Status, mutate func(r *Refund)) (*Refund, error) {
	var r Refund
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.First(&r, "id = ?", id)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrRefundNotFound
		}
		if result.Error != nil {
			return result.Error
		}
		if r.Status != from {
			return ErrInvalidState
		}
		r.Status = to
		mutate(&r)
		return tx.Save(&r).Error
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Approve moves a PENDING refund to APPROVED
func (m *Manager) Approve(ctx context.Context, id string, approvedBy string) (*Refund, error) {
	return m.transition(ctx, id, StatusPending, StatusApproved, func(r *Refund) {
		r.ApprovedBy = &approvedBy
		r.Timeline = appendTimeline(r.Timeline, TimelineEntry{
			Status: StatusApproved,
			Actor:  approvedBy,
			At:     time.Now(),
		})
	})
}

// Reject moves a PENDING refund to REJECTED
func (m *Manager) Reject(ctx context.Context, id string, rejectedBy string, note string) (*Refund, error) {
	return m.transition(ctx, id, StatusPending, StatusRejected, func(r *Refund) {
		r.Timeline = appendTimeline(r.Timeline, TimelineEntry{
			Status: StatusRejected,
			Actor:  rejectedBy,
			Note:   note,
			At:     time.Now(),
		})
	})
}

// Process executes an APPROVED refund against the payment. The payment
// side enforces the refunded-amount bound under a row lock, so a refund
// that would overdraw the payment lands in FAILED instead of moving
// money.
func (m *Manager) Process(ctx context.Context, id string, processedBy string) (*Refund, error) {
	r, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrRefundNotFound
	}
	if r.Status != StatusApproved {
		return nil, ErrInvalidState
	}

	if _, err := m.Payments.ApplyRefund(ctx, r.PaymentID, r.Amount); err != nil {
		failed, ferr := m.transition(ctx, id, StatusApproved, StatusFailed, func(r *Refund) {
			r.Timeline = appendTimeline(r.Timeline, TimelineEntry{
				Status: StatusFailed,
				Actor:  processedBy,
				Note:   err.Error(),
				At:     time.Now(),
			})
		})
		if ferr != nil {
			return nil, ferr
		}
		m.Logger.Error("Refund failed to process",
			zap.String("RefundID", id),
			zap.Error(err),
		)
		return failed, nil
	}

	return m.transition(ctx, id, StatusApproved, StatusProcessed, func(r *Refund) {
		r.Timeline = appendTimeline(r.Timeline, TimelineEntry{
			Status: StatusProcessed,
			Actor:  processedBy,
			At:     time.Now(),
		})
	})
}
