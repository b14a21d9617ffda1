package revenue

import (
	"context"
	"fmt"
	"time"

	"github.com/gymfit/billing/payment"
	"github.com/gymfit/billing/refund"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the revenue rollup over the payment and refund tables
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for revenue reports
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Report{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize revenue.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

type moneySum struct {
	Total float64
	Count int64
}

var settledStatuses = []payment.Status{
	payment.StatusCompleted,
	payment.StatusPartiallyRefunded,
	payment.StatusRefunded,
}

// Generate recomputes the rollup for the day containing at. Running it
// again for the same day overwrites the previous numbers, so late
// webhooks are picked up by the next sweep.
func (m *Manager) Generate(ctx context.Context, at time.Time) (*Report, error) {
	start, end := dayWindow(at)

	var collected moneySum
	err := m.DB.WithContext(ctx).
		Model(&payment.Payment{}).
		Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count").
		Where("processed_at >= ? AND processed_at < ? AND status IN ?", start, end, settledStatuses).
		Scan(&collected).Error
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot aggregate completed payments")
	}

	var perPlan []planSum
	err = m.DB.WithContext(ctx).
		Model(&payment.Payment{}).
		Select("subscriptions.plan_id AS plan_id, COALESCE(SUM(payments.amount), 0) AS total").
		Joins("JOIN subscriptions ON subscriptions.id = payments.subscription_id").
		Where("payments.processed_at >= ? AND payments.processed_at < ? AND payments.status IN ?", start, end, settledStatuses).
		Group("subscriptions.plan_id").
		Scan(&perPlan).Error
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot aggregate payments per plan")
	}

	var returned moneySum
	err = m.DB.WithContext(ctx).
		Model(&refund.Refund{}).
		Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count").
		Where("updated_at >= ? AND updated_at < ? AND status = ?", start, end, refund.StatusProcessed).
		Scan(&returned).Error
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot aggregate processed refunds")
	}

	report := &Report{
		ID:             shortuuid.New(),
		Date:           start,
		GrossAmount:    collected.Total,
		RefundedAmount: returned.Total,
		NetAmount:      collected.Total - returned.Total,
		PaymentCount:   collected.Count,
		RefundCount:    returned.Count,
		PlanBreakdown:  planBreakdown(perPlan),
	}
	err = m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"gross_amount",
				"refunded_amount",
				"net_amount",
				"payment_count",
				"refund_count",
				"plan_breakdown",
				"updated_at",
			}),
		}).
		Create(report).Error
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot upsert revenue report")
	}

	m.Logger.Info("Generated revenue report",
		zap.Time("Date", start),
		zap.Float64("NetAmount", report.NetAmount),
	)
	return report, nil
}

// Range returns the daily reports within [from, to], oldest first
func (m *Manager) Range(ctx context.Context, from, to time.Time) ([]Report, error) {
	fromDay, _ := dayWindow(from)
	_, toEnd := dayWindow(to)

	var reports []Report
	result := m.DB.WithContext(ctx).
		Where("date >= ? AND date < ?", fromDay, toEnd).
		Order("date ASC").
		Find(&reports)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot list revenue reports")
	}
	return reports, nil
}
