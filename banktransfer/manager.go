package banktransfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNoMatch is returned when an incoming transfer matches no open intent
var ErrNoMatch = errors.New("NO_MATCHING_TRANSFER")

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to BankTransfers
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for bank transfers
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&BankTransfer{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize banktransfer.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// CreateOptions describes a new expected transfer
type CreateOptions struct {
	PaymentID string
	MemberID  string
	Amount    float64
}

// Create opens a transfer intent with a fresh code the member puts in
// their transfer note
func (m *Manager) Create(ctx context.Context, option CreateOptions) (*BankTransfer, error) {
	if option.Amount <= 0 {
		return nil, fmt.Errorf("non-positive transfer amount is invalid")
	}
	transfer := &BankTransfer{
		ID:        shortuuid.New(),
		Code:      strings.ToUpper(shortuuid.New()[:8]),
		PaymentID: option.PaymentID,
		MemberID:  option.MemberID,
		Amount:    option.Amount,
		Status:    StatusPending,
		ExpiresAt: time.Now().Add(DefaultTTL),
	}
	if err := m.DB.WithContext(ctx).Create(transfer).Error; err != nil {
		m.Logger.Error("Database returned error",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot create bank transfer")
	}
	return transfer, nil
}

// GetByID will try to return the bank transfer in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*BankTransfer, error) {
	var transfer BankTransfer

	result := m.DB.WithContext(ctx).First(&transfer, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get bank transfer by id")
	}

	return &transfer, nil
}

// MatchIncoming finds the open transfer intent for a bank-reported
// credit. Matching is fuzzy on the code (substring either way) and
// exact on the amount within tolerance.
func (m *Manager) MatchIncoming(ctx context.Context, code string, amount float64, gateway string, content string) (*BankTransfer, error) {
	var matched *BankTransfer
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open []BankTransfer
		result := tx.Where("status IN ?", []Status{StatusPending, StatusChecking}).
			Order("created_at ASC").
			Find(&open)
		if result.Error != nil {
			return result.Error
		}
		for index := range open {
			candidate := &open[index]
			if !codeMatches(candidate.Code, code) {
				continue
			}
			if !amountMatches(candidate.Amount, amount) {
				continue
			}
			now := time.Now()
			candidate.Status = StatusCompleted
			candidate.Gateway = gateway
			candidate.Content = content
			candidate.MatchedAt = &now
			if err := tx.Save(candidate).Error; err != nil {
				return err
			}
			matched = candidate
			return nil
		}
		return ErrNoMatch
	})
	if err != nil {
		return nil, err
	}
	return matched, nil
}

// ExpireStale moves open transfers past their deadline to EXPIRED and
// returns how many were affected
func (m *Manager) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	result := m.DB.WithContext(ctx).
		Model(&BankTransfer{}).
		Where("status IN ? AND expires_at < ?", []Status{StatusPending, StatusChecking}, now).
		Update("status", StatusExpired)
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot expire stale bank transfers")
	}
	if result.RowsAffected > 0 {
		m.Logger.Info("Expired stale bank transfers",
			zap.Int64("Count", result.RowsAffected),
		)
	}
	return result.RowsAffected, nil
}
