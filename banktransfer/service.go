package banktransfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	resp "github.com/gymfit/billing/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// PaymentCompleter settles the payment behind a matched transfer
type PaymentCompleter interface {
	CompleteBankTransferPayment(ctx context.Context, webhookID string, transfer *BankTransfer) error
}

// ServiceOptions provides initialization parameters for Service
type ServiceOptions struct {
	TransferManager *Manager
	Completer       PaymentCompleter
	Logger          *zap.Logger
}

// Service is the HTTP surface for bank transfers and the sepay webhook
type Service struct {
	ServiceOptions
	validate *validator.Validate
}

// NewService returns the bank transfer HTTP service
func NewService(option ServiceOptions) (*Service, error) {
	if option.TransferManager == nil {
		return nil, fmt.Errorf("nil TransferManager is invalid")
	}
	if option.Completer == nil {
		return nil, fmt.Errorf("nil Completer is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
		validate:       validator.New(),
	}, nil
}

// SepayWebhookRequest is the notification sepay delivers on every
// account movement
type SepayWebhookRequest struct {
	ID              int64   `json:"id"`
	Gateway         string  `json:"gateway"`
	TransactionDate string  `json:"transactionDate"`
	AccountNumber   string  `json:"accountNumber"`
	Content         string  `json:"content"`
	TransferType    string  `json:"transferType"`
	TransferAmount  float64 `json:"transferAmount"`
	ReferenceCode   string  `json:"referenceCode"`
}

// handleSepayWebhook always answers 200: sepay retries aggressively on
// non-2xx and an unmatched movement (outbound transfer, unrelated
// deposit) is a normal condition, not an error
func (s *Service) handleSepayWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SepayWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteAcknowledge(w, r, false, "Invalid JSON body")
		return
	}

	logger := s.Logger.With(
		zap.Int64("SepayID", req.ID),
		zap.String("Gateway", req.Gateway),
		zap.Float64("TransferAmount", req.TransferAmount),
	)

	if req.TransferType != "in" {
		resp.WriteAcknowledge(w, r, true, "Ignoring outbound transfer")
		return
	}

	code, ok := ParseTransferCode(req.Content)
	if !ok {
		logger.Info("Transfer content carries no recognizable code",
			zap.String("Content", req.Content),
		)
		resp.WriteAcknowledge(w, r, false, "No transfer code found in content")
		return
	}

	transfer, err := s.TransferManager.MatchIncoming(ctx, code, req.TransferAmount, req.Gateway, req.Content)
	if errors.Is(err, ErrNoMatch) {
		logger.Info("No open transfer matches the incoming credit",
			zap.String("Code", code),
		)
		resp.WriteAcknowledge(w, r, false, "No matching transfer found")
		return
	}
	if err != nil {
		logger.Error("Unable to match incoming transfer",
			zap.Error(err),
		)
		resp.WriteAcknowledge(w, r, false, "Unable to match transfer")
		return
	}

	webhookID := fmt.Sprintf("sepay:%d", req.ID)
	if err := s.Completer.CompleteBankTransferPayment(ctx, webhookID, transfer); err != nil {
		logger.Error("Unable to settle payment for matched transfer",
			zap.String("TransferID", transfer.ID),
			zap.String("PaymentID", transfer.PaymentID),
			zap.Error(err),
		)
		resp.WriteAcknowledge(w, r, false, "Transfer matched but payment settlement failed")
		return
	}

	resp.WriteAcknowledge(w, r, true, "Transfer matched")
}

// CreateTransferRequest is the payload for opening a transfer intent
type CreateTransferRequest struct {
	PaymentID string  `json:"paymentId" validate:"required"`
	MemberID  string  `json:"memberId" validate:"required"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
}

func (s *Service) createTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	transfer, err := s.TransferManager.Create(ctx, CreateOptions{
		PaymentID: req.PaymentID,
		MemberID:  req.MemberID,
		Amount:    req.Amount,
	})
	if err != nil {
		s.Logger.Error("Unable to create bank transfer",
			zap.String("PaymentID", req.PaymentID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to create bank transfer"))
		return
	}
	resp.WriteResponse(w, r, transfer)
}

func (s *Service) getTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := s.TransferManager.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if transfer == nil {
		resp.WriteError(w, r, resp.ErrNotFound())
		return
	}
	resp.WriteResponse(w, r, transfer)
}

// WebhookRouter returns the unauthenticated router for bank callbacks
func (s *Service) WebhookRouter() http.Handler {
	r := chi.NewRouter()
	r.Post("/sepay", s.handleSepayWebhook)
	return r
}

// Router returns the chi Router for the bank transfer service
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.createTransfer)
	r.Get("/{id}", s.getTransfer)

	return r
}
