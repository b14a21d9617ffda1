package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	resp "github.com/gymfit/billing/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ServiceOptions provides initialization parameters for Service
type ServiceOptions struct {
	PaymentManager *Manager
	Handler        WebhookHandler
	WebhookSecret  string
	Logger         *zap.Logger
}

// Service is the HTTP surface for payments and the gateway webhook
type Service struct {
	ServiceOptions
	validate *validator.Validate
}

// NewService returns the payment HTTP service
func NewService(option ServiceOptions) (*Service, error) {
	if option.PaymentManager == nil {
		return nil, fmt.Errorf("nil PaymentManager is invalid")
	}
	if option.Handler == nil {
		return nil, fmt.Errorf("nil Handler is invalid")
	}
	if len(option.WebhookSecret) == 0 {
		return nil, fmt.Errorf("empty WebhookSecret is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
		validate:       validator.New(),
	}, nil
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unable to read request body"))
		return
	}
	if !VerifySignature(s.WebhookSecret, body, r.Header.Get(SignatureHeader)) {
		resp.WriteError(w, r, resp.ErrInvalidSignature())
		return
	}

	var req WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	logger := s.Logger.With(
		zap.String("WebhookID", req.WebhookID),
		zap.String("PaymentID", req.PaymentID),
		zap.String("Status", req.Status),
	)

	outcome, err := s.Handler.HandleWebhook(ctx, WebhookEvent{
		WebhookID:     req.WebhookID,
		PaymentID:     req.PaymentID,
		Status:        req.Status,
		TransactionID: req.TransactionID,
		Gateway:       req.Gateway,
		Amount:        req.Amount,
		Reason:        req.Reason,
	})
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("PAYMENT_NOT_FOUND"))
		return
	case errors.Is(err, ErrAmountMismatch):
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("AMOUNT_MISMATCH"))
		return
	case err != nil:
		logger.Error("Unable to process webhook",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to process webhook"))
		return
	}

	if outcome.Replayed {
		logger.Info("Webhook delivery replayed, skipping")
	}
	resp.WriteResponse(w, r, outcome)
}

// InitiateRequest is the payload for creating a charge out of band, used
// by operators to collect ad hoc amounts
type InitiateRequest struct {
	SubscriptionID string  `json:"subscriptionId" validate:"required"`
	MemberID       string  `json:"memberId" validate:"required"`
	Amount         float64 `json:"amount" validate:"required,gt=0"`
	Currency       string  `json:"currency" validate:"required"`
	Type           string  `json:"type" validate:"required,oneof=SUBSCRIPTION UPGRADE RENEWAL"`
	Gateway        string  `json:"gateway"`
	Description    string  `json:"description"`
}

func (s *Service) initiatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	p, err := s.PaymentManager.Initiate(ctx, InitiateOptions{
		SubscriptionID: req.SubscriptionID,
		MemberID:       req.MemberID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Type:           Type(req.Type),
		Gateway:        req.Gateway,
		Description:    req.Description,
	})
	if err != nil {
		s.Logger.Error("Unable to initiate payment",
			zap.String("SubscriptionID", req.SubscriptionID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to initiate payment"))
		return
	}
	resp.WriteResponse(w, r, p)
}

func (s *Service) retryPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	paymentID := chi.URLParam(r, "id")

	p, err := s.PaymentManager.Retry(ctx, paymentID)
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		resp.WriteError(w, r, resp.ErrNotFound())
		return
	case errors.Is(err, ErrMaxRetriesExceeded):
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("MAX_RETRIES_EXCEEDED"))
		return
	case errors.Is(err, ErrInvalidTransition):
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Only failed payments can be retried"))
		return
	case err != nil:
		s.Logger.Error("Unable to retry payment",
			zap.String("PaymentID", paymentID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to retry payment"))
		return
	}
	resp.WriteResponse(w, r, p)
}

func (s *Service) getPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	paymentID := chi.URLParam(r, "id")

	p, err := s.PaymentManager.GetByID(ctx, paymentID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if p == nil {
		resp.WriteError(w, r, resp.ErrNotFound())
		return
	}
	resp.WriteResponse(w, r, p)
}

func (s *Service) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := r.URL.Query().Get("subscriptionId")
	if len(subscriptionID) == 0 {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("subscriptionId query parameter is required"))
		return
	}

	payments, err := s.PaymentManager.ListBySubscription(ctx, subscriptionID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, payments)
}

// WebhookRouter returns the unauthenticated router for gateway callbacks
func (s *Service) WebhookRouter() http.Handler {
	r := chi.NewRouter()
	r.Post("/", s.handleWebhook)
	return r
}

// Router returns the chi Router for the payment service
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.listPayments)
	r.Post("/", s.initiatePayment)
	r.Get("/{id}", s.getPayment)
	r.Post("/{id}/retry", s.retryPayment)

	return r
}
