package refund

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gymfit/billing/auth"
	"github.com/gymfit/billing/payment"
	resp "github.com/gymfit/billing/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ServiceOptions provides initialization parameters for Service
type ServiceOptions struct {
	RefundManager *Manager
	Logger        *zap.Logger
}

// Service is the HTTP surface for refunds
type Service struct {
	ServiceOptions
	validate *validator.Validate
}

// NewService returns the refund HTTP service
func NewService(option ServiceOptions) (*Service, error) {
	if option.RefundManager == nil {
		return nil, fmt.Errorf("nil RefundManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
		validate:       validator.New(),
	}, nil
}

func actorFromContext(r *http.Request) string {
	claims, ok := r.Context().Value(auth.Context).(*auth.Claims)
	if !ok || claims == nil {
		return "unknown"
	}
	if len(claims.Subject) > 0 {
		return claims.Subject
	}
	return claims.Service
}

// RequestRefundRequest is the payload for opening a refund
type RequestRefundRequest struct {
	PaymentID string  `json:"paymentId" validate:"required"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
	Reason    string  `json:"reason" validate:"required"`
}

func (s *Service) requestRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RequestRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	refund, err := s.RefundManager.Request(ctx, RequestOptions{
		PaymentID:   req.PaymentID,
		Amount:      req.Amount,
		Reason:      req.Reason,
		RequestedBy: actorFromContext(r),
	})
	switch {
	case errors.Is(err, payment.ErrPaymentNotFound):
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("PAYMENT_NOT_FOUND"))
		return
	case errors.Is(err, ErrNotRefundable):
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("PAYMENT_NOT_REFUNDABLE"))
		return
	case err != nil:
		s.Logger.Error("Unable to request refund",
			zap.String("PaymentID", req.PaymentID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to request refund"))
		return
	}
	resp.WriteResponse(w, r, refund)
}

func (s *Service) writeTransitionResult(w http.ResponseWriter, r *http.Request, refund *Refund, err error) {
	switch {
	case errors.Is(err, ErrRefundNotFound):
		resp.WriteError(w, r, resp.ErrNotFound())
	case errors.Is(err, ErrInvalidState):
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Refund is not in a state that allows this action"))
	case err != nil:
		s.Logger.Error("Unable to update refund",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
	default:
		resp.WriteResponse(w, r, refund)
	}
}

func (s *Service) approveRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := s.RefundManager.Approve(r.Context(), chi.URLParam(r, "id"), actorFromContext(r))
	s.writeTransitionResult(w, r, refund, err)
}

// RejectRequest carries the operator's rejection note
type RejectRequest struct {
	Note string `json:"note"`
}

func (s *Service) rejectRefund(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	// note is optional, tolerate an empty body
	json.NewDecoder(r.Body).Decode(&req)

	refund, err := s.RefundManager.Reject(r.Context(), chi.URLParam(r, "id"), actorFromContext(r), req.Note)
	s.writeTransitionResult(w, r, refund, err)
}

func (s *Service) processRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := s.RefundManager.Process(r.Context(), chi.URLParam(r, "id"), actorFromContext(r))
	s.writeTransitionResult(w, r, refund, err)
}

func (s *Service) getRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := s.RefundManager.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if refund == nil {
		resp.WriteError(w, r, resp.ErrNotFound())
		return
	}
	resp.WriteResponse(w, r, refund)
}

func (s *Service) listRefunds(w http.ResponseWriter, r *http.Request) {
	paymentID := r.URL.Query().Get("paymentId")
	if len(paymentID) == 0 {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("paymentId query parameter is required"))
		return
	}

	refunds, err := s.RefundManager.ListByPayment(r.Context(), paymentID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, refunds)
}

// Router returns the chi Router for the refund service. Approval,
// rejection, and processing are admin actions.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.listRefunds)
	r.Post("/", s.requestRefund)
	r.Get("/{id}", s.getRefund)

	r.Group(func(admin chi.Router) {
		admin.Use(auth.AdminOnly)
		admin.Post("/{id}/approve", s.approveRefund)
		admin.Post("/{id}/reject", s.rejectRefund)
		admin.Post("/{id}/process", s.processRefund)
	})

	return r
}
