package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gymfit/billing/discount"
	resp "github.com/gymfit/billing/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ServiceOptions provides initialization parameters for Service
type ServiceOptions struct {
	SubscriptionManager *Manager
	Changer             PlanChanger
	Renewer             RenewalInitiator
	Discounts           *discount.Manager
	Logger              *zap.Logger
}

// Service is the HTTP surface for subscriptions
type Service struct {
	ServiceOptions
	validate *validator.Validate
}

// NewService returns the subscription HTTP service
func NewService(option ServiceOptions) (*Service, error) {
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.Changer == nil {
		return nil, fmt.Errorf("nil Changer is invalid")
	}
	if option.Renewer == nil {
		return nil, fmt.Errorf("nil Renewer is invalid")
	}
	if option.Discounts == nil {
		return nil, fmt.Errorf("nil Discounts is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
		validate:       validator.New(),
	}, nil
}

// CreateRequest is the checkout payload
type CreateRequest struct {
	MemberID     string `json:"memberId" validate:"required"`
	PlanID       string `json:"planId" validate:"required"`
	DiscountCode string `json:"discountCode"`
}

func (s *Service) createSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	logger := s.Logger.With(
		zap.String("MemberID", req.MemberID),
		zap.String("PlanID", req.PlanID),
	)

	sub, err := s.SubscriptionManager.Create(ctx, CreateOptions{
		MemberID: req.MemberID,
		PlanID:   req.PlanID,
	})
	if errors.Is(err, ErrSubscriptionExists) {
		resp.WriteError(w, r, resp.ErrConflict().AddMessages("SUBSCRIPTION_EXISTS"))
		return
	}
	if errors.Is(err, ErrPlanNotFound) {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("PLAN_NOT_FOUND"))
		return
	}
	if err != nil {
		logger.Error("Unable to create subscription",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to create subscription"))
		return
	}

	if len(req.DiscountCode) > 0 {
		usage, err := s.Discounts.Apply(ctx, discount.ApplyOptions{
			Code:           req.DiscountCode,
			MemberID:       req.MemberID,
			SubscriptionID: sub.ID,
			BaseAmount:     sub.BaseAmount,
		})
		switch {
		case errors.Is(err, discount.ErrAlreadyApplied):
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("A discount is already applied to this subscription"))
			return
		case errors.Is(err, discount.ErrInvalidCode):
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Discount code is not valid"))
			return
		case err != nil:
			logger.Error("Unable to apply discount",
				zap.String("Code", req.DiscountCode),
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to apply discount"))
			return
		}
		if sub, err = s.SubscriptionManager.ApplyDiscount(ctx, sub.ID, usage.AmountApplied); err != nil {
			logger.Error("Unable to record discount amounts",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to apply discount"))
			return
		}
	}

	resp.WriteResponse(w, r, sub)
}

// ChangeRequest is the upgrade/downgrade payload
type ChangeRequest struct {
	NewPlanID   string `json:"newPlanId" validate:"required"`
	RequestedBy string `json:"requestedBy"`
}

func (s *Service) changePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := chi.URLParam(r, "id")

	var req ChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	outcome, err := s.Changer.ChangePlan(ctx, ChangePlanOptions{
		SubscriptionID: subscriptionID,
		NewPlanID:      req.NewPlanID,
		RequestedBy:    req.RequestedBy,
	})
	if errors.Is(err, ErrPlanNotFound) {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("PLAN_NOT_FOUND"))
		return
	}
	if err != nil {
		s.Logger.Error("Unable to change plan",
			zap.String("SubscriptionID", subscriptionID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to change plan"))
		return
	}
	resp.WriteResponse(w, r, outcome)
}

func (s *Service) renewSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := chi.URLParam(r, "id")

	outcome, err := s.Renewer.InitiateRenewal(ctx, subscriptionID)
	if errors.Is(err, ErrPlanNotFound) {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("PLAN_NOT_FOUND"))
		return
	}
	if err != nil {
		s.Logger.Error("Unable to initiate renewal",
			zap.String("SubscriptionID", subscriptionID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to initiate renewal"))
		return
	}
	resp.WriteResponse(w, r, outcome)
}

func (s *Service) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := chi.URLParam(r, "id")

	if err := s.SubscriptionManager.Cancel(ctx, subscriptionID); err != nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No live subscription found"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) getSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := chi.URLParam(r, "id")

	sub, err := s.SubscriptionManager.GetByID(ctx, subscriptionID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if sub == nil {
		resp.WriteError(w, r, resp.ErrNotFound())
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) getHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := chi.URLParam(r, "id")

	entries, err := s.SubscriptionManager.HistoryForSubscription(ctx, subscriptionID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, entries)
}

func (s *Service) listPlans(w http.ResponseWriter, r *http.Request) {
	resp.WriteResponse(w, r, s.SubscriptionManager.ListDefinedPlans())
}

// Router returns the chi Router for the subscription service
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/plans", s.listPlans)
	r.Post("/", s.createSubscription)
	r.Get("/{id}", s.getSubscription)
	r.Get("/{id}/history", s.getHistory)
	r.Post("/{id}/change", s.changePlan)
	r.Post("/{id}/renew", s.renewSubscription)
	r.Post("/{id}/cancel", s.cancelSubscription)

	return r
}
