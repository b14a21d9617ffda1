package revenue

import (
	"fmt"
	"net/http"
	"time"

	resp "github.com/gymfit/billing/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions provides initialization parameters for Service
type ServiceOptions struct {
	RevenueManager *Manager
	Logger         *zap.Logger
}

// Service is the HTTP surface for revenue reports
type Service struct {
	ServiceOptions
}

// NewService returns the revenue HTTP service
func NewService(option ServiceOptions) (*Service, error) {
	if option.RevenueManager == nil {
		return nil, fmt.Errorf("nil RevenueManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

const dateLayout = "2006-01-02"

func (s *Service) getReports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	from, err := time.Parse(dateLayout, r.URL.Query().Get("from"))
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("from must be a YYYY-MM-DD date"))
		return
	}
	to, err := time.Parse(dateLayout, r.URL.Query().Get("to"))
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("to must be a YYYY-MM-DD date"))
		return
	}
	if to.Before(from) {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("to must not be before from"))
		return
	}

	reports, err := s.RevenueManager.Range(ctx, from, to)
	if err != nil {
		s.Logger.Error("Unable to list revenue reports",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, reports)
}

// Router returns the chi Router for the revenue service
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.getReports)
	return r
}
