package subscription

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	extErrors "github.com/pkg/errors"
)

// loadPlansFromFile will read from the plan JSON file to define what
// plans are available for purchase. Plans are append-only: to change a
// price, add a new Plan and mark the old one as Retired, so existing
// subscriptions keep billing against the plan they signed up for.
func loadPlansFromFile(filename string) ([]Plan, error) {
	jsonBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot open plans JSON file")
	}
	plans := make([]Plan, 0, 1)
	if err := json.Unmarshal(jsonBytes, &plans); err != nil {
		return nil, extErrors.Wrap(err, "Invalid plan JSON file")
	}
	for _, p := range plans {
		if err := p.validate(); err != nil {
			return nil, err
		}
	}
	return plans, nil
}

// Plan describes a gym membership plan
type Plan struct {
	ID             string  `json:"id"`             // Stable identifier referenced by Subscription.PlanID
	Name           string  `json:"name"`           // Shown to the member
	Description    string  `json:"description"`    // Shown to the member
	Currency       string  `json:"currency"`       // ISO currency code (e.g. vnd)
	Price          float64 `json:"price"`          // Price per billing period, in currency minor units
	DurationDays   int     `json:"durationDays"`   // Length of one billing period
	TrialDays      int     `json:"trialDays"`      // Free trial length, 0 for none
	MembershipType string  `json:"membershipType"` // Membership tier synced to member-service (e.g. STANDARD, PREMIUM)
	Retired        bool    `json:"retired"`        // Retired plans are kept for existing subscriptions but not purchasable
}

func (p *Plan) validate() error {
	if len(p.ID) == 0 {
		return fmt.Errorf("plan without id is invalid")
	}
	if p.Price < 0 {
		return fmt.Errorf("plan %s has a negative price", p.ID)
	}
	if p.DurationDays <= 0 {
		return fmt.Errorf("plan %s has a non-positive duration", p.ID)
	}
	return nil
}

// PeriodEnd returns the end of a billing period starting at the given time
func (p *Plan) PeriodEnd(start time.Time) time.Time {
	return start.AddDate(0, 0, p.DurationDays)
}
