package member

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gymfit/billing/auth"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every call to member-service. The membership
// sync is retried through the compensation queue, everything else is
// best-effort, so a short deadline is safe.
const DefaultTimeout = 5 * time.Second

// Member is the subset of member-service's member record we consume
type Member struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

// MembershipUpsert describes the membership record member-service keeps
// in sync with a paid subscription
type MembershipUpsert struct {
	MemberID       string    `json:"memberId"`
	SubscriptionID string    `json:"subscriptionId"`
	PlanID         string    `json:"planId"`
	MembershipType string    `json:"membershipType"`
	StartDate      time.Time `json:"startDate"`
	EndDate        time.Time `json:"endDate"`
}

// ClientOptions provides initialization parameters for Client
type ClientOptions struct {
	BaseURL    string
	Auth       *auth.Auth
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to member-service over HTTP with a service token
type Client struct {
	ClientOptions
}

// NewClient returns a Client for member-service
func NewClient(option ClientOptions) (*Client, error) {
	if len(option.BaseURL) == 0 {
		return nil, fmt.Errorf("empty BaseURL is invalid")
	}
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.HTTPClient == nil {
		option.HTTPClient = &http.Client{
			Timeout: DefaultTimeout,
		}
	}
	return &Client{
		ClientOptions: option,
	}, nil
}

type envelope struct {
	Success  bool            `json:"success"`
	Result   json.RawMessage `json:"result"`
	Messages []string        `json:"messages"`
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return extErrors.Wrap(err, "Cannot encode request body")
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, &reqBody)
	if err != nil {
		return extErrors.Wrap(err, "Cannot create request")
	}
	token, err := c.Auth.CreateServiceToken()
	if err != nil {
		return extErrors.Wrap(err, "Cannot create service token")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return extErrors.Wrap(err, "Cannot reach member-service")
	}
	defer res.Body.Close()

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return extErrors.Wrap(err, "Cannot decode member-service response")
	}
	if res.StatusCode >= 400 || !env.Success {
		return fmt.Errorf("member-service returned %d: %v", res.StatusCode, env.Messages)
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return extErrors.Wrap(err, "Cannot decode member-service result")
		}
	}
	return nil
}

// GetMember resolves a member record (including its user id) by member id
func (c *Client) GetMember(ctx context.Context, memberID string) (*Member, error) {
	var m Member
	if err := c.do(ctx, http.MethodGet, "/members/"+memberID, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMembership creates or updates the membership record for a user.
// The payload is a full snapshot so replays are idempotent.
func (c *Client) UpsertMembership(ctx context.Context, userID string, up MembershipUpsert) error {
	return c.do(ctx, http.MethodPost, "/members/user/"+userID+"/memberships", up, nil)
}

type pointsRequest struct {
	Points float64 `json:"points"`
	Reason string  `json:"reason"`
}

// CreditPoints credits referral reward points to a member. Callers must
// gate this behind their own at-most-once guard.
func (c *Client) CreditPoints(ctx context.Context, memberID string, points float64, reason string) error {
	return c.do(ctx, http.MethodPost, "/members/"+memberID+"/points/credit", pointsRequest{
		Points: points,
		Reason: reason,
	}, nil)
}

// AwardPoints awards loyalty points for a completed payment. Best-effort.
func (c *Client) AwardPoints(ctx context.Context, memberID string, points float64, reason string) error {
	return c.do(ctx, http.MethodPost, "/members/"+memberID+"/points/award", pointsRequest{
		Points: points,
		Reason: reason,
	}, nil)
}

type rewardRequest struct {
	Code string `json:"code"`
}

type rewardStatus struct {
	Valid bool `json:"valid"`
}

// VerifyReward checks a REWARD- redemption code against member-service
// without consuming it
func (c *Client) VerifyReward(ctx context.Context, memberID, code string) (bool, error) {
	var status rewardStatus
	if err := c.do(ctx, http.MethodPost, "/members/"+memberID+"/rewards/verify", rewardRequest{Code: code}, &status); err != nil {
		return false, err
	}
	return status.Valid, nil
}

// ConsumeReward marks a redemption code used. Only called after the
// associated payment completed, so an abandoned checkout never burns a
// reward.
func (c *Client) ConsumeReward(ctx context.Context, memberID, code string) error {
	return c.do(ctx, http.MethodPost, "/members/"+memberID+"/rewards/consume", rewardRequest{Code: code}, nil)
}
