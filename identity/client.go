package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gymfit/billing/auth"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every call to identity-service. Admin lookups
// only feed best-effort notification fan-out.
const DefaultTimeout = 5 * time.Second

// Admin is an administrator account eligible for operational notifications
type Admin struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// ClientOptions provides initialization parameters for Client
type ClientOptions struct {
	BaseURL    string
	Auth       *auth.Auth
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to identity-service over HTTP with a service token
type Client struct {
	ClientOptions
}

// NewClient returns a Client for identity-service
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

// ListAdmins returns the administrator accounts used for refund-approval
// notification fan-out
func (c *Client) ListAdmins(ctx context.Context) ([]Admin, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/auth/users/admins", nil)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create request")
	}
	token, err := c.Auth.CreateServiceToken()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create service token")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot reach identity-service")
	}
	defer res.Body.Close()

	var env struct {
		Success  bool            `json:"success"`
		Result   json.RawMessage `json:"result"`
		Messages []string        `json:"messages"`
	}
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode identity-service response")
	}
	if res.StatusCode >= 400 || !env.Success {
		return nil, fmt.Errorf("identity-service returned %d: %v", res.StatusCode, env.Messages)
	}
	admins := make([]Admin, 0, 4)
	if err := json.Unmarshal(env.Result, &admins); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode admin list")
	}
	return admins, nil
}
