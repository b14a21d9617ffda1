package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the gateway's HMAC over the raw request body
const SignatureHeader = "X-Webhook-Signature"

// Gateway-reported outcomes in webhook payloads
const (
	WebhookStatusSuccess = "SUCCESS"
	WebhookStatusFailed  = "FAILED"
)

// WebhookRequest is the payload payment gateways deliver on state changes
type WebhookRequest struct {
	WebhookID     string   `json:"webhookId" validate:"required"`
	PaymentID     string   `json:"paymentId" validate:"required"`
	Status        string   `json:"status" validate:"required,oneof=SUCCESS FAILED"`
	TransactionID string   `json:"transactionId"`
	Gateway       string   `json:"gateway"`
	Amount        *float64 `json:"amount"`
	Reason        string   `json:"reason"`
}

// WebhookEvent is the normalized form handed to the handler
type WebhookEvent struct {
	WebhookID     string
	PaymentID     string
	Status        string
	TransactionID string
	Gateway       string
	Amount        *float64
	Reason        string
}

// WebhookOutcome reports what processing a webhook did
type WebhookOutcome struct {
	// Replayed is true when this delivery was seen before and skipped
	Replayed bool     `json:"replayed"`
	Payment  *Payment `json:"payment"`
}

// WebhookHandler processes a verified, deduplicated gateway event and
// drives the downstream state changes
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, event WebhookEvent) (*WebhookOutcome, error)
}

// VerifySignature checks the hex-encoded HMAC-SHA256 of the raw body
// against the shared gateway secret
func VerifySignature(secret string, body []byte, signature string) bool {
	if len(signature) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
