package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "gateway-shared-secret"

func sign(t *testing.T, secret string, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"webhookId":"wh_1"}`)
	sig := sign(t, testSecret, body)

	require.True(t, VerifySignature(testSecret, body, sig))
	require.False(t, VerifySignature(testSecret, body, ""))
	require.False(t, VerifySignature(testSecret, body, "deadbeef"))
	require.False(t, VerifySignature("wrong-secret", body, sig))
	require.False(t, VerifySignature(testSecret, []byte(`{"webhookId":"wh_2"}`), sig))
}

type recordingHandler struct {
	seen    []WebhookEvent
	outcome *WebhookOutcome
	err     error
}

func (h *recordingHandler) HandleWebhook(ctx context.Context, event WebhookEvent) (*WebhookOutcome, error) {
	h.seen = append(h.seen, event)
	if h.err != nil {
		return nil, h.err
	}
	return h.outcome, nil
}

func webhookService(t *testing.T, handler WebhookHandler) *Service {
	t.Helper()
	return &Service{
		ServiceOptions: ServiceOptions{
			Handler:       handler,
			WebhookSecret: testSecret,
			Logger:        zaptest.NewLogger(t),
		},
		validate: validator.New(),
	}
}

func postWebhook(t *testing.T, s *Service, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, signature)
	w := httptest.NewRecorder()
	s.WebhookRouter().ServeHTTP(w, req)
	return w
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	handler := &recordingHandler{}
	s := webhookService(t, handler)

	body := []byte(`{"webhookId":"wh_1","paymentId":"pay_1","status":"SUCCESS"}`)
	w := postWebhook(t, s, body, "not-the-signature")

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, handler.seen)
}

func TestWebhookRejectsUnknownStatus(t *testing.T) {
	handler := &recordingHandler{}
	s := webhookService(t, handler)

	body := []byte(`{"webhookId":"wh_1","paymentId":"pay_1","status":"MAYBE"}`)
	w := postWebhook(t, s, body, sign(t, testSecret, body))

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, handler.seen)
}

func TestWebhookForwardsVerifiedEvent(t *testing.T) {
	amount := 500000.0
	handler := &recordingHandler{
		outcome: &WebhookOutcome{
			Payment: &Payment{ID: "pay_1", Status: StatusCompleted},
		},
	}
	s := webhookService(t, handler)

	payload := WebhookRequest{
		WebhookID:     "wh_1",
		PaymentID:     "pay_1",
		Status:        WebhookStatusSuccess,
		TransactionID: "txn_9",
		Gateway:       "sepay",
		Amount:        &amount,
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	w := postWebhook(t, s, body, sign(t, testSecret, body))

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, handler.seen, 1)
	require.Equal(t, "wh_1", handler.seen[0].WebhookID)
	require.Equal(t, "txn_9", handler.seen[0].TransactionID)
	require.NotNil(t, handler.seen[0].Amount)
	require.Equal(t, amount, *handler.seen[0].Amount)
}

func TestWebhookMapsHandlerErrors(t *testing.T) {
	body := []byte(`{"webhookId":"wh_1","paymentId":"pay_missing","status":"SUCCESS"}`)
	sig := sign(t, testSecret, body)

	s := webhookService(t, &recordingHandler{err: ErrPaymentNotFound})
	require.Equal(t, http.StatusNotFound, postWebhook(t, s, body, sig).Code)

	s = webhookService(t, &recordingHandler{err: ErrAmountMismatch})
	require.Equal(t, http.StatusBadRequest, postWebhook(t, s, body, sig).Code)
}
