package banktransfer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type noopCompleter struct{}

func (noopCompleter) CompleteBankTransferPayment(ctx context.Context, webhookID string, transfer *BankTransfer) error {
	return nil
}

func sepayService(t *testing.T) *Service {
	t.Helper()
	return &Service{
		ServiceOptions: ServiceOptions{
			TransferManager: &Manager{},
			Completer:       noopCompleter{},
			Logger:          zaptest.NewLogger(t),
		},
		validate: validator.New(),
	}
}

func postSepay(t *testing.T, s *Service, body []byte) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/sepay", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.WebhookRouter().ServeHTTP(w, req)

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return w, envelope
}

func TestSepayWebhookAlwaysAnswers200(t *testing.T) {
	s := sepayService(t)

	// malformed body still gets a 200 so sepay does not retry forever
	w, envelope := postSepay(t, s, []byte(`{broken`))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, envelope["success"])

	// outbound movements are acknowledged and ignored
	w, envelope = postSepay(t, s, []byte(`{"id":1,"transferType":"out","transferAmount":500000}`))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, envelope["success"])

	// inbound credit with no recognizable code
	w, envelope = postSepay(t, s, []byte(`{"id":2,"transferType":"in","transferAmount":500000,"content":"lunch money"}`))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, envelope["success"])
}
