package response

import (
	"encoding/json"
	"net/http"
)

// V1Response is the envelope for all JSON responses. Success is always
// populated so upstream callers never have to guess the outcome from the
// status code alone.
type V1Response struct {
	Success  bool        `json:"success"`
	Result   interface{} `json:"result"`
	Messages []string    `json:"messages"`
}

// WriteResponse will write the result in the response envelope with 200
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	writeJSON(w, http.StatusOK, V1Response{
		Success:  true,
		Result:   result,
		Messages: []string{},
	})
}

// WriteError will write the Error in the response envelope with its StatusCode
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	messages := e.Messages
	if len(e.Message) > 0 {
		messages = append([]string{e.Message}, messages...)
	}
	writeJSON(w, e.StatusCode, V1Response{
		Success:  false,
		Result:   e.Result,
		Messages: messages,
	})
}

// WriteAcknowledge will always respond with 200 regardless of the internal
// outcome. Used by webhook endpoints whose senders retry on non-2xx.
func WriteAcknowledge(w http.ResponseWriter, r *http.Request, success bool, message string) {
	writeJSON(w, http.StatusOK, V1Response{
		Success:  success,
		Result:   []string{},
		Messages: []string{message},
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// encoding errors at this point are not actionable
	json.NewEncoder(w).Encode(body)
}
