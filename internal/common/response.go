package common

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// ErrorBody is the "error" member of every non-2xx JSON response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// JSON encodes v before touching w, so a value that cannot be marshalled
// becomes a clean 500 instead of a truncated body.
func JSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		status = http.StatusInternalServerError
		buf.Reset()
		buf.WriteString(`{"error":{"code":"` + CodeInternal + `","message":"response encoding failed"}}` + "\n")
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// JSONError writes {"error":{...}} with the given status.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, errorEnvelope{Error: ErrorBody{Code: code, Message: message, Details: details}})
}

// Ack is the body gateways receive for every non-error outcome.
func Ack(w http.ResponseWriter, status int, outcome string) {
	JSON(w, status, struct {
		Status string `json:"status"`
	}{outcome})
}
