// Package api is the HTTP surface of the control plane: the /v2 routes,
// their middleware chain, and the machine-readable error envelope.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sardis-hq/sardis/pkg/types"
)

// ErrorBody is the uniform error envelope. reason_code comes from the
// closed enumeration; reason is presentation only and carries no secrets.
type ErrorBody struct {
	ReasonCode types.ReasonCode `json:"reason_code,omitempty"`
	Reason     string           `json:"reason"`
	DecisionID string           `json:"decision_id,omitempty"`
	RequestID  string           `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code types.ReasonCode, reason string) {
	body := ErrorBody{
		ReasonCode: code,
		Reason:     reason,
		RequestID:  w.Header().Get(requestIDHeader),
	}
	_ = r
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeDecisionError(w http.ResponseWriter, status int, code types.ReasonCode, reason, decisionID string) {
	body := ErrorBody{
		ReasonCode: code,
		Reason:     reason,
		DecisionID: decisionID,
		RequestID:  w.Header().Get(requestIDHeader),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeInternal logs the error and returns a redacted 500. Internal detail
// never crosses the API boundary.
func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", r.URL.Path, "err", err)
	writeError(w, r, http.StatusInternalServerError, "", "an unexpected error occurred")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
