// Package response centralizes how handlers write their JSON body,
// mirroring the shape the teacher's apxresp package is used for at its
// call sites (RespondJSON/RespondError/RespondMessage), since that
// package itself was never part of the retrieved pack.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/cloudbrowser/controlplane/errors"
	"github.com/cloudbrowser/controlplane/logger"

	"go.uber.org/zap"
)

type envelope struct {
	Data any `json:"data,omitempty"`
}

type errEnvelope struct {
	Error  string         `json:"error"`
	Kind   string         `json:"kind,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// RespondJSON writes v as a JSON body under the given status code.
func RespondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: v}); err != nil {
		logger.Error("response: encode failed", zap.Error(err))
	}
}

// RespondError maps an *errors.Error onto its HTTP status and body.
func RespondError(w http.ResponseWriter, err *errors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Kind.HTTPStatus())
	body := errEnvelope{Error: err.Error(), Kind: err.Kind.String(), Fields: err.Fields}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("response: encode failed", zap.Error(err))
	}
}

// RespondMessage writes a bare {"error": message} body under status.
func RespondMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errEnvelope{Error: message}); err != nil {
		logger.Error("response: encode failed", zap.Error(err))
	}
}
