package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"tether/internal/engine"
	"tether/internal/reuse"
	"tether/internal/store"
	"tether/pkg/logging"
)

var errForbidden = errors.New("forbidden")

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Server", "Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// statusFor maps an error to a response status and a message that is safe
// to show.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, reuse.ErrForbidden), errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, reuse.ErrTemplateMismatch):
		return http.StatusBadRequest, reuse.ErrTemplateMismatch.Error()
	case errors.Is(err, reuse.ErrSourceExpired):
		return http.StatusBadRequest, reuse.ErrSourceExpired.Error()
	}

	switch engine.KindOf(err) {
	case engine.KindValidation:
		return http.StatusBadRequest, engine.PublicMessage(err)
	case engine.KindIntegrity:
		return http.StatusUnauthorized, engine.PublicMessage(err)
	case engine.KindExchange, engine.KindProvisioning:
		return http.StatusBadGateway, engine.PublicMessage(err)
	case engine.KindReauthRequired:
		return http.StatusConflict, engine.PublicMessage(err)
	case engine.KindStorage:
		return http.StatusInternalServerError, engine.PublicMessage(err)
	}

	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "not found"
	}
	return http.StatusInternalServerError, engine.PublicMessage(err)
}

// respondError logs err in full and writes the mapped response.
func respondError(w http.ResponseWriter, op string, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Error("Server", err, "%s failed", op)
	} else {
		logging.Debug("Server", "%s rejected: %v", op, err)
	}
	writeError(w, status, message)
}
