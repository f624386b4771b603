// Package handlers exposes the webhook and agent inbox HTTP endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfman30/clinic-inbox/internal/inbox"
	"github.com/wolfman30/clinic-inbox/internal/whatsapp"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

const maxBodyBytes = 1 << 20

// WriteJSON writes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps inbox and delivery errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, logger *logging.Logger, err error) {
	switch {
	case errors.Is(err, inbox.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, inbox.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, inbox.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, inbox.ErrVersionConflict):
		writeError(w, http.StatusConflict, "conversation changed, retry")
	case errors.Is(err, whatsapp.ErrNotConfigured):
		writeError(w, http.StatusFailedDependency, "whatsapp not configured for tenant")
	case whatsapp.IsPermanent(err):
		writeError(w, http.StatusUnprocessableEntity, "message rejected by provider")
	default:
		var perr *whatsapp.ProviderError
		if errors.As(err, &perr) {
			writeError(w, http.StatusBadGateway, "provider unavailable")
			return
		}
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
