package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/store/core"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/vault"
)

type apiError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	rid := w.Header().Get("X-Request-ID")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{
		Error:            code,
		ErrorDescription: desc,
		RequestID:        rid,
	})
}

// WriteJSON: respuesta JSON estándar
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeVaultError traduce la taxonomía del vault a HTTP. Los mensajes son
// genéricos a propósito: el detalle queda en los logs del server.
func writeVaultError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrStateInvalid):
		WriteError(w, http.StatusBadRequest, "invalid_state", "el flujo expiró o ya fue usado, reintentá desde el inicio")
	case errors.Is(err, vault.ErrIdentityConflict), errors.Is(err, core.ErrConflict):
		WriteError(w, http.StatusConflict, "identity_conflict", "esa cuenta ya está vinculada a otro usuario")
	case errors.Is(err, vault.ErrNotLinked):
		WriteError(w, http.StatusNotFound, "not_linked", "no hay vinculación con ese provider")
	case errors.Is(err, vault.ErrNoRefreshToken), errors.Is(err, vault.ErrReauthRequired):
		WriteError(w, http.StatusUnauthorized, "reauth_required", "hay que volver a autenticar con el provider")
	case errors.Is(err, oauth.ErrUnavailable):
		WriteError(w, http.StatusBadGateway, "provider_unavailable", "el provider no responde, reintentá en unos minutos")
	case errors.Is(err, oauth.ErrRejected), errors.Is(err, oauth.ErrInvalidGrant):
		WriteError(w, http.StatusBadRequest, "provider_rejected", "el provider rechazó la operación")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
