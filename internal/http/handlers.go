package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/flowstate"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/observability/logger"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/vault"
)

// ConnectHandler expone el ciclo de vida de vinculaciones por HTTP.
// La identidad del caller llega por X-User-ID: la autenticación de la API
// corre por cuenta del gateway que tenemos adelante.
type ConnectHandler struct {
	Vault    *vault.Vault
	Registry *oauth.Registry
	// RedirectURI arma el redirect_uri registrado para cada provider.
	RedirectURI func(provider string) string
}

func (h *ConnectHandler) Register(r chi.Router) {
	r.Get("/v1/providers", h.listProviders)
	r.Get("/v1/connect/{provider}/start", h.start)
	r.Get("/v1/connect/{provider}/callback", h.callback)
	r.Get("/v1/connections", h.listConnections)
	r.Delete("/v1/connections/{provider}", h.unlink)
	r.Get("/v1/connections/{provider}/token", h.accessToken)
}

func (h *ConnectHandler) provider(w http.ResponseWriter, r *http.Request) (oauth.Provider, bool) {
	p, err := oauth.Parse(chi.URLParam(r, "provider"))
	if err != nil {
		WriteError(w, http.StatusNotFound, "unknown_provider", "provider no soportado")
		return "", false
	}
	if _, err := h.Registry.Adapter(p); err != nil {
		WriteError(w, http.StatusNotFound, "provider_disabled", "provider no habilitado en este deployment")
		return "", false
	}
	return p, true
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if id == "" {
		WriteError(w, http.StatusUnauthorized, "missing_user", "falta el header X-User-ID")
		return "", false
	}
	return id, true
}

func (h *ConnectHandler) listProviders(w http.ResponseWriter, r *http.Request) {
	enabled := h.Registry.Enabled()
	out := make([]string, len(enabled))
	for i, p := range enabled {
		out[i] = p.String()
	}
	WriteJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// start arranca un flujo y redirige al provider. purpose=link exige
// X-User-ID; login crea o resuelve la cuenta en el callback.
func (h *ConnectHandler) start(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}

	purpose := flowstate.Purpose{Kind: flowstate.PurposeLogin}
	if r.URL.Query().Get("purpose") == "link" {
		id, ok := userID(w, r)
		if !ok {
			return
		}
		purpose = flowstate.Purpose{Kind: flowstate.PurposeLink, UserID: id}
	}

	authURL, _, err := h.Vault.BeginFlow(r.Context(), p, h.RedirectURI(p.String()), purpose)
	if err != nil {
		logger.From(r.Context()).Error("begin flow failed", logger.Provider(p.String()), logger.Err(err))
		writeVaultError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *ConnectHandler) callback(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	// El provider reporta cancelación/denegación por query, sin code.
	if errCode := q.Get("error"); errCode != "" {
		WriteError(w, http.StatusBadRequest, "provider_rejected", errCode)
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		WriteError(w, http.StatusBadRequest, "invalid_callback", "faltan code o state")
		return
	}

	res, err := h.Vault.CompleteFlow(r.Context(), p, state, code, h.RedirectURI(p.String()))
	if err != nil {
		writeVaultError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"user_id":    res.UserID,
		"provider":   res.Provider.String(),
		"subject_id": res.SubjectID,
		"new_user":   res.NewUser,
	})
}

func (h *ConnectHandler) listConnections(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	infos, err := h.Vault.Connections(r.Context(), id)
	if err != nil {
		writeVaultError(w, err)
		return
	}

	type connection struct {
		Provider  string     `json:"provider"`
		SubjectID string     `json:"subject_id"`
		ExpiresAt *time.Time `json:"access_token_expires_at,omitempty"`
		LinkedAt  time.Time  `json:"linked_at"`
	}
	out := make([]connection, len(infos))
	for i, info := range infos {
		out[i] = connection{
			Provider:  info.Provider.String(),
			SubjectID: info.SubjectID,
			ExpiresAt: info.AccessTokenExpiresAt,
			LinkedAt:  info.CreatedAt,
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"connections": out})
}

func (h *ConnectHandler) unlink(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	id, ok := userID(w, r)
	if !ok {
		return
	}
	if err := h.Vault.Unlink(r.Context(), id, p); err != nil {
		writeVaultError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// accessToken entrega un access token listo para usar, refrescando si hace
// falta. Consumido por los workers internos; el token viaja solo en el
// body de esta respuesta, jamás en logs.
func (h *ConnectHandler) accessToken(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	id, ok := userID(w, r)
	if !ok {
		return
	}
	token, err := h.Vault.AccessToken(r.Context(), id, p)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, map[string]string{"access_token": token})
}
