package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHTTPClient es el cliente que usan los adapters cuando no se les
// inyecta otro (tests inyectan uno con Transport falso).
func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// tokenResponse es la respuesta estándar de un token endpoint OAuth2.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	errorBody
}

// PostTokenForm hace el round trip a un token endpoint con el form dado,
// decodifica la respuesta estándar y clasifica errores según la taxonomía
// del paquete. hdr agrega headers extra (ej. Authorization Basic).
func PostTokenForm(ctx context.Context, hc *http.Client, endpoint string, form url.Values, hdr http.Header) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, transportErr(err)
	}
	defer resp.Body.Close()

	// Algunos providers (GitHub) devuelven 200 con "error" en el cuerpo.
	var tr tokenResponse
	if resp.StatusCode/100 != 2 {
		var b errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&b)
		return nil, classify(resp.StatusCode, b)
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, transportErr(err)
	}
	if tr.Error != "" {
		return nil, classify(http.StatusBadRequest, tr.errorBody)
	}
	if tr.AccessToken == "" {
		return nil, classify(resp.StatusCode, errorBody{Error: "invalid_response", ErrorDescription: "no access_token in response"})
	}

	return &TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
		ExpiresIn:    tr.ExpiresIn,
	}, nil
}

// GetJSON hace un GET autenticado con Bearer token y decodifica JSON.
// Usado por los endpoints de userinfo.
func GetJSON(ctx context.Context, hc *http.Client, endpoint, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return transportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var b errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&b)
		return classify(resp.StatusCode, b)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transportErr(err)
	}
	return nil
}

// PostRevoke hace el round trip a un endpoint de revocación (RFC 7009).
// Un 200 del provider significa revocado (o ya inválido, que es lo mismo).
func PostRevoke(ctx context.Context, hc *http.Client, endpoint string, form url.Values, hdr http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return transportErr(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<12))

	if resp.StatusCode >= 500 {
		return classify(resp.StatusCode, errorBody{})
	}
	if resp.StatusCode/100 != 2 {
		return classify(resp.StatusCode, errorBody{Error: "revocation_failed"})
	}
	return nil
}
