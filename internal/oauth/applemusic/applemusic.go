// Package applemusic implementa el adapter de Apple Music.
// Apple Music no habla OAuth estándar: MusicKit entrega un Music User
// Token en el cliente, y cada request a la API va firmado además con un
// developer token JWT (ver apple.Signer). Este adapter lo normaliza:
//
//   - El "code" del flujo es el music user token que MusicKit entregó.
//   - ExchangeCode lo valida contra la API (round trip a /v1/me/storefront)
//     y lo devuelve como access token, sin refresh token ni expiración:
//     vale hasta que falle y entonces se re-autoriza completo.
//   - No hay endpoint de identidad: el subject id es la huella del user
//     token, estable mientras la autorización siga vigente.
package applemusic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth/apple"
)

const (
	authEndpoint       = "https://authorize.music.apple.com/woa"
	storefrontEndpoint = "https://api.music.apple.com/v1/me/storefront"

	developerTokenTTL = 12 * time.Hour
)

// Adapter es el cliente de Apple Music.
type Adapter struct {
	signer *apple.Signer
	appID  string

	http *http.Client
	now  func() time.Time
}

// New crea el adapter de Apple Music reutilizando el signer de Apple.
func New(signer *apple.Signer, appID string) *Adapter {
	return &Adapter{
		signer: signer,
		appID:  appID,
		http:   oauth.DefaultHTTPClient(),
		now:    time.Now,
	}
}

// WithHTTPClient reemplaza el cliente HTTP (tests).
func (a *Adapter) WithHTTPClient(hc *http.Client) *Adapter {
	a.http = hc
	return a
}

func (a *Adapter) Provider() oauth.Provider { return oauth.ProviderAppleMusic }

// AuthURL apunta al flujo web de MusicKit; state viaja igual que en OAuth.
func (a *Adapter) AuthURL(redirectURI, state string) string {
	u, _ := url.Parse(authEndpoint)
	q := u.Query()
	q.Set("a", a.appID)
	q.Set("referrer", redirectURI)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}

type storefrontResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ExchangeCode valida el music user token haciendo un request real a la
// API. Un 401/403 significa token inválido (Rejected); 5xx/red es
// Unavailable como en cualquier otro provider.
func (a *Adapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.TokenSet, error) {
	if _, err := a.storefront(ctx, code); err != nil {
		return nil, err
	}
	return &oauth.TokenSet{AccessToken: code}, nil
}

// Refresh no existe: el music user token vale hasta que el usuario revoque
// la autorización en su cuenta.
func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenSet, error) {
	return nil, fmt.Errorf("apple music does not issue refresh tokens: %w", oauth.ErrInvalidGrant)
}

func (a *Adapter) UserInfo(ctx context.Context, ts *oauth.TokenSet) (*oauth.Identity, error) {
	sf, err := a.storefront(ctx, ts.AccessToken)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(ts.AccessToken))
	return &oauth.Identity{
		SubjectID:   "amu_" + hex.EncodeToString(sum[:16]),
		DisplayName: "Apple Music (" + sf + ")",
	}, nil
}

// storefront hace el round trip autenticado con developer token + music
// user token y devuelve el id de storefront del usuario.
func (a *Adapter) storefront(ctx context.Context, userToken string) (string, error) {
	devToken, err := a.signer.DeveloperToken(a.now(), developerTokenTTL)
	if err != nil {
		return "", fmt.Errorf("applemusic: sign developer token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, storefrontEndpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+devToken)
	req.Header.Set("Music-User-Token", userToken)

	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", oauth.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: http %d", oauth.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode/100 != 2:
		return "", fmt.Errorf("%w: http %d", oauth.ErrRejected, resp.StatusCode)
	}

	var sf storefrontResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&sf); err != nil {
		return "", fmt.Errorf("%w: %v", oauth.ErrUnavailable, err)
	}
	if len(sf.Data) == 0 {
		return "", errors.New("applemusic: empty storefront response")
	}
	return sf.Data[0].ID, nil
}
