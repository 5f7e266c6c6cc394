// Package tidal implementa el adapter OAuth 2.0 de TIDAL
// (grants estándar de code y refresh, Basic auth en el token endpoint).
package tidal

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
)

const (
	authEndpoint     = "https://login.tidal.com/authorize"
	tokenEndpoint    = "https://auth.tidal.com/v1/oauth2/token"
	revokeEndpoint   = "https://auth.tidal.com/v1/oauth2/revoke"
	userInfoEndpoint = "https://openid.tidal.com/v1/userinfo"
)

// Adapter es el cliente OAuth de TIDAL.
type Adapter struct {
	clientID     string
	clientSecret string
	scopes       []string

	http *http.Client
}

// New crea el adapter de TIDAL.
func New(clientID, clientSecret string, scopes []string) *Adapter {
	if len(scopes) == 0 {
		scopes = []string{"user.read", "collection.read", "collection.write"}
	}
	return &Adapter{
		clientID:     clientID,
		clientSecret: clientSecret,
		scopes:       scopes,
		http:         oauth.DefaultHTTPClient(),
	}
}

// WithHTTPClient reemplaza el cliente HTTP (tests).
func (t *Adapter) WithHTTPClient(hc *http.Client) *Adapter {
	t.http = hc
	return t
}

func (t *Adapter) Provider() oauth.Provider { return oauth.ProviderTidal }

func (t *Adapter) basicAuth() http.Header {
	cred := base64.StdEncoding.EncodeToString([]byte(t.clientID + ":" + t.clientSecret))
	h := http.Header{}
	h.Set("Authorization", "Basic "+cred)
	return h
}

// AuthURL construye la URL de autorización de TIDAL.
func (t *Adapter) AuthURL(redirectURI, state string) string {
	u, _ := url.Parse(authEndpoint)
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", t.clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(t.scopes, " "))
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *Adapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	return oauth.PostTokenForm(ctx, t.http, tokenEndpoint, form, t.basicAuth())
}

func (t *Adapter) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return oauth.PostTokenForm(ctx, t.http, tokenEndpoint, form, t.basicAuth())
}

type userInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func (t *Adapter) UserInfo(ctx context.Context, ts *oauth.TokenSet) (*oauth.Identity, error) {
	var ui userInfo
	if err := oauth.GetJSON(ctx, t.http, userInfoEndpoint, ts.AccessToken, &ui); err != nil {
		return nil, err
	}
	return &oauth.Identity{
		SubjectID:     ui.Sub,
		Email:         ui.Email,
		EmailVerified: ui.EmailVerified,
		DisplayName:   ui.Name,
		AvatarURL:     ui.Picture,
	}, nil
}

// Revoke invalida el token contra TIDAL.
func (t *Adapter) Revoke(ctx context.Context, token string) error {
	form := url.Values{}
	form.Set("token", token)
	return oauth.PostRevoke(ctx, t.http, revokeEndpoint, form, t.basicAuth())
}
