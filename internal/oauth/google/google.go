// Package google implementa el adapter OAuth 2.0 / OIDC de Google.
// También cubre YouTube Music, que habla el mismo wire protocol con
// scopes de YouTube (ver NewYouTubeMusic).
package google

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
)

const (
	authEndpoint     = "https://accounts.google.com/o/oauth2/v2/auth"
	tokenEndpoint    = "https://oauth2.googleapis.com/token"
	userInfoEndpoint = "https://openidconnect.googleapis.com/v1/userinfo"
	revokeEndpoint   = "https://oauth2.googleapis.com/revoke"
)

// Adapter es el cliente OAuth de Google.
type Adapter struct {
	provider     oauth.Provider
	clientID     string
	clientSecret string
	scopes       []string

	http *http.Client
}

// New crea el adapter de Google para login/identidad.
func New(clientID, clientSecret string, scopes []string) *Adapter {
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	return &Adapter{
		provider:     oauth.ProviderGoogle,
		clientID:     clientID,
		clientSecret: clientSecret,
		scopes:       scopes,
		http:         oauth.DefaultHTTPClient(),
	}
}

// NewYouTubeMusic crea el adapter de YouTube Music: mismo protocolo que
// Google, scopes de YouTube, variante propia en el enum.
func NewYouTubeMusic(clientID, clientSecret string) *Adapter {
	a := New(clientID, clientSecret, []string{
		"openid", "email",
		"https://www.googleapis.com/auth/youtube",
	})
	a.provider = oauth.ProviderYouTubeMusic
	return a
}

// WithHTTPClient reemplaza el cliente HTTP (tests).
func (g *Adapter) WithHTTPClient(hc *http.Client) *Adapter {
	g.http = hc
	return g
}

func (g *Adapter) Provider() oauth.Provider { return g.provider }

// AuthURL construye la URL de autorización. access_type=offline y
// prompt=consent para que Google emita refresh token también en
// re-autorizaciones.
func (g *Adapter) AuthURL(redirectURI, state string) string {
	u, _ := url.Parse(authEndpoint)
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", g.clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(g.scopes, " "))
	q.Set("state", state)
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	q.Set("include_granted_scopes", "true")
	u.RawQuery = q.Encode()
	return u.String()
}

func (g *Adapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", g.clientID)
	form.Set("client_secret", g.clientSecret)
	form.Set("redirect_uri", redirectURI)
	return oauth.PostTokenForm(ctx, g.http, tokenEndpoint, form, nil)
}

func (g *Adapter) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", g.clientID)
	form.Set("client_secret", g.clientSecret)
	return oauth.PostTokenForm(ctx, g.http, tokenEndpoint, form, nil)
}

// userInfo es la respuesta del endpoint OIDC de userinfo.
type userInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func (g *Adapter) UserInfo(ctx context.Context, ts *oauth.TokenSet) (*oauth.Identity, error) {
	var ui userInfo
	if err := oauth.GetJSON(ctx, g.http, userInfoEndpoint, ts.AccessToken, &ui); err != nil {
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

// Revoke invalida el token contra Google. Sirve tanto para access como
// refresh tokens.
func (g *Adapter) Revoke(ctx context.Context, token string) error {
	form := url.Values{}
	form.Set("token", token)
	return oauth.PostRevoke(ctx, g.http, revokeEndpoint, form, nil)
}
