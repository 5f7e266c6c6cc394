// Package apple implementa Sign in with Apple.
// Quirks que este adapter normaliza: el client secret es un assertion JWT
// firmado por llamada (ver assertion.go) y la identidad viene en el
// id_token — Apple no tiene endpoint de userinfo.
package apple

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
)

const (
	authEndpoint   = "https://appleid.apple.com/auth/authorize"
	tokenEndpoint  = "https://appleid.apple.com/auth/token"
	revokeEndpoint = "https://appleid.apple.com/auth/revoke"
)

// Adapter es el cliente de Sign in with Apple.
type Adapter struct {
	signer *Signer
	scopes []string

	http *http.Client
	now  func() time.Time
}

// New crea el adapter de Apple.
func New(signer *Signer, scopes []string) *Adapter {
	if len(scopes) == 0 {
		scopes = []string{"name", "email"}
	}
	return &Adapter{
		signer: signer,
		scopes: scopes,
		http:   oauth.DefaultHTTPClient(),
		now:    time.Now,
	}
}

// WithHTTPClient reemplaza el cliente HTTP (tests).
func (a *Adapter) WithHTTPClient(hc *http.Client) *Adapter {
	a.http = hc
	return a
}

func (a *Adapter) Provider() oauth.Provider { return oauth.ProviderApple }

// AuthURL construye la URL de autorización de Apple.
func (a *Adapter) AuthURL(redirectURI, state string) string {
	u, _ := url.Parse(authEndpoint)
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", a.signer.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(a.scopes, " "))
	q.Set("state", state)
	q.Set("response_mode", "form_post")
	u.RawQuery = q.Encode()
	return u.String()
}

func (a *Adapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.TokenSet, error) {
	secret, err := a.signer.ClientSecret(a.now())
	if err != nil {
		return nil, fmt.Errorf("apple: sign assertion: %w", err)
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", a.signer.ClientID)
	form.Set("client_secret", secret)
	form.Set("redirect_uri", redirectURI)
	return oauth.PostTokenForm(ctx, a.http, tokenEndpoint, form, nil)
}

func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenSet, error) {
	secret, err := a.signer.ClientSecret(a.now())
	if err != nil {
		return nil, fmt.Errorf("apple: sign assertion: %w", err)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", a.signer.ClientID)
	form.Set("client_secret", secret)
	return oauth.PostTokenForm(ctx, a.http, tokenEndpoint, form, nil)
}

// UserInfo extrae la identidad del id_token. El token llega por el canal
// TLS directo del token endpoint de Apple, así que se leen los claims sin
// re-verificar la firma contra JWKS.
func (a *Adapter) UserInfo(ctx context.Context, ts *oauth.TokenSet) (*oauth.Identity, error) {
	if ts.IDToken == "" {
		return nil, errors.New("apple: token response has no id_token")
	}

	claims := jwtv5.MapClaims{}
	parser := jwtv5.NewParser()
	if _, _, err := parser.ParseUnverified(ts.IDToken, claims); err != nil {
		return nil, fmt.Errorf("apple: parse id_token: %w", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New("apple: id_token has no sub")
	}
	email, _ := claims["email"].(string)

	// Apple manda email_verified a veces como bool, a veces como "true".
	verified := false
	switch v := claims["email_verified"].(type) {
	case bool:
		verified = v
	case string:
		verified = v == "true"
	}

	return &oauth.Identity{
		SubjectID:     sub,
		Email:         email,
		EmailVerified: verified,
	}, nil
}

// Revoke invalida el refresh token contra Apple.
func (a *Adapter) Revoke(ctx context.Context, token string) error {
	secret, err := a.signer.ClientSecret(a.now())
	if err != nil {
		return fmt.Errorf("apple: sign assertion: %w", err)
	}
	form := url.Values{}
	form.Set("client_id", a.signer.ClientID)
	form.Set("client_secret", secret)
	form.Set("token", token)
	form.Set("token_type_hint", "refresh_token")
	return oauth.PostRevoke(ctx, a.http, revokeEndpoint, form, nil)
}
