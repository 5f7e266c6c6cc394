// Package github implementa el adapter OAuth 2.0 de GitHub.
// A diferencia de Google OIDC, GitHub no emite id_token ni refresh token:
// la identidad sale de la API y el access token vale hasta que falle.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
)

const (
	authEndpoint  = "https://github.com/login/oauth/authorize"
	tokenEndpoint = "https://github.com/login/oauth/access_token"
	userEndpoint  = "https://api.github.com/user"
	emailEndpoint = "https://api.github.com/user/emails"
)

// Adapter es el cliente OAuth de GitHub.
type Adapter struct {
	clientID     string
	clientSecret string
	scopes       []string

	http *http.Client
}

// New crea el adapter de GitHub.
func New(clientID, clientSecret string, scopes []string) *Adapter {
	if len(scopes) == 0 {
		scopes = []string{"user:email", "read:user"}
	}
	return &Adapter{
		clientID:     clientID,
		clientSecret: clientSecret,
		scopes:       scopes,
		http:         oauth.DefaultHTTPClient(),
	}
}

// WithHTTPClient reemplaza el cliente HTTP (tests).
func (g *Adapter) WithHTTPClient(hc *http.Client) *Adapter {
	g.http = hc
	return g
}

func (g *Adapter) Provider() oauth.Provider { return oauth.ProviderGitHub }

// AuthURL construye la URL de autorización de GitHub.
func (g *Adapter) AuthURL(redirectURI, state string) string {
	u, _ := url.Parse(authEndpoint)
	q := u.Query()
	q.Set("client_id", g.clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(g.scopes, " "))
	q.Set("state", state)
	q.Set("allow_signup", "true")
	u.RawQuery = q.Encode()
	return u.String()
}

func (g *Adapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.TokenSet, error) {
	form := url.Values{}
	form.Set("client_id", g.clientID)
	form.Set("client_secret", g.clientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	return oauth.PostTokenForm(ctx, g.http, tokenEndpoint, form, nil)
}

// Refresh no existe en GitHub: el access token no expira por tiempo.
// Si el orquestador llega acá es porque la credencial ya no sirve.
func (g *Adapter) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenSet, error) {
	return nil, fmt.Errorf("github does not issue refresh tokens: %w", oauth.ErrInvalidGrant)
}

type userInfo struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type emailInfo struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// UserInfo obtiene /user y, si el email es privado, cae a /user/emails
// buscando el primario verificado.
func (g *Adapter) UserInfo(ctx context.Context, ts *oauth.TokenSet) (*oauth.Identity, error) {
	var ui userInfo
	if err := oauth.GetJSON(ctx, g.http, userEndpoint, ts.AccessToken, &ui); err != nil {
		return nil, err
	}

	id := &oauth.Identity{
		SubjectID:   strconv.FormatInt(ui.ID, 10),
		Email:       ui.Email,
		DisplayName: ui.Name,
		AvatarURL:   ui.AvatarURL,
	}
	if id.DisplayName == "" {
		id.DisplayName = ui.Login
	}

	var emails []emailInfo
	if err := oauth.GetJSON(ctx, g.http, emailEndpoint, ts.AccessToken, &emails); err == nil {
		if e := pickEmail(emails, id.Email); e != nil {
			id.Email = e.Email
			id.EmailVerified = e.Verified
		}
	}
	// Sin acceso a /user/emails el email queda sin verificar: nunca se
	// asume verificación que el provider no afirmó.
	return id, nil
}

// pickEmail elige primario verificado > cualquier verificado > el actual.
func pickEmail(emails []emailInfo, current string) *emailInfo {
	for i := range emails {
		if emails[i].Primary && emails[i].Verified {
			return &emails[i]
		}
	}
	for i := range emails {
		if emails[i].Verified {
			return &emails[i]
		}
	}
	for i := range emails {
		if emails[i].Email == current {
			return &emails[i]
		}
	}
	return nil
}
