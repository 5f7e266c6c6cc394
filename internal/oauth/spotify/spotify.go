// Package spotify implementa el adapter OAuth 2.0 de Spotify.
// Quirk: el token endpoint autentica con Basic auth, y el refresh puede
// no devolver un refresh token nuevo (se conserva el anterior).
package spotify

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
)

const (
	authEndpoint     = "https://accounts.spotify.com/authorize"
	tokenEndpoint    = "https://accounts.spotify.com/api/token"
	userInfoEndpoint = "https://api.spotify.com/v1/me"
)

// Adapter es el cliente OAuth de Spotify.
type Adapter struct {
	clientID     string
	clientSecret string
	scopes       []string

	http *http.Client
}

// New crea el adapter de Spotify. Los scopes default alcanzan para leer
// la librería y modificar playlists del usuario (enforcement).
func New(clientID, clientSecret string, scopes []string) *Adapter {
	if len(scopes) == 0 {
		scopes = []string{
			"user-read-email",
			"user-library-read",
			"user-library-modify",
			"playlist-modify-private",
			"user-follow-modify",
		}
	}
	return &Adapter{
		clientID:     clientID,
		clientSecret: clientSecret,
		scopes:       scopes,
		http:         oauth.DefaultHTTPClient(),
	}
}

// WithHTTPClient reemplaza el cliente HTTP (tests).
func (s *Adapter) WithHTTPClient(hc *http.Client) *Adapter {
	s.http = hc
	return s
}

func (s *Adapter) Provider() oauth.Provider { return oauth.ProviderSpotify }

func (s *Adapter) basicAuth() http.Header {
	cred := base64.StdEncoding.EncodeToString([]byte(s.clientID + ":" + s.clientSecret))
	h := http.Header{}
	h.Set("Authorization", "Basic "+cred)
	return h
}

// AuthURL construye la URL de autorización de Spotify.
func (s *Adapter) AuthURL(redirectURI, state string) string {
	u, _ := url.Parse(authEndpoint)
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", s.clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(s.scopes, " "))
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Adapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	return oauth.PostTokenForm(ctx, s.http, tokenEndpoint, form, s.basicAuth())
}

func (s *Adapter) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return oauth.PostTokenForm(ctx, s.http, tokenEndpoint, form, s.basicAuth())
}

type userInfo struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Images      []struct {
		URL string `json:"url"`
	} `json:"images"`
}

func (s *Adapter) UserInfo(ctx context.Context, ts *oauth.TokenSet) (*oauth.Identity, error) {
	var ui userInfo
	if err := oauth.GetJSON(ctx, s.http, userInfoEndpoint, ts.AccessToken, &ui); err != nil {
		return nil, err
	}
	id := &oauth.Identity{
		SubjectID:   ui.ID,
		Email:       ui.Email,
		DisplayName: ui.DisplayName,
		// Spotify no expone verificación de email por API.
		EmailVerified: false,
	}
	if len(ui.Images) > 0 {
		id.AvatarURL = ui.Images[0].URL
	}
	return id, nil
}
