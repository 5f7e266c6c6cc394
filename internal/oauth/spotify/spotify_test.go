package spotify

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestExchangeCode_UsesBasicAuth(t *testing.T) {
	a := New("client-1", "secret", nil).WithHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte("client-1:secret"))
		require.Equal(t, want, r.Header.Get("Authorization"))

		b, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(b))
		// El client_id va en el header, no en el form.
		require.Empty(t, form.Get("client_id"))
		require.Equal(t, "authorization_code", form.Get("grant_type"))

		return jsonResponse(200, `{"access_token":"AT1","refresh_token":"RT1","expires_in":3600}`), nil
	})})

	ts, err := a.ExchangeCode(context.Background(), "code-1", "https://app.example/cb")
	require.NoError(t, err)
	require.Equal(t, "AT1", ts.AccessToken)
	require.Equal(t, "RT1", ts.RefreshToken)
}

func TestRefresh_MayOmitRefreshToken(t *testing.T) {
	a := New("client-1", "secret", nil).WithHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"access_token":"AT2","expires_in":3600}`), nil
	})})

	ts, err := a.Refresh(context.Background(), "RT1")
	require.NoError(t, err)
	require.Equal(t, "AT2", ts.AccessToken)
	// El caller decide conservar el refresh token anterior.
	require.Empty(t, ts.RefreshToken)
}

func TestUserInfo_EmailNeverVerified(t *testing.T) {
	a := New("client-1", "secret", nil).WithHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "Bearer AT1", r.Header.Get("Authorization"))
		return jsonResponse(200, `{"id":"sp-9","email":"ana@example.com","display_name":"Ana","images":[{"url":"https://i.scdn.example/a.jpg"}]}`), nil
	})})

	id, err := a.UserInfo(context.Background(), &oauth.TokenSet{AccessToken: "AT1"})
	require.NoError(t, err)
	require.Equal(t, "sp-9", id.SubjectID)
	require.Equal(t, "ana@example.com", id.Email)
	require.False(t, id.EmailVerified)
	require.Equal(t, "https://i.scdn.example/a.jpg", id.AvatarURL)
}

func TestDefaultScopesCoverEnforcement(t *testing.T) {
	a := New("client-1", "secret", nil)
	u, err := url.Parse(a.AuthURL("https://app.example/cb", "s"))
	require.NoError(t, err)
	scope := u.Query().Get("scope")
	require.Contains(t, scope, "user-library-modify")
	require.Contains(t, scope, "playlist-modify-private")
}
