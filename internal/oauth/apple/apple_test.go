package apple

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
)

func testSigner(t *testing.T) (*Signer, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	s, err := NewSigner("TEAM123", "KEY456", "com.example.app", pemBytes)
	require.NoError(t, err)
	return s, key
}

func TestNewSigner_RejectsGarbage(t *testing.T) {
	_, err := NewSigner("T", "K", "C", []byte("not a pem"))
	require.Error(t, err)
}

func TestClientSecret_Claims(t *testing.T) {
	s, key := testSigner(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	raw, err := s.ClientSecret(now)
	require.NoError(t, err)

	claims := jwtv5.MapClaims{}
	tok, err := jwtv5.NewParser(jwtv5.WithValidMethods([]string{"ES256"}), jwtv5.WithTimeFunc(func() time.Time { return now })).
		ParseWithClaims(raw, claims, func(t *jwtv5.Token) (any, error) { return &key.PublicKey, nil })
	require.NoError(t, err)
	require.True(t, tok.Valid)

	require.Equal(t, "KEY456", tok.Header["kid"])
	require.Equal(t, "TEAM123", claims["iss"])
	require.Equal(t, "com.example.app", claims["sub"])
	require.Equal(t, "https://appleid.apple.com", claims["aud"])
	require.EqualValues(t, now.Add(5*time.Minute).Unix(), claims["exp"])
}

func TestDeveloperToken(t *testing.T) {
	s, key := testSigner(t)
	now := time.Now()

	raw, err := s.DeveloperToken(now, 12*time.Hour)
	require.NoError(t, err)

	claims := jwtv5.MapClaims{}
	_, err = jwtv5.NewParser(jwtv5.WithValidMethods([]string{"ES256"})).
		ParseWithClaims(raw, claims, func(t *jwtv5.Token) (any, error) { return &key.PublicKey, nil })
	require.NoError(t, err)
	require.Equal(t, "TEAM123", claims["iss"])
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestExchangeCode_SendsSignedAssertion(t *testing.T) {
	s, key := testSigner(t)

	a := New(s, nil).WithHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		b, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(b))

		secret := form.Get("client_secret")
		require.NotEmpty(t, secret)
		claims := jwtv5.MapClaims{}
		_, err := jwtv5.NewParser(jwtv5.WithValidMethods([]string{"ES256"})).
			ParseWithClaims(secret, claims, func(t *jwtv5.Token) (any, error) { return &key.PublicKey, nil })
		require.NoError(t, err)
		require.Equal(t, "com.example.app", claims["sub"])

		return jsonResponse(200, `{"access_token":"AT1","refresh_token":"RT1","id_token":"x.y.z","expires_in":3600}`), nil
	})})

	ts, err := a.ExchangeCode(context.Background(), "code-1", "https://app.example/cb")
	require.NoError(t, err)
	require.Equal(t, "AT1", ts.AccessToken)
	require.Equal(t, "x.y.z", ts.IDToken)
}

func TestUserInfo_ReadsIDToken(t *testing.T) {
	s, _ := testSigner(t)

	idToken := signIDToken(t, s, jwtv5.MapClaims{
		"iss":            "https://appleid.apple.com",
		"sub":            "001234.abcd",
		"email":          "ana@privaterelay.appleid.com",
		"email_verified": "true", // Apple manda string acá
	})

	a := New(s, nil)
	id, err := a.UserInfo(context.Background(), &oauth.TokenSet{AccessToken: "AT1", IDToken: idToken})
	require.NoError(t, err)
	require.Equal(t, "001234.abcd", id.SubjectID)
	require.Equal(t, "ana@privaterelay.appleid.com", id.Email)
	require.True(t, id.EmailVerified)
}

func TestUserInfo_MissingIDToken(t *testing.T) {
	s, _ := testSigner(t)
	a := New(s, nil)
	_, err := a.UserInfo(context.Background(), &oauth.TokenSet{AccessToken: "AT1"})
	require.Error(t, err)
}

func signIDToken(t *testing.T, s *Signer, claims jwtv5.MapClaims) string {
	t.Helper()
	tok := jwtv5.NewWithClaims(jwtv5.SigningMethodES256, claims)
	raw, err := tok.SignedString(s.key)
	require.NoError(t, err)
	return raw
}

func TestAuthURL_FormPost(t *testing.T) {
	s, _ := testSigner(t)
	a := New(s, nil)

	u, err := url.Parse(a.AuthURL("https://app.example/cb", "state-1"))
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "com.example.app", q.Get("client_id"))
	// Apple exige form_post cuando se piden scopes de name/email.
	require.Equal(t, "form_post", q.Get("response_mode"))
	require.Equal(t, "state-1", q.Get("state"))
}
