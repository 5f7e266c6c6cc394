package github

import (
	"context"
	"io"
	"net/http"
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

func TestExchangeCode_ErrorInOKBody(t *testing.T) {
	// GitHub responde 200 con un error en el cuerpo para codes inválidos.
	a := New("client-1", "secret", nil).WithHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"error":"bad_verification_code","error_description":"The code passed is incorrect or expired."}`), nil
	})})

	_, err := a.ExchangeCode(context.Background(), "bad-code", "https://app.example/cb")
	require.ErrorIs(t, err, oauth.ErrRejected)
}

func TestRefresh_AlwaysInvalidGrant(t *testing.T) {
	a := New("client-1", "secret", nil)
	_, err := a.Refresh(context.Background(), "anything")
	require.ErrorIs(t, err, oauth.ErrInvalidGrant)
}

func TestUserInfo_PrivateEmailFallsBackToEmailsAPI(t *testing.T) {
	a := New("client-1", "secret", nil).WithHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		switch r.URL.Path {
		case "/user":
			// email null: el usuario lo tiene privado.
			return jsonResponse(200, `{"id":5550001,"login":"anadev","name":"","email":null,"avatar_url":"https://avatars.example/u/5550001"}`), nil
		case "/user/emails":
			return jsonResponse(200, `[
				{"email":"spam@example.com","primary":false,"verified":false},
				{"email":"ana@example.com","primary":true,"verified":true}
			]`), nil
		}
		return jsonResponse(404, `{}`), nil
	})})

	id, err := a.UserInfo(context.Background(), &oauth.TokenSet{AccessToken: "AT1"})
	require.NoError(t, err)
	require.Equal(t, "5550001", id.SubjectID)
	require.Equal(t, "ana@example.com", id.Email)
	require.True(t, id.EmailVerified)
	// Sin nombre, el login es el display name.
	require.Equal(t, "anadev", id.DisplayName)
}

func TestUserInfo_NoEmailScopeLeavesUnverified(t *testing.T) {
	a := New("client-1", "secret", nil).WithHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		switch r.URL.Path {
		case "/user":
			return jsonResponse(200, `{"id":1,"login":"dev","email":"dev@example.com"}`), nil
		case "/user/emails":
			return jsonResponse(403, `{"message":"forbidden"}`), nil
		}
		return jsonResponse(404, `{}`), nil
	})})

	id, err := a.UserInfo(context.Background(), &oauth.TokenSet{AccessToken: "AT1"})
	require.NoError(t, err)
	require.Equal(t, "dev@example.com", id.Email)
	require.False(t, id.EmailVerified)
}

func TestPickEmail(t *testing.T) {
	emails := []emailInfo{
		{Email: "a@example.com", Verified: true},
		{Email: "b@example.com", Primary: true, Verified: true},
		{Email: "c@example.com"},
	}
	picked := pickEmail(emails, "")
	require.NotNil(t, picked)
	require.Equal(t, "b@example.com", picked.Email)

	// Sin primario verificado, cualquier verificado gana.
	picked = pickEmail(emails[:1], "")
	require.Equal(t, "a@example.com", picked.Email)

	require.Nil(t, pickEmail(nil, ""))
}
