package flowstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/cache"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
)

const redirect = "https://app.example.com/callback"

func newManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(cache.NewMemory("test"), DefaultTTL)
}

func TestIssueConsume_RoundTrip(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	tok, err := m.Issue(ctx, oauth.ProviderSpotify, redirect, Purpose{Kind: PurposeLink, UserID: "u-1"})
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	p, err := m.Consume(ctx, tok, oauth.ProviderSpotify, redirect)
	require.NoError(t, err)
	require.Equal(t, PurposeLink, p.Kind)
	require.Equal(t, "u-1", p.UserID)
}

func TestConsume_SingleUse(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	tok, err := m.Issue(ctx, oauth.ProviderGoogle, redirect, Purpose{Kind: PurposeLogin})
	require.NoError(t, err)

	_, err = m.Consume(ctx, tok, oauth.ProviderGoogle, redirect)
	require.NoError(t, err)

	// Segunda consumición: NotFound, nunca aceptada en silencio.
	_, err = m.Consume(ctx, tok, oauth.ProviderGoogle, redirect)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConsume_UnknownToken(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	_, err := m.Consume(context.Background(), "no-such-token", oauth.ProviderGoogle, redirect)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConsume_Mismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("provider distinto", func(t *testing.T) {
		m := newManager(t)
		tok, err := m.Issue(ctx, oauth.ProviderGoogle, redirect, Purpose{Kind: PurposeLogin})
		require.NoError(t, err)

		_, err = m.Consume(ctx, tok, oauth.ProviderGitHub, redirect)
		require.ErrorIs(t, err, ErrMismatch)
	})

	t.Run("redirect_uri distinta", func(t *testing.T) {
		m := newManager(t)
		tok, err := m.Issue(ctx, oauth.ProviderGoogle, redirect, Purpose{Kind: PurposeLogin})
		require.NoError(t, err)

		_, err = m.Consume(ctx, tok, oauth.ProviderGoogle, "https://evil.example.com/cb")
		require.ErrorIs(t, err, ErrMismatch)
	})
}

func TestConsume_Expired(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	tok, err := m.Issue(ctx, oauth.ProviderTidal, redirect, Purpose{Kind: PurposeLogin})
	require.NoError(t, err)

	// Adelantar el reloj del manager más allá del TTL.
	m.now = func() time.Time { return time.Now().Add(DefaultTTL + time.Minute) }

	_, err = m.Consume(ctx, tok, oauth.ProviderTidal, redirect)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIssue_TokensAreUnique(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok, err := m.Issue(ctx, oauth.ProviderGoogle, redirect, Purpose{Kind: PurposeLogin})
		require.NoError(t, err)
		require.False(t, seen[tok], "token repetido")
		seen[tok] = true
	}
}
