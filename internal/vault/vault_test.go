package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/cache"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/flowstate"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/observability/logger"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/security/keyring"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/store/core"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/store/memory"
)

type fakeAdapter struct {
	provider oauth.Provider

	exchangeFn func(code string) (*oauth.TokenSet, error)
	userInfoFn func(ts *oauth.TokenSet) (*oauth.Identity, error)
	refreshFn  func(refreshToken string) (*oauth.TokenSet, error)

	refreshCalls atomic.Int32

	mu        sync.Mutex
	revoked   []string
	revokeErr error
}

func (f *fakeAdapter) Provider() oauth.Provider { return f.provider }

func (f *fakeAdapter) AuthURL(redirectURI, state string) string {
	return "https://provider.example/authorize?state=" + state
}

func (f *fakeAdapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.TokenSet, error) {
	if f.exchangeFn == nil {
		return nil, fmt.Errorf("%w: no exchange configured", oauth.ErrRejected)
	}
	return f.exchangeFn(code)
}

func (f *fakeAdapter) UserInfo(ctx context.Context, ts *oauth.TokenSet) (*oauth.Identity, error) {
	if f.userInfoFn == nil {
		return &oauth.Identity{SubjectID: "subject-1"}, nil
	}
	return f.userInfoFn(ts)
}

func (f *fakeAdapter) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenSet, error) {
	f.refreshCalls.Add(1)
	if f.refreshFn == nil {
		return nil, fmt.Errorf("%w: no refresh configured", oauth.ErrInvalidGrant)
	}
	return f.refreshFn(refreshToken)
}

func (f *fakeAdapter) Revoke(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revoked = append(f.revoked, token)
	return nil
}

type testEnv struct {
	vault   *Vault
	store   *memory.Store
	keyring *keyring.Keyring
	states  *flowstate.Manager
	adapter *fakeAdapter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	kr, err := keyring.New([]keyring.Key{
		{Version: 1, Alg: keyring.AlgAESGCM, Secret: testKey(0x11)},
	})
	require.NoError(t, err)

	c, err := cache.New(cache.Config{Driver: "memory"})
	require.NoError(t, err)
	states := flowstate.NewManager(c, time.Minute)

	adapter := &fakeAdapter{provider: oauth.ProviderSpotify}
	registry, err := oauth.NewRegistry(adapter)
	require.NoError(t, err)

	st := memory.New()
	v, err := New(Deps{Store: st, Keyring: kr, States: states, Registry: registry})
	require.NoError(t, err)

	return &testEnv{vault: v, store: st, keyring: kr, states: states, adapter: adapter}
}

func testKey(b byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return k
}

// beginAndComplete corre un flujo de login completo con el adapter fake.
func (e *testEnv) beginAndComplete(t *testing.T, redirectURI string) *FlowResult {
	t.Helper()
	ctx := context.Background()
	_, state, err := e.vault.BeginFlow(ctx, e.adapter.provider, redirectURI, flowstate.Purpose{Kind: flowstate.PurposeLogin})
	require.NoError(t, err)
	res, err := e.vault.CompleteFlow(ctx, e.adapter.provider, state, "code-1", redirectURI)
	require.NoError(t, err)
	return res
}

func TestCompleteFlow_CreatesUserAndStoresEncrypted(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.adapter.exchangeFn = func(code string) (*oauth.TokenSet, error) {
		return &oauth.TokenSet{AccessToken: "AT1", RefreshToken: "RT1", ExpiresIn: 3600}, nil
	}
	e.adapter.userInfoFn = func(ts *oauth.TokenSet) (*oauth.Identity, error) {
		return &oauth.Identity{SubjectID: "spotify-user-9", Email: "ana@example.com", EmailVerified: true}, nil
	}

	res := e.beginAndComplete(t, "https://app.example/cb")
	require.True(t, res.NewUser)
	require.Equal(t, "spotify-user-9", res.SubjectID)

	rec, err := e.store.Find(ctx, res.UserID, oauth.ProviderSpotify)
	require.NoError(t, err)
	require.NotContains(t, rec.AccessTokenCiphertext, "AT1")
	require.NotContains(t, rec.RefreshTokenCiphertext, "RT1")
	require.Equal(t, 1, rec.KeyVersion)
	require.NotNil(t, rec.AccessTokenExpiresAt)

	// El token fresco se entrega sin tocar el provider.
	token, err := e.vault.AccessToken(ctx, res.UserID, oauth.ProviderSpotify)
	require.NoError(t, err)
	require.Equal(t, "AT1", token)
	require.EqualValues(t, 0, e.adapter.refreshCalls.Load())
}

func TestCompleteFlow_InvalidState(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.vault.CompleteFlow(ctx, oauth.ProviderSpotify, "bogus", "code", "https://app.example/cb")
	require.ErrorIs(t, err, ErrStateInvalid)
}

func TestCompleteFlow_StateIsSingleUse(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.adapter.exchangeFn = func(code string) (*oauth.TokenSet, error) {
		return &oauth.TokenSet{AccessToken: "AT1", ExpiresIn: 3600}, nil
	}

	_, state, err := e.vault.BeginFlow(ctx, oauth.ProviderSpotify, "https://app.example/cb", flowstate.Purpose{Kind: flowstate.PurposeLogin})
	require.NoError(t, err)

	_, err = e.vault.CompleteFlow(ctx, oauth.ProviderSpotify, state, "code", "https://app.example/cb")
	require.NoError(t, err)

	_, err = e.vault.CompleteFlow(ctx, oauth.ProviderSpotify, state, "code", "https://app.example/cb")
	require.ErrorIs(t, err, ErrStateInvalid)
}

func TestCompleteFlow_LinksByVerifiedEmail(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	existing, err := e.store.CreateUserFromIdentity(ctx, oauth.Identity{
		SubjectID: "other", Email: "Ana@Example.com", EmailVerified: true,
	})
	require.NoError(t, err)

	e.adapter.exchangeFn = func(code string) (*oauth.TokenSet, error) {
		return &oauth.TokenSet{AccessToken: "AT1", ExpiresIn: 3600}, nil
	}
	e.adapter.userInfoFn = func(ts *oauth.TokenSet) (*oauth.Identity, error) {
		return &oauth.Identity{SubjectID: "sub-1", Email: "ana@example.com", EmailVerified: true}, nil
	}

	res := e.beginAndComplete(t, "https://app.example/cb")
	require.False(t, res.NewUser)
	require.Equal(t, existing.ID, res.UserID)
}

func TestCompleteFlow_UnverifiedEmailNeverLinks(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	existing, err := e.store.CreateUserFromIdentity(ctx, oauth.Identity{
		Email: "ana@example.com", EmailVerified: true,
	})
	require.NoError(t, err)

	e.adapter.exchangeFn = func(code string) (*oauth.TokenSet, error) {
		return &oauth.TokenSet{AccessToken: "AT1", ExpiresIn: 3600}, nil
	}
	e.adapter.userInfoFn = func(ts *oauth.TokenSet) (*oauth.Identity, error) {
		return &oauth.Identity{SubjectID: "sub-1", Email: "ana@example.com", EmailVerified: false}, nil
	}

	res := e.beginAndComplete(t, "https://app.example/cb")
	require.True(t, res.NewUser)
	require.NotEqual(t, existing.ID, res.UserID)
}

func TestCompleteFlow_IdentityConflictOnLink(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.adapter.exchangeFn = func(code string) (*oauth.TokenSet, error) {
		return &oauth.TokenSet{AccessToken: "AT1", ExpiresIn: 3600}, nil
	}
	e.adapter.userInfoFn = func(ts *oauth.TokenSet) (*oauth.Identity, error) {
		return &oauth.Identity{SubjectID: "shared-subject"}, nil
	}

	owner := e.beginAndComplete(t, "https://app.example/cb")

	other, err := e.store.CreateUserFromIdentity(ctx, oauth.Identity{Email: "b@example.com"})
	require.NoError(t, err)

	_, state, err := e.vault.BeginFlow(ctx, oauth.ProviderSpotify, "https://app.example/cb",
		flowstate.Purpose{Kind: flowstate.PurposeLink, UserID: other.ID})
	require.NoError(t, err)

	_, err = e.vault.CompleteFlow(ctx, oauth.ProviderSpotify, state, "code-2", "https://app.example/cb")
	require.ErrorIs(t, err, ErrIdentityConflict)

	// La credencial del dueño original queda intacta.
	_, err = e.store.Find(ctx, owner.UserID, oauth.ProviderSpotify)
	require.NoError(t, err)
}

func TestCompleteFlow_RepeatReplacesTokens(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	tokens := []string{"AT1", "AT2"}
	i := 0
	e.adapter.exchangeFn = func(code string) (*oauth.TokenSet, error) {
		ts := &oauth.TokenSet{AccessToken: tokens[i], RefreshToken: "RT" + tokens[i][2:], ExpiresIn: 3600}
		i++
		return ts, nil
	}

	first := e.beginAndComplete(t, "https://app.example/cb")
	rec1, err := e.store.Find(ctx, first.UserID, oauth.ProviderSpotify)
	require.NoError(t, err)

	second := e.beginAndComplete(t, "https://app.example/cb")
	require.Equal(t, first.UserID, second.UserID)
	require.False(t, second.NewUser)

	rec2, err := e.store.Find(ctx, first.UserID, oauth.ProviderSpotify)
	require.NoError(t, err)
	require.NotEqual(t, rec1.AccessTokenCiphertext, rec2.AccessTokenCiphertext)

	token, err := e.vault.AccessToken(ctx, first.UserID, oauth.ProviderSpotify)
	require.NoError(t, err)
	require.Equal(t, "AT2", token)
}

func TestCompleteFlow_ConcurrentSameIdentityOneUser(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.adapter.exchangeFn = func(code string) (*oauth.TokenSet, error) {
		return &oauth.TokenSet{AccessToken: "AT-" + code, ExpiresIn: 3600}, nil
	}

	const flows = 8
	states := make([]string, flows)
	for i := range states {
		var err error
		_, states[i], err = e.vault.BeginFlow(ctx, oauth.ProviderSpotify, "https://app.example/cb", flowstate.Purpose{Kind: flowstate.PurposeLogin})
		require.NoError(t, err)
	}

	results := make([]*FlowResult, flows)
	errs := make([]error, flows)
	var wg sync.WaitGroup
	for i := 0; i < flows; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.vault.CompleteFlow(ctx, oauth.ProviderSpotify, states[i], fmt.Sprintf("code-%d", i), "https://app.example/cb")
		}(i)
	}
	wg.Wait()

	for i := 0; i < flows; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].UserID, results[i].UserID)
	}
}

// seedCredential inserta una credencial cifrada directamente en el store.
func (e *testEnv) seedCredential(t *testing.T, userID, access, refresh string, expiresAt *time.Time) {
	t.Helper()
	accessCT, version, err := e.keyring.Encrypt([]byte(access))
	require.NoError(t, err)
	refreshCT := ""
	if refresh != "" {
		refreshCT, err = e.keyring.EncryptWith(version, []byte(refresh))
		require.NoError(t, err)
	}
	err = e.store.Upsert(context.Background(), &core.CredentialRecord{
		UserID:                 userID,
		Provider:               oauth.ProviderSpotify,
		SubjectID:              "sub-1",
		AccessTokenCiphertext:  accessCT,
		RefreshTokenCiphertext: refreshCT,
		AccessTokenExpiresAt:   expiresAt,
		KeyVersion:             version,
	})
	require.NoError(t, err)
}

func TestAccessToken_NotLinked(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.vault.AccessToken(context.Background(), "nobody", oauth.ProviderSpotify)
	require.ErrorIs(t, err, ErrNotLinked)
}

func TestAccessToken_RefreshesWhenExpired(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	expired := time.Now().Add(-time.Minute)
	e.seedCredential(t, "u1", "AT1", "RT1", &expired)

	e.adapter.refreshFn = func(refreshToken string) (*oauth.TokenSet, error) {
		require.Equal(t, "RT1", refreshToken)
		// Spotify omite el refresh token nuevo: el anterior se conserva.
		return &oauth.TokenSet{AccessToken: "AT2", ExpiresIn: 3600}, nil
	}

	token, err := e.vault.AccessToken(ctx, "u1", oauth.ProviderSpotify)
	require.NoError(t, err)
	require.Equal(t, "AT2", token)

	rec, err := e.store.Find(ctx, "u1", oauth.ProviderSpotify)
	require.NoError(t, err)
	pt, _, err := e.keyring.Decrypt(rec.RefreshTokenCiphertext)
	require.NoError(t, err)
	require.Equal(t, "RT1", string(pt))

	// Segundo pedido: el token nuevo sigue fresco, cero round trips extra.
	token, err = e.vault.AccessToken(ctx, "u1", oauth.ProviderSpotify)
	require.NoError(t, err)
	require.Equal(t, "AT2", token)
	require.EqualValues(t, 1, e.adapter.refreshCalls.Load())
}

func TestAccessToken_RotatesRefreshTokenWhenProviderReturnsOne(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	expired := time.Now().Add(-time.Minute)
	e.seedCredential(t, "u1", "AT1", "RT1", &expired)

	e.adapter.refreshFn = func(refreshToken string) (*oauth.TokenSet, error) {
		return &oauth.TokenSet{AccessToken: "AT2", RefreshToken: "RT2", ExpiresIn: 3600}, nil
	}

	_, err := e.vault.AccessToken(ctx, "u1", oauth.ProviderSpotify)
	require.NoError(t, err)

	rec, err := e.store.Find(ctx, "u1", oauth.ProviderSpotify)
	require.NoError(t, err)
	pt, _, err := e.keyring.Decrypt(rec.RefreshTokenCiphertext)
	require.NoError(t, err)
	require.Equal(t, "RT2", string(pt))
}

func TestAccessToken_WithinMarginTriggersRefresh(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// Expira en 1 minuto: dentro del margen, se refresca igual.
	soon := time.Now().Add(time.Minute)
	e.seedCredential(t, "u1", "AT1", "RT1", &soon)

	e.adapter.refreshFn = func(refreshToken string) (*oauth.TokenSet, error) {
		return &oauth.TokenSet{AccessToken: "AT2", ExpiresIn: 3600}, nil
	}

	token, err := e.vault.AccessToken(ctx, "u1", oauth.ProviderSpotify)
	require.NoError(t, err)
	require.Equal(t, "AT2", token)
}

func TestAccessToken_LongLivedNeverRefreshes(t *testing.T) {
	e := newTestEnv(t)
	e.seedCredential(t, "u1", "AT1", "", nil)

	token, err := e.vault.AccessToken(context.Background(), "u1", oauth.ProviderSpotify)
	require.NoError(t, err)
	require.Equal(t, "AT1", token)
	require.EqualValues(t, 0, e.adapter.refreshCalls.Load())
}

func TestAccessToken_NoRefreshToken(t *testing.T) {
	e := newTestEnv(t)
	expired := time.Now().Add(-time.Minute)
	e.seedCredential(t, "u1", "AT1", "", &expired)

	_, err := e.vault.AccessToken(context.Background(), "u1", oauth.ProviderSpotify)
	require.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestAccessToken_InvalidGrantRemovesCredential(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	expired := time.Now().Add(-time.Minute)
	e.seedCredential(t, "u1", "AT1", "RT1", &expired)

	e.adapter.refreshFn = func(refreshToken string) (*oauth.TokenSet, error) {
		return nil, fmt.Errorf("%w: token revoked", oauth.ErrInvalidGrant)
	}

	_, err := e.vault.AccessToken(ctx, "u1", oauth.ProviderSpotify)
	require.ErrorIs(t, err, ErrReauthRequired)

	// La credencial inválida fue eliminada: el próximo pedido es NotLinked.
	_, err = e.vault.AccessToken(ctx, "u1", oauth.ProviderSpotify)
	require.ErrorIs(t, err, ErrNotLinked)
}

func TestAccessToken_UnavailableKeepsCredential(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	expired := time.Now().Add(-time.Minute)
	e.seedCredential(t, "u1", "AT1", "RT1", &expired)

	e.adapter.refreshFn = func(refreshToken string) (*oauth.TokenSet, error) {
		return nil, fmt.Errorf("%w: timeout", oauth.ErrUnavailable)
	}

	_, err := e.vault.AccessToken(ctx, "u1", oauth.ProviderSpotify)
	require.ErrorIs(t, err, oauth.ErrUnavailable)
	// El provider reintentó con backoff antes de rendirse.
	require.EqualValues(t, 3, e.adapter.refreshCalls.Load())

	// El registro sigue ahí para cuando el provider vuelva.
	_, err = e.store.Find(ctx, "u1", oauth.ProviderSpotify)
	require.NoError(t, err)
}

func TestAccessToken_ConcurrentRequestsSingleRefresh(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	expired := time.Now().Add(-time.Minute)
	e.seedCredential(t, "u1", "AT1", "RT1", &expired)

	e.adapter.refreshFn = func(refreshToken string) (*oauth.TokenSet, error) {
		time.Sleep(50 * time.Millisecond) // ventana para que el resto se encole
		return &oauth.TokenSet{AccessToken: "AT2", ExpiresIn: 3600}, nil
	}

	const callers = 10
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = e.vault.AccessToken(ctx, "u1", oauth.ProviderSpotify)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "AT2", tokens[i])
	}
	require.EqualValues(t, 1, e.adapter.refreshCalls.Load())
}

func TestAccessToken_TamperedCiphertext(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.seedCredential(t, "u1", "AT1", "RT1", nil)
	rec, err := e.store.Find(ctx, "u1", oauth.ProviderSpotify)
	require.NoError(t, err)
	rec.AccessTokenCiphertext = strings.Replace(rec.AccessTokenCiphertext, "v1|", "v9|", 1)
	require.NoError(t, e.store.Upsert(ctx, rec))

	_, err = e.vault.AccessToken(ctx, "u1", oauth.ProviderSpotify)
	require.ErrorIs(t, err, ErrDecryption)

	// El registro no se toca: diagnosticar es tarea del operador.
	_, err = e.store.Find(ctx, "u1", oauth.ProviderSpotify)
	require.NoError(t, err)
}

func TestAccessToken_DecryptFailureIsLogged(t *testing.T) {
	e := newTestEnv(t)

	obs, logs := observer.New(zapcore.ErrorLevel)
	ctx := logger.ToContext(context.Background(), zap.New(obs))

	e.seedCredential(t, "u1", "AT1", "RT1", nil)
	rec, err := e.store.Find(ctx, "u1", oauth.ProviderSpotify)
	require.NoError(t, err)
	rec.AccessTokenCiphertext = strings.Replace(rec.AccessTokenCiphertext, "v1|", "v9|", 1)
	require.NoError(t, e.store.Upsert(ctx, rec))

	_, err = e.vault.AccessToken(ctx, "u1", oauth.ProviderSpotify)
	require.ErrorIs(t, err, ErrDecryption)

	// El fallo de descifrado queda en el log del server, con el registro
	// y la versión de clave identificados; arriba solo viaja un 500.
	entries := logs.FilterMessage("credential decryption failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	require.Equal(t, "spotify", fields["provider"])
	require.Equal(t, "u1", fields["user_id"])
	require.Equal(t, int64(1), fields["key_version"])
	require.NotContains(t, fmt.Sprint(fields), "AT1")
}

func TestUnlink_RevokesAndDeletes(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.seedCredential(t, "u1", "AT1", "RT1", nil)

	require.NoError(t, e.vault.Unlink(ctx, "u1", oauth.ProviderSpotify))

	e.adapter.mu.Lock()
	revoked := append([]string(nil), e.adapter.revoked...)
	e.adapter.mu.Unlock()
	require.Equal(t, []string{"RT1", "AT1"}, revoked)

	_, err := e.store.Find(ctx, "u1", oauth.ProviderSpotify)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestUnlink_SucceedsDespiteRevokeFailure(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.seedCredential(t, "u1", "AT1", "RT1", nil)
	e.adapter.revokeErr = fmt.Errorf("%w: revocation endpoint down", oauth.ErrUnavailable)

	require.NoError(t, e.vault.Unlink(ctx, "u1", oauth.ProviderSpotify))

	_, err := e.store.Find(ctx, "u1", oauth.ProviderSpotify)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestUnlink_NotLinked(t *testing.T) {
	e := newTestEnv(t)
	err := e.vault.Unlink(context.Background(), "nobody", oauth.ProviderSpotify)
	require.ErrorIs(t, err, ErrNotLinked)
}

func TestConnections_MetadataOnly(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.seedCredential(t, "u1", "AT1", "RT1", nil)

	infos, err := e.vault.Connections(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, oauth.ProviderSpotify, infos[0].Provider)
	require.Equal(t, "sub-1", infos[0].SubjectID)
}
