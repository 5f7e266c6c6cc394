package oauth

import (
	"context"
	"fmt"
)

// Adapter es la capability polimórfica que implementa cada provider.
// AuthURL es construcción pura (sin red); el resto son un round trip cada
// uno y respetan el deadline del contexto.
type Adapter interface {
	Provider() Provider

	// AuthURL construye la URL de autorización con los scopes y
	// parámetros que el provider requiere.
	AuthURL(redirectURI, state string) string

	// ExchangeCode canjea el authorization code por un TokenSet.
	// Falla con ErrRejected (4xx) o ErrUnavailable (5xx/red).
	ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error)

	// UserInfo obtiene la identidad externa a partir del TokenSet fresco.
	// Providers OIDC (Apple) la leen del id_token; el resto hace un GET
	// al endpoint de userinfo con el access token.
	UserInfo(ctx context.Context, ts *TokenSet) (*Identity, error)

	// Refresh canjea el refresh token por un TokenSet nuevo.
	// Falla con ErrInvalidGrant cuando el refresh token mismo fue
	// revocado/expiró (terminal: re-autenticar, no reintentar).
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// Revoker es la capability opcional de revocación remota (RFC 7009).
// Unlink la usa best-effort via type assertion.
type Revoker interface {
	Revoke(ctx context.Context, token string) error
}

// Registry mapea cada variante de Provider a su adapter.
// Construido una vez al startup; inmutable después.
type Registry struct {
	adapters map[Provider]Adapter
}

// NewRegistry construye el registry. Falla si dos adapters declaran el
// mismo provider.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	m := make(map[Provider]Adapter, len(adapters))
	for _, a := range adapters {
		p := a.Provider()
		if !p.Valid() {
			return nil, fmt.Errorf("oauth: adapter declares unknown provider %q", p)
		}
		if _, dup := m[p]; dup {
			return nil, fmt.Errorf("oauth: duplicate adapter for provider %q", p)
		}
		m[p] = a
	}
	return &Registry{adapters: m}, nil
}

// Adapter retorna el adapter para un provider, o error si no está
// configurado en este deployment.
func (r *Registry) Adapter(p Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("oauth: provider %q not configured", p)
	}
	return a, nil
}

// Enabled lista los providers con adapter configurado.
func (r *Registry) Enabled() []Provider {
	out := make([]Provider, 0, len(r.adapters))
	for _, p := range Providers() {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
