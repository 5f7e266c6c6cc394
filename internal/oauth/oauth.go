// Package oauth define las formas comunes que todo provider adapter
// normaliza: Provider, TokenSet, Identity y la taxonomía de errores.
// El orquestador del vault solo habla estos tipos; los quirks de cada
// provider viven en los subpaquetes (google, github, apple, ...).
package oauth

import (
	"fmt"
	"time"
)

// Provider identifica un servicio de identidad o streaming soportado.
// Enum cerrado: Parse rechaza cualquier otro valor.
type Provider string

const (
	ProviderGoogle       Provider = "google"
	ProviderApple        Provider = "apple"
	ProviderGitHub       Provider = "github"
	ProviderSpotify      Provider = "spotify"
	ProviderAppleMusic   Provider = "apple_music"
	ProviderYouTubeMusic Provider = "youtube_music"
	ProviderTidal        Provider = "tidal"
)

// Providers lista todas las variantes válidas, en orden estable.
func Providers() []Provider {
	return []Provider{
		ProviderGoogle,
		ProviderApple,
		ProviderGitHub,
		ProviderSpotify,
		ProviderAppleMusic,
		ProviderYouTubeMusic,
		ProviderTidal,
	}
}

// Parse valida y convierte un string a Provider.
func Parse(s string) (Provider, error) {
	p := Provider(s)
	if !p.Valid() {
		return "", fmt.Errorf("oauth: unknown provider %q", s)
	}
	return p, nil
}

// Valid verifica si el provider es una variante conocida.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderApple, ProviderGitHub, ProviderSpotify,
		ProviderAppleMusic, ProviderYouTubeMusic, ProviderTidal:
		return true
	}
	return false
}

func (p Provider) String() string { return string(p) }

// TokenSet es la respuesta normalizada de un token endpoint.
type TokenSet struct {
	AccessToken  string
	RefreshToken string // vacío si el provider no emite refresh tokens
	IDToken      string // solo providers OIDC
	ExpiresIn    int    // segundos; 0 = el provider no informó expiración
}

// ExpiresAt calcula el instante de expiración relativo a now.
// Retorna nil cuando el provider no informó expiración (tratar como
// long-lived, validar por uso).
func (t *TokenSet) ExpiresAt(now time.Time) *time.Time {
	if t.ExpiresIn <= 0 {
		return nil
	}
	at := now.Add(time.Duration(t.ExpiresIn) * time.Second)
	return &at
}

// Identity es la identidad externa normalizada que retorna UserInfo.
// Cada adapter resuelve los quirks del provider (email ausente, verificación
// implícita, etc.) antes de llegar acá.
type Identity struct {
	SubjectID     string // identificador estable del provider, nunca vacío
	Email         string
	EmailVerified bool
	DisplayName   string
	AvatarURL     string
}
