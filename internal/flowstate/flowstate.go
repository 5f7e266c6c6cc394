// Package flowstate maneja el estado anti-CSRF de flujos OAuth en curso.
// Cada state token es aleatorio, de un solo uso y con TTL corto; se
// almacena en cache (memory o redis) y se consume atómicamente via
// GetDelete, así dos callbacks concurrentes nunca validan el mismo state.
package flowstate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/cache"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/observability/logger"
)

const (
	keyPrefix  = "oauthstate"
	tokenBytes = 32 // 256 bits de entropía
	DefaultTTL = 10 * time.Minute
)

var (
	// ErrNotFound: state desconocido, expirado o ya consumido.
	// El caller responde "reintentá el login", no es fatal.
	ErrNotFound = errors.New("flowstate: state not found")

	// ErrMismatch: el provider o redirect_uri no coinciden con los de la
	// emisión. Posible CSRF o misconfiguración; se loguea prominente.
	ErrMismatch = errors.New("flowstate: state mismatch")
)

// PurposeKind distingue login de vinculación a un usuario existente.
type PurposeKind string

const (
	PurposeLogin PurposeKind = "login"
	PurposeLink  PurposeKind = "link"
)

// Purpose describe para qué se inició el flujo.
type Purpose struct {
	Kind PurposeKind `json:"kind"`
	// UserID del usuario local existente, solo cuando Kind es link.
	UserID string `json:"user_id,omitempty"`
}

// record es el estado serializado en cache.
type record struct {
	Provider    oauth.Provider `json:"provider"`
	RedirectURI string         `json:"redirect_uri"`
	Purpose     Purpose        `json:"purpose"`
	IssuedAt    time.Time      `json:"issued_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Manager emite y consume state tokens.
type Manager struct {
	cache cache.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewManager crea un Manager sobre el cache dado.
func NewManager(c cache.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{cache: c, ttl: ttl, now: time.Now}
}

// Issue genera un state token aleatorio y persiste el registro con TTL.
func (m *Manager) Issue(ctx context.Context, provider oauth.Provider, redirectURI string, purpose Purpose) (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("flowstate: random: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := m.now()
	rec := record{
		Provider:    provider,
		RedirectURI: redirectURI,
		Purpose:     purpose,
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.ttl),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := m.cache.Set(ctx, keyPrefix+":"+token, string(b), m.ttl); err != nil {
		return "", fmt.Errorf("flowstate: store: %w", err)
	}
	return token, nil
}

// Consume valida y elimina el state en una sola operación. La segunda
// llamada con el mismo token falla con ErrNotFound siempre.
func (m *Manager) Consume(ctx context.Context, token string, provider oauth.Provider, redirectURI string) (*Purpose, error) {
	log := logger.From(ctx).With(logger.Component("flowstate"), logger.Provider(provider.String()))

	raw, err := m.cache.GetDelete(ctx, keyPrefix+":"+token)
	if err != nil {
		if cache.IsNotFound(err) {
			log.Warn("oauth state not found or already consumed")
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("flowstate: lookup: %w", err)
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("flowstate: decode: %w", err)
	}

	// Filtro query-time además del TTL del backend: un cache con
	// expiración laxa no puede revivir un state vencido.
	if m.now().After(rec.ExpiresAt) {
		log.Warn("oauth state expired")
		return nil, ErrNotFound
	}

	if rec.Provider != provider || rec.RedirectURI != redirectURI {
		// Evento de seguridad: provider o redirect_uri cambiaron entre
		// emisión y callback.
		log.Error("oauth state mismatch",
			logger.String("issued_provider", rec.Provider.String()),
			logger.Bool("redirect_uri_matches", rec.RedirectURI == redirectURI),
		)
		return nil, ErrMismatch
	}

	p := rec.Purpose
	return &p, nil
}
