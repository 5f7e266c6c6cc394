package oauth

import (
	"context"
	"errors"
	"fmt"
)

// Taxonomía de errores de provider. Solo estas tres clases cruzan hacia el
// orquestador; los cuerpos de error crudos del provider nunca suben más
// allá del adapter.
var (
	// ErrRejected: el provider rechazó el request (4xx — code inválido,
	// redirect_uri que no coincide, credenciales de cliente malas).
	// Terminal: reintentar con el mismo input no va a funcionar.
	ErrRejected = errors.New("oauth: provider rejected request")

	// ErrUnavailable: fallo de red, timeout o 5xx del provider.
	// Retryable con backoff.
	ErrUnavailable = errors.New("oauth: provider unavailable")

	// ErrInvalidGrant: el provider reporta que el refresh token fue
	// revocado o expiró. Terminal para la credencial almacenada; el
	// caller debe pedir re-autenticación.
	ErrInvalidGrant = errors.New("oauth: invalid grant")
)

// errorBody es el cuerpo de error estándar OAuth2 (RFC 6749 §5.2).
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// classify mapea una respuesta de error del token endpoint a la taxonomía.
func classify(status int, body errorBody) error {
	switch {
	case status >= 500:
		return fmt.Errorf("%w: http %d", ErrUnavailable, status)
	case body.Error == "invalid_grant":
		return fmt.Errorf("%w: %s", ErrInvalidGrant, body.ErrorDescription)
	default:
		return fmt.Errorf("%w: http %d %s %s", ErrRejected, status, body.Error, body.ErrorDescription)
	}
}

// transportErr envuelve fallos de transporte (dial, timeout, cancelación)
// como ErrUnavailable. Un timeout jamás se clasifica como Rejected.
func transportErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
