package vault

import (
	"errors"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
)

// Taxonomía de errores del orquestador. Los errores de provider
// (oauth.ErrRejected, oauth.ErrUnavailable) y el conflicto de store
// (core.ErrConflict) cruzan tal cual; estos sentinels cubren el resto.
var (
	// ErrStateInvalid: el state del callback no existe, expiró, ya fue
	// consumido o no coincide con lo emitido. El flujo debe reiniciarse.
	ErrStateInvalid = errors.New("vault: invalid oauth state")

	// ErrIdentityConflict: la identidad externa ya está vinculada a otro
	// usuario local. Nunca se re-asigna silenciosamente.
	ErrIdentityConflict = errors.New("vault: identity linked to another user")

	// ErrNotLinked: el usuario no tiene credencial para ese provider.
	ErrNotLinked = errors.New("vault: provider not linked")

	// ErrNoRefreshToken: el access token expiró y no hay refresh token
	// almacenado. Solo re-autenticar lo resuelve.
	ErrNoRefreshToken = errors.New("vault: no refresh token stored")

	// ErrReauthRequired: el provider invalidó el grant; la credencial
	// almacenada fue eliminada y el usuario debe re-autenticar.
	ErrReauthRequired = errors.New("vault: re-authentication required")

	// ErrDecryption: un blob almacenado no descifra con ninguna clave del
	// keyring. El registro queda intacto para diagnóstico del operador.
	ErrDecryption = errors.New("vault: credential decryption failed")
)

// IsRetryable indica si un error amerita reintento con backoff. Solo
// indisponibilidad transitoria del provider; todo lo demás es terminal.
func IsRetryable(err error) bool {
	return errors.Is(err, oauth.ErrUnavailable)
}
