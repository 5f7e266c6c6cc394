// Package core define los tipos y contratos de persistencia del vault.
// Las implementaciones viven en store/pg (producción) y store/memory
// (dev/tests).
package core

import (
	"context"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
)

// CredentialRepository persiste CredentialRecord. Todas las operaciones
// son transaccionales respecto de upserts concurrentes del mismo
// (user_id, provider).
type CredentialRepository interface {
	// Find busca el registro de (userID, provider).
	// Retorna ErrNotFound si no existe.
	Find(ctx context.Context, userID string, provider oauth.Provider) (*CredentialRecord, error)

	// FindBySubject busca por (provider, subject_id). Usado para detectar
	// colisiones cross-user durante la vinculación.
	FindBySubject(ctx context.Context, provider oauth.Provider, subjectID string) (*CredentialRecord, error)

	// Upsert inserta o pisa el row de (user_id, provider) atómicamente.
	// Retorna ErrConflict si otro usuario ya posee ese
	// (provider, subject_id).
	Upsert(ctx context.Context, rec *CredentialRecord) error

	// Delete es idempotente: borrar un registro inexistente no es error.
	Delete(ctx context.Context, userID string, provider oauth.Provider) error

	// ListForUser retorna solo metadata, nunca ciphertext.
	ListForUser(ctx context.Context, userID string) ([]CredentialInfo, error)

	// ListStaleCredentials retorna registros cifrados con una versión de
	// clave anterior a newestVersion, para el sweep de rotación.
	ListStaleCredentials(ctx context.Context, newestVersion, limit int) ([]CredentialRecord, error)

	// SwapCiphertexts reescribe los ciphertexts y la versión de clave de
	// (user_id, provider), pero solo si el registro sigue cifrado con
	// expectedVersion. Compare-and-swap: si un refresh concurrente ya
	// reescribió los tokens (o el registro fue eliminado), retorna
	// ErrConflict sin tocar nada. El resto del registro no se modifica.
	SwapCiphertexts(ctx context.Context, rec *CredentialRecord, expectedVersion int) error

	// CountByKeyVersion reporta cuántos registros referencian cada
	// versión de clave; una clave vieja se retira recién cuando llega a 0.
	CountByKeyVersion(ctx context.Context) (map[int]int, error)
}

// UserDirectory es el colaborador de identidad local: resuelve o crea
// cuentas a partir de una identidad externa verificada.
type UserDirectory interface {
	// FindUserByVerifiedEmail matchea cuentas solo por email verificado.
	// Retorna ErrNotFound si no hay cuenta con ese email.
	FindUserByVerifiedEmail(ctx context.Context, email string) (*UserAccount, error)

	// CreateUserFromIdentity da de alta una cuenta local nueva.
	CreateUserFromIdentity(ctx context.Context, identity oauth.Identity) (*UserAccount, error)

	// GetUser busca una cuenta por id. Retorna ErrNotFound si no existe.
	GetUser(ctx context.Context, id string) (*UserAccount, error)
}

// Store agrupa los dos repositorios y permite correr una función dentro
// de una transacción única (alta de usuario + upsert de credencial en el
// mismo commit).
type Store interface {
	CredentialRepository
	UserDirectory

	// InTx ejecuta fn contra una vista transaccional del store. Si fn
	// retorna error, se hace rollback completo.
	InTx(ctx context.Context, fn func(Store) error) error

	// Ping verifica la conexión al backend.
	Ping(ctx context.Context) error
}
