package core

import (
	"time"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
)

// CredentialRecord es el vínculo cifrado de un usuario con un provider.
// A lo sumo uno por (UserID, Provider); el plaintext de los tokens nunca
// se persiste ni se loguea.
type CredentialRecord struct {
	UserID    string
	Provider  oauth.Provider
	SubjectID string // id estable del usuario en el provider

	AccessTokenCiphertext  string
	RefreshTokenCiphertext string // vacío si el provider no emitió refresh token

	// AccessTokenExpiresAt nil significa long-lived: validar por uso.
	AccessTokenExpiresAt *time.Time

	// KeyVersion identifica la clave del keyring que cifró este registro.
	KeyVersion int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CredentialInfo es la vista de solo-metadata para listados: jamás expone
// ciphertext ni tokens.
type CredentialInfo struct {
	Provider             oauth.Provider
	SubjectID            string
	AccessTokenExpiresAt *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Info proyecta la vista de metadata de un registro.
func (r *CredentialRecord) Info() CredentialInfo {
	return CredentialInfo{
		Provider:             r.Provider,
		SubjectID:            r.SubjectID,
		AccessTokenExpiresAt: r.AccessTokenExpiresAt,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

// UserAccount es la cuenta local mínima que el vault conoce.
type UserAccount struct {
	ID            string
	Email         string
	EmailVerified bool
	DisplayName   string
	AvatarURL     string
	CreatedAt     time.Time
}
