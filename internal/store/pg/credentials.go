package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/store/core"
)

const credentialColumns = `
	user_id, provider, provider_subject_id,
	access_token_ciphertext, refresh_token_ciphertext,
	access_token_expires_at, encryption_key_version,
	created_at, updated_at
`

func scanCredential(row pgx.Row) (*core.CredentialRecord, error) {
	var rec core.CredentialRecord
	var refresh *string
	err := row.Scan(
		&rec.UserID, &rec.Provider, &rec.SubjectID,
		&rec.AccessTokenCiphertext, &refresh,
		&rec.AccessTokenExpiresAt, &rec.KeyVersion,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if refresh != nil {
		rec.RefreshTokenCiphertext = *refresh
	}
	return &rec, nil
}

func (s *Store) Find(ctx context.Context, userID string, provider oauth.Provider) (*core.CredentialRecord, error) {
	const query = `
		SELECT ` + credentialColumns + `
		FROM provider_credential
		WHERE user_id = $1 AND provider = $2
	`
	return scanCredential(s.db.QueryRow(ctx, query, userID, provider))
}

func (s *Store) FindBySubject(ctx context.Context, provider oauth.Provider, subjectID string) (*core.CredentialRecord, error) {
	const query = `
		SELECT ` + credentialColumns + `
		FROM provider_credential
		WHERE provider = $1 AND provider_subject_id = $2
	`
	return scanCredential(s.db.QueryRow(ctx, query, provider, subjectID))
}

// Upsert corre siempre dentro de una transacción: el chequeo de dueño del
// (provider, subject_id) y el insert tienen que ser atómicos. FOR UPDATE
// serializa dos completions concurrentes del mismo flujo.
func (s *Store) Upsert(ctx context.Context, rec *core.CredentialRecord) error {
	if s.pool != nil {
		return s.InTx(ctx, func(tx core.Store) error {
			return tx.Upsert(ctx, rec)
		})
	}

	var owner string
	err := s.db.QueryRow(ctx,
		`SELECT user_id FROM provider_credential
		 WHERE provider = $1 AND provider_subject_id = $2
		 FOR UPDATE`,
		rec.Provider, rec.SubjectID,
	).Scan(&owner)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("pg: upsert credential: owner check: %w", err)
	}
	if err == nil && owner != rec.UserID {
		return core.ErrConflict
	}

	var refresh *string
	if rec.RefreshTokenCiphertext != "" {
		refresh = &rec.RefreshTokenCiphertext
	}

	const query = `
		INSERT INTO provider_credential (
			user_id, provider, provider_subject_id,
			access_token_ciphertext, refresh_token_ciphertext,
			access_token_expires_at, encryption_key_version,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (user_id, provider) DO UPDATE SET
			provider_subject_id     = $3,
			access_token_ciphertext = $4,
			refresh_token_ciphertext = $5,
			access_token_expires_at = $6,
			encryption_key_version  = $7,
			updated_at              = NOW()
	`
	_, err = s.db.Exec(ctx, query,
		rec.UserID, rec.Provider, rec.SubjectID,
		rec.AccessTokenCiphertext, refresh,
		rec.AccessTokenExpiresAt, rec.KeyVersion,
	)
	if isUniqueViolation(err) {
		// Carrera perdida contra otro insert del mismo subject.
		return core.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("pg: upsert credential: %w", err)
	}
	return nil
}

// SwapCiphertexts es el write del sweep de rotación: condicional sobre la
// versión de clave para no pisar un refresh que llegó entre el listado y
// la re-escritura.
func (s *Store) SwapCiphertexts(ctx context.Context, rec *core.CredentialRecord, expectedVersion int) error {
	var refresh *string
	if rec.RefreshTokenCiphertext != "" {
		refresh = &rec.RefreshTokenCiphertext
	}

	const query = `
		UPDATE provider_credential SET
			access_token_ciphertext  = $4,
			refresh_token_ciphertext = $5,
			encryption_key_version   = $6,
			updated_at               = NOW()
		WHERE user_id = $1 AND provider = $2 AND encryption_key_version = $3
	`
	tag, err := s.db.Exec(ctx, query,
		rec.UserID, rec.Provider, expectedVersion,
		rec.AccessTokenCiphertext, refresh, rec.KeyVersion,
	)
	if err != nil {
		return fmt.Errorf("pg: swap ciphertexts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Otro writer ganó la carrera o el registro ya no existe.
		return core.ErrConflict
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, userID string, provider oauth.Provider) error {
	const query = `DELETE FROM provider_credential WHERE user_id = $1 AND provider = $2`
	_, err := s.db.Exec(ctx, query, userID, provider)
	if err != nil {
		return fmt.Errorf("pg: delete credential: %w", err)
	}
	return nil
}

func (s *Store) ListForUser(ctx context.Context, userID string) ([]core.CredentialInfo, error) {
	const query = `
		SELECT provider, provider_subject_id, access_token_expires_at, created_at, updated_at
		FROM provider_credential
		WHERE user_id = $1
		ORDER BY provider
	`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []core.CredentialInfo
	for rows.Next() {
		var info core.CredentialInfo
		if err := rows.Scan(&info.Provider, &info.SubjectID, &info.AccessTokenExpiresAt, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) ListStaleCredentials(ctx context.Context, newestVersion, limit int) ([]core.CredentialRecord, error) {
	const query = `
		SELECT ` + credentialColumns + `
		FROM provider_credential
		WHERE encryption_key_version < $1
		ORDER BY updated_at
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, newestVersion, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []core.CredentialRecord
	for rows.Next() {
		var rec core.CredentialRecord
		var refresh *string
		if err := rows.Scan(
			&rec.UserID, &rec.Provider, &rec.SubjectID,
			&rec.AccessTokenCiphertext, &refresh,
			&rec.AccessTokenExpiresAt, &rec.KeyVersion,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if refresh != nil {
			rec.RefreshTokenCiphertext = *refresh
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) CountByKeyVersion(ctx context.Context) (map[int]int, error) {
	const query = `
		SELECT encryption_key_version, COUNT(*)
		FROM provider_credential
		GROUP BY encryption_key_version
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var version, n int
		if err := rows.Scan(&version, &n); err != nil {
			return nil, err
		}
		counts[version] = n
	}
	return counts, rows.Err()
}
