package pg

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/store/core"
)

func scanUser(row pgx.Row) (*core.UserAccount, error) {
	var u core.UserAccount
	err := row.Scan(&u.ID, &u.Email, &u.EmailVerified, &u.DisplayName, &u.AvatarURL, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*core.UserAccount, error) {
	const query = `
		SELECT id, email, email_verified, COALESCE(display_name, ''), COALESCE(avatar_url, ''), created_at
		FROM user_account
		WHERE id = $1
	`
	return scanUser(s.db.QueryRow(ctx, query, id))
}

// FindUserByVerifiedEmail matchea solo cuentas con email verificado:
// un email sin verificar nunca vincula cuentas.
func (s *Store) FindUserByVerifiedEmail(ctx context.Context, email string) (*core.UserAccount, error) {
	const query = `
		SELECT id, email, email_verified, COALESCE(display_name, ''), COALESCE(avatar_url, ''), created_at
		FROM user_account
		WHERE lower(email) = lower($1) AND email_verified
	`
	return scanUser(s.db.QueryRow(ctx, query, email))
}

func (s *Store) CreateUserFromIdentity(ctx context.Context, identity oauth.Identity) (*core.UserAccount, error) {
	const query = `
		INSERT INTO user_account (id, email, email_verified, display_name, avatar_url, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, email, email_verified, COALESCE(display_name, ''), COALESCE(avatar_url, ''), created_at
	`
	u, err := scanUser(s.db.QueryRow(ctx, query,
		uuid.NewString(), identity.Email, identity.EmailVerified,
		identity.DisplayName, identity.AvatarURL,
	))
	if isUniqueViolation(err) {
		return nil, core.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("pg: create user: %w", err)
	}
	return u, nil
}
