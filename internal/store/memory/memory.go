// Package memory implementa core.Store en memoria. Para desarrollo y
// tests; InTx serializa con un lock global, suficiente para simular la
// atomicidad del backend real.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/store/core"
)

type credKey struct {
	userID   string
	provider oauth.Provider
}

// Store implementa core.Store en memoria.
type Store struct {
	mu    sync.Mutex
	inTx  bool
	creds map[credKey]core.CredentialRecord
	users map[string]core.UserAccount
	now   func() time.Time
}

// New crea un Store vacío.
func New() *Store {
	return &Store{
		creds: make(map[credKey]core.CredentialRecord),
		users: make(map[string]core.UserAccount),
		now:   time.Now,
	}
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) Ping(ctx context.Context) error { return nil }

// InTx serializa: todo el store queda bloqueado mientras corre fn.
// No hay rollback real; los tests que lo necesitan usan el backend pg.
func (s *Store) InTx(ctx context.Context, fn func(core.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Store{creds: s.creds, users: s.users, now: s.now, inTx: true}
	return fn(tx)
}

func (s *Store) Find(ctx context.Context, userID string, provider oauth.Provider) (*core.CredentialRecord, error) {
	defer s.lock()()
	rec, ok := s.creds[credKey{userID, provider}]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := rec
	return &out, nil
}

func (s *Store) FindBySubject(ctx context.Context, provider oauth.Provider, subjectID string) (*core.CredentialRecord, error) {
	defer s.lock()()
	for _, rec := range s.creds {
		if rec.Provider == provider && rec.SubjectID == subjectID {
			out := rec
			return &out, nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *Store) Upsert(ctx context.Context, rec *core.CredentialRecord) error {
	defer s.lock()()

	for _, existing := range s.creds {
		if existing.Provider == rec.Provider && existing.SubjectID == rec.SubjectID && existing.UserID != rec.UserID {
			return core.ErrConflict
		}
	}

	k := credKey{rec.UserID, rec.Provider}
	now := s.now()
	stored := *rec
	stored.UpdatedAt = now
	if prev, ok := s.creds[k]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	s.creds[k] = stored
	rec.CreatedAt = stored.CreatedAt
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

// SwapCiphertexts reescribe los blobs solo si el registro sigue en
// expectedVersion; un refresh concurrente gana y el swap no toca nada.
func (s *Store) SwapCiphertexts(ctx context.Context, rec *core.CredentialRecord, expectedVersion int) error {
	defer s.lock()()

	k := credKey{rec.UserID, rec.Provider}
	cur, ok := s.creds[k]
	if !ok || cur.KeyVersion != expectedVersion {
		return core.ErrConflict
	}
	cur.AccessTokenCiphertext = rec.AccessTokenCiphertext
	cur.RefreshTokenCiphertext = rec.RefreshTokenCiphertext
	cur.KeyVersion = rec.KeyVersion
	cur.UpdatedAt = s.now()
	s.creds[k] = cur
	return nil
}

func (s *Store) Delete(ctx context.Context, userID string, provider oauth.Provider) error {
	defer s.lock()()
	delete(s.creds, credKey{userID, provider})
	return nil
}

func (s *Store) ListForUser(ctx context.Context, userID string) ([]core.CredentialInfo, error) {
	defer s.lock()()
	var infos []core.CredentialInfo
	for k, rec := range s.creds {
		if k.userID == userID {
			infos = append(infos, rec.Info())
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Provider < infos[j].Provider })
	return infos, nil
}

func (s *Store) ListStaleCredentials(ctx context.Context, newestVersion, limit int) ([]core.CredentialRecord, error) {
	defer s.lock()()
	var recs []core.CredentialRecord
	for _, rec := range s.creds {
		if rec.KeyVersion < newestVersion {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].UpdatedAt.Before(recs[j].UpdatedAt) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *Store) CountByKeyVersion(ctx context.Context) (map[int]int, error) {
	defer s.lock()()
	counts := make(map[int]int)
	for _, rec := range s.creds {
		counts[rec.KeyVersion]++
	}
	return counts, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*core.UserAccount, error) {
	defer s.lock()()
	u, ok := s.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := u
	return &out, nil
}

func (s *Store) FindUserByVerifiedEmail(ctx context.Context, email string) (*core.UserAccount, error) {
	defer s.lock()()
	for _, u := range s.users {
		if u.EmailVerified && strings.EqualFold(u.Email, email) {
			out := u
			return &out, nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *Store) CreateUserFromIdentity(ctx context.Context, identity oauth.Identity) (*core.UserAccount, error) {
	defer s.lock()()
	u := core.UserAccount{
		ID:            uuid.NewString(),
		Email:         identity.Email,
		EmailVerified: identity.EmailVerified,
		DisplayName:   identity.DisplayName,
		AvatarURL:     identity.AvatarURL,
		CreatedAt:     s.now(),
	}
	s.users[u.ID] = u
	return &u, nil
}
