// Package vault orquesta el ciclo de vida completo de las credenciales
// OAuth: inicio y completado de flujos, entrega de access tokens válidos
// (refrescando bajo demanda), desvinculación y rotación de claves.
//
// Ningún token en claro sale de este paquete salvo por el valor de retorno
// de AccessToken; jamás se loguea material de tokens ni de claves.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/flowstate"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/metrics"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/oauth"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/observability/logger"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/security/keyring"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/store/core"
)

// refreshMargin adelanta el refresh: un token que expira dentro de esta
// ventana se trata como expirado, así el caller nunca recibe un token al
// borde de morir en tránsito.
const refreshMargin = 5 * time.Minute

// Deps agrupa las dependencias del orquestador.
type Deps struct {
	Store    core.Store
	Keyring  *keyring.Keyring
	States   *flowstate.Manager
	Registry *oauth.Registry
}

// Vault es el orquestador del ciclo de vida de tokens.
type Vault struct {
	store    core.Store
	keyring  *keyring.Keyring
	states   *flowstate.Manager
	registry *oauth.Registry

	// refreshGroup colapsa refrescos concurrentes de la misma credencial
	// en un solo round trip al provider.
	refreshGroup singleflight.Group

	now func() time.Time
}

// New construye el Vault. Todas las dependencias son obligatorias.
func New(d Deps) (*Vault, error) {
	if d.Store == nil || d.Keyring == nil || d.States == nil || d.Registry == nil {
		return nil, errors.New("vault: missing dependencies")
	}
	return &Vault{
		store:    d.Store,
		keyring:  d.Keyring,
		states:   d.States,
		registry: d.Registry,
		now:      time.Now,
	}, nil
}

// FlowResult es el resultado de un CompleteFlow exitoso.
type FlowResult struct {
	UserID    string
	Provider  oauth.Provider
	SubjectID string
	// NewUser indica que el flujo creó una cuenta local nueva.
	NewUser bool
}

// BeginFlow emite un state de un solo uso y construye la URL de
// autorización del provider. No toca la red.
func (v *Vault) BeginFlow(ctx context.Context, provider oauth.Provider, redirectURI string, purpose flowstate.Purpose) (authURL, state string, err error) {
	adapter, err := v.registry.Adapter(provider)
	if err != nil {
		return "", "", err
	}
	state, err = v.states.Issue(ctx, provider, redirectURI, purpose)
	if err != nil {
		return "", "", err
	}
	return adapter.AuthURL(redirectURI, state), state, nil
}

// CompleteFlow valida el callback, canjea el code, resuelve la identidad
// externa contra las cuentas locales y persiste la credencial cifrada.
//
// Resolución de usuario: si la identidad ya está vinculada, es ese usuario;
// si no, un email verificado coincidente vincula a la cuenta existente;
// si no, se crea una cuenta nueva. Un flujo de link a un usuario distinto
// del dueño actual de la identidad falla con ErrIdentityConflict.
func (v *Vault) CompleteFlow(ctx context.Context, provider oauth.Provider, state, code, redirectURI string) (*FlowResult, error) {
	log := logger.From(ctx).With(
		logger.Layer("vault"),
		logger.Op("CompleteFlow"),
		logger.Provider(provider.String()),
	)

	adapter, err := v.registry.Adapter(provider)
	if err != nil {
		return nil, err
	}

	purpose, err := v.states.Consume(ctx, state, provider, redirectURI)
	if err != nil {
		switch {
		case errors.Is(err, flowstate.ErrNotFound):
			metrics.RecordStateFailure("not_found")
			return nil, fmt.Errorf("%w: %v", ErrStateInvalid, err)
		case errors.Is(err, flowstate.ErrMismatch):
			metrics.RecordStateFailure("mismatch")
			return nil, fmt.Errorf("%w: %v", ErrStateInvalid, err)
		}
		return nil, err
	}

	var ts *oauth.TokenSet
	err = withRetry(ctx, func() error {
		var exErr error
		ts, exErr = adapter.ExchangeCode(ctx, code, redirectURI)
		return exErr
	})
	if err != nil {
		metrics.RecordCodeExchange(provider.String(), exchangeResult(err))
		log.Warn("code exchange failed", logger.Err(err))
		return nil, err
	}
	metrics.RecordCodeExchange(provider.String(), "ok")

	identity, err := adapter.UserInfo(ctx, ts)
	if err != nil {
		log.Warn("userinfo fetch failed", logger.Err(err))
		return nil, err
	}

	var result *FlowResult
	err = v.store.InTx(ctx, func(s core.Store) error {
		userID, newUser, rErr := v.resolveUser(ctx, s, provider, identity, purpose)
		if rErr != nil {
			return rErr
		}

		rec, eErr := v.encryptTokenSet(userID, provider, identity.SubjectID, ts, "")
		if eErr != nil {
			return eErr
		}
		if uErr := s.Upsert(ctx, rec); uErr != nil {
			if errors.Is(uErr, core.ErrConflict) {
				return fmt.Errorf("%w: %v", ErrIdentityConflict, uErr)
			}
			return uErr
		}

		result = &FlowResult{
			UserID:    userID,
			Provider:  provider,
			SubjectID: identity.SubjectID,
			NewUser:   newUser,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("credential linked",
		logger.UserID(result.UserID),
		logger.SubjectID(result.SubjectID),
		logger.Bool("new_user", result.NewUser),
	)
	return result, nil
}

// resolveUser decide a qué cuenta local pertenece la identidad externa.
// subject_id manda; el email solo vincula cuando está verificado.
func (v *Vault) resolveUser(ctx context.Context, s core.Store, provider oauth.Provider, identity *oauth.Identity, purpose *flowstate.Purpose) (userID string, newUser bool, err error) {
	existing, err := s.FindBySubject(ctx, provider, identity.SubjectID)
	if err != nil && !core.IsNotFound(err) {
		return "", false, err
	}

	if purpose.Kind == flowstate.PurposeLink {
		if existing != nil && existing.UserID != purpose.UserID {
			return "", false, ErrIdentityConflict
		}
		return purpose.UserID, false, nil
	}

	if existing != nil {
		return existing.UserID, false, nil
	}

	if identity.EmailVerified && identity.Email != "" {
		u, fErr := s.FindUserByVerifiedEmail(ctx, identity.Email)
		if fErr == nil {
			return u.ID, false, nil
		}
		if !core.IsNotFound(fErr) {
			return "", false, fErr
		}
	}

	u, err := s.CreateUserFromIdentity(ctx, *identity)
	if err != nil {
		return "", false, err
	}
	return u.ID, true, nil
}

// AccessToken retorna un access token válido para (userID, provider),
// refrescando contra el provider cuando expiró o está por expirar.
// Refrescos concurrentes de la misma credencial se colapsan en uno.
func (v *Vault) AccessToken(ctx context.Context, userID string, provider oauth.Provider) (string, error) {
	rec, err := v.store.Find(ctx, userID, provider)
	if err != nil {
		if core.IsNotFound(err) {
			return "", ErrNotLinked
		}
		return "", err
	}

	token, fresh, err := v.decryptIfFresh(ctx, rec)
	if err != nil {
		return "", err
	}
	if fresh {
		return token, nil
	}

	key := userID + "|" + provider.String()
	res, err, _ := v.refreshGroup.Do(key, func() (interface{}, error) {
		return v.refresh(ctx, userID, provider)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// decryptIfFresh descifra el access token y reporta si sigue utilizable.
// ExpiresAt nil significa long-lived: se entrega sin refrescar. Un blob
// que no descifra se loguea a Error acá mismo: arriba solo viaja un 500
// opaco y el operador necesita saber qué registro y qué versión de clave.
func (v *Vault) decryptIfFresh(ctx context.Context, rec *core.CredentialRecord) (string, bool, error) {
	pt, _, err := v.keyring.Decrypt(rec.AccessTokenCiphertext)
	if err != nil {
		logger.From(ctx).Error("credential decryption failed",
			logger.Layer("vault"),
			logger.Provider(rec.Provider.String()),
			logger.UserID(rec.UserID),
			logger.KeyVersion(rec.KeyVersion),
			logger.String("token_kind", "access"),
			logger.Err(err),
		)
		return "", false, fmt.Errorf("%w: access token for %s: %v", ErrDecryption, rec.Provider, err)
	}
	if rec.AccessTokenExpiresAt == nil {
		return string(pt), true, nil
	}
	if v.now().Add(refreshMargin).Before(*rec.AccessTokenExpiresAt) {
		return string(pt), true, nil
	}
	return "", false, nil
}

// refresh ejecuta el round trip de refresh y persiste el resultado.
// Corre dentro del singleflight: a lo sumo una instancia por credencial.
func (v *Vault) refresh(ctx context.Context, userID string, provider oauth.Provider) (string, error) {
	log := logger.From(ctx).With(
		logger.Layer("vault"),
		logger.Op("refresh"),
		logger.Provider(provider.String()),
		logger.UserID(userID),
	)

	// Releer: otro vuelo pudo haber refrescado mientras esperábamos el lock.
	rec, err := v.store.Find(ctx, userID, provider)
	if err != nil {
		if core.IsNotFound(err) {
			return "", ErrNotLinked
		}
		return "", err
	}
	if token, fresh, dErr := v.decryptIfFresh(ctx, rec); dErr != nil {
		return "", dErr
	} else if fresh {
		return token, nil
	}

	if rec.RefreshTokenCiphertext == "" {
		return "", ErrNoRefreshToken
	}
	refreshToken, _, err := v.keyring.Decrypt(rec.RefreshTokenCiphertext)
	if err != nil {
		log.Error("credential decryption failed",
			logger.KeyVersion(rec.KeyVersion),
			logger.String("token_kind", "refresh"),
			logger.Err(err),
		)
		return "", fmt.Errorf("%w: refresh token for %s: %v", ErrDecryption, provider, err)
	}

	adapter, err := v.registry.Adapter(provider)
	if err != nil {
		return "", err
	}

	start := v.now()
	var ts *oauth.TokenSet
	err = withRetry(ctx, func() error {
		var rErr error
		ts, rErr = adapter.Refresh(ctx, string(refreshToken))
		return rErr
	})
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, oauth.ErrInvalidGrant) {
			// Grant revocado del lado del provider: la credencial
			// almacenada ya no sirve para nada, se elimina.
			metrics.RecordTokenRefresh(provider.String(), "invalid_grant", elapsed)
			log.Warn("refresh token invalidated by provider, removing credential")
			if dErr := v.store.Delete(ctx, userID, provider); dErr != nil {
				log.Error("failed to remove invalidated credential", logger.Err(dErr))
			}
			return "", fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		metrics.RecordTokenRefresh(provider.String(), refreshResult(err), elapsed)
		log.Warn("refresh failed", logger.Err(err))
		return "", err
	}
	metrics.RecordTokenRefresh(provider.String(), "ok", elapsed)

	// Algunos providers (Spotify) omiten el refresh token en el refresh:
	// el anterior sigue vigente y se conserva.
	oldRefresh := ""
	if ts.RefreshToken == "" {
		oldRefresh = string(refreshToken)
	}
	updated, err := v.encryptTokenSet(userID, provider, rec.SubjectID, ts, oldRefresh)
	if err != nil {
		return "", err
	}
	if err := v.store.Upsert(ctx, updated); err != nil {
		return "", err
	}

	log.Info("access token refreshed",
		logger.KeyVersion(updated.KeyVersion),
		logger.Duration(elapsed),
	)
	return ts.AccessToken, nil
}

// encryptTokenSet cifra un TokenSet con la clave current y arma el
// registro a persistir. keepRefresh reemplaza un refresh token ausente.
func (v *Vault) encryptTokenSet(userID string, provider oauth.Provider, subjectID string, ts *oauth.TokenSet, keepRefresh string) (*core.CredentialRecord, error) {
	accessCT, version, err := v.keyring.Encrypt([]byte(ts.AccessToken))
	if err != nil {
		return nil, err
	}

	refreshPlain := ts.RefreshToken
	if refreshPlain == "" {
		refreshPlain = keepRefresh
	}
	refreshCT := ""
	if refreshPlain != "" {
		refreshCT, err = v.keyring.EncryptWith(version, []byte(refreshPlain))
		if err != nil {
			return nil, err
		}
	}

	return &core.CredentialRecord{
		UserID:                 userID,
		Provider:               provider,
		SubjectID:              subjectID,
		AccessTokenCiphertext:  accessCT,
		RefreshTokenCiphertext: refreshCT,
		AccessTokenExpiresAt:   ts.ExpiresAt(v.now()),
		KeyVersion:             version,
	}, nil
}

// Unlink revoca best-effort los tokens en el provider y elimina la
// credencial. La eliminación local procede aunque la revocación falle:
// el usuario pidió desvincular y eso no depende de la red del provider.
func (v *Vault) Unlink(ctx context.Context, userID string, provider oauth.Provider) error {
	log := logger.From(ctx).With(
		logger.Layer("vault"),
		logger.Op("Unlink"),
		logger.Provider(provider.String()),
		logger.UserID(userID),
	)

	rec, err := v.store.Find(ctx, userID, provider)
	if err != nil {
		if core.IsNotFound(err) {
			return ErrNotLinked
		}
		return err
	}

	adapter, err := v.registry.Adapter(provider)
	if err == nil {
		if revoker, ok := adapter.(oauth.Revoker); ok {
			v.revokeBestEffort(ctx, log, revoker, rec)
		}
	}

	if err := v.store.Delete(ctx, userID, provider); err != nil {
		return err
	}
	log.Info("credential unlinked")
	return nil
}

// revokeBestEffort intenta revocar refresh y access token. Fallos solo
// se loguean; un blob que no descifra tampoco frena la desvinculación.
func (v *Vault) revokeBestEffort(ctx context.Context, log *zap.Logger, revoker oauth.Revoker, rec *core.CredentialRecord) {
	revoke := func(ciphertext, kind string) {
		if ciphertext == "" {
			return
		}
		pt, _, err := v.keyring.Decrypt(ciphertext)
		if err != nil {
			log.Warn("cannot decrypt token for revocation", logger.String("token_kind", kind))
			return
		}
		if err := revoker.Revoke(ctx, string(pt)); err != nil {
			log.Warn("remote revocation failed", logger.String("token_kind", kind), logger.Err(err))
		}
	}
	// El refresh token primero: revocarlo suele invalidar toda la sesión.
	revoke(rec.RefreshTokenCiphertext, "refresh")
	revoke(rec.AccessTokenCiphertext, "access")
}

// Connections lista las vinculaciones del usuario, solo metadata.
func (v *Vault) Connections(ctx context.Context, userID string) ([]core.CredentialInfo, error) {
	return v.store.ListForUser(ctx, userID)
}

func exchangeResult(err error) string {
	switch {
	case errors.Is(err, oauth.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, oauth.ErrRejected), errors.Is(err, oauth.ErrInvalidGrant):
		return "rejected"
	default:
		return "error"
	}
}

func refreshResult(err error) string {
	switch {
	case errors.Is(err, oauth.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, oauth.ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}
