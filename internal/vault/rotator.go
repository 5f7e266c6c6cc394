package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/metrics"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/observability/logger"
	"github.com/kcirtapfromspace/no-drake-in-the-house-sub007/internal/store/core"
)

// Rotator re-cifra credenciales almacenadas con claves viejas usando la
// clave current del keyring. La rotación es perezosa: agregar una clave
// nueva no bloquea nada, el sweep migra los registros de a lotes.
type Rotator struct {
	vault     *Vault
	batchSize int
}

// DefaultBatchSize limita cuántos registros procesa un sweep.
const DefaultBatchSize = 500

// NewRotator crea un Rotator sobre el vault dado.
func NewRotator(v *Vault, batchSize int) *Rotator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Rotator{vault: v, batchSize: batchSize}
}

// SweepReport resume un barrido de re-cifrado.
type SweepReport struct {
	Scanned     int
	ReEncrypted int
	Failed      int
	// Skipped cuenta registros reescritos por otro writer entre el
	// listado y el swap; el próximo sweep ya no los va a ver.
	Skipped int
	// ByVersion cuenta las credenciales por versión de clave después
	// del barrido.
	ByVersion map[int]int
}

// Sweep re-cifra un lote de credenciales con versión de clave anterior a
// la current. Un registro que no descifra se contabiliza y se deja
// intacto: borrar sería destruir la única copia del token.
func (r *Rotator) Sweep(ctx context.Context) (*SweepReport, error) {
	v := r.vault
	log := logger.From(ctx).With(logger.Layer("vault"), logger.Op("Sweep"))
	current := v.keyring.CurrentVersion()

	stale, err := v.store.ListStaleCredentials(ctx, current, r.batchSize)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Scanned: len(stale)}
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec := stale[i]
		switch err := r.reEncrypt(ctx, &rec); {
		case err == nil:
			report.ReEncrypted++
		case errors.Is(err, core.ErrConflict):
			// Un refresh concurrente ya reescribió el registro; los
			// tokens nuevos mandan.
			report.Skipped++
			log.Info("credential rewritten concurrently, skipped",
				logger.Provider(rec.Provider.String()),
				logger.UserID(rec.UserID),
			)
		default:
			report.Failed++
			log.Warn("re-encryption failed",
				logger.Provider(rec.Provider.String()),
				logger.UserID(rec.UserID),
				logger.KeyVersion(rec.KeyVersion),
				logger.Err(err),
			)
		}
	}

	counts, err := v.store.CountByKeyVersion(ctx)
	if err != nil {
		return report, err
	}
	report.ByVersion = counts
	for version, n := range counts {
		metrics.CredentialsByKeyVersion.WithLabelValues(strconv.Itoa(version)).Set(float64(n))
	}

	result := "ok"
	if report.Failed > 0 {
		result = "partial"
	}
	metrics.RotationSweepsTotal.WithLabelValues(result).Inc()

	log.Info("rotation sweep finished",
		logger.Int("scanned", report.Scanned),
		logger.Int("re_encrypted", report.ReEncrypted),
		logger.Int("skipped", report.Skipped),
		logger.Int("failed", report.Failed),
		logger.KeyVersion(current),
	)
	return report, nil
}

// reEncrypt descifra ambos tokens con la clave vieja y los vuelve a
// cifrar con la current, preservando el resto del registro. El write es
// condicional sobre la versión vieja: si un refresh pisó el registro en
// el medio, el swap retorna core.ErrConflict y no se escribe nada.
func (r *Rotator) reEncrypt(ctx context.Context, rec *core.CredentialRecord) error {
	v := r.vault
	oldVersion := rec.KeyVersion

	access, _, err := v.keyring.Decrypt(rec.AccessTokenCiphertext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	accessCT, version, err := v.keyring.Encrypt(access)
	if err != nil {
		return err
	}

	refreshCT := ""
	if rec.RefreshTokenCiphertext != "" {
		refresh, _, dErr := v.keyring.Decrypt(rec.RefreshTokenCiphertext)
		if dErr != nil {
			return fmt.Errorf("%w: %v", ErrDecryption, dErr)
		}
		refreshCT, err = v.keyring.EncryptWith(version, refresh)
		if err != nil {
			return err
		}
	}

	rec.AccessTokenCiphertext = accessCT
	rec.RefreshTokenCiphertext = refreshCT
	rec.KeyVersion = version

	return v.store.SwapCiphertexts(ctx, rec, oldVersion)
}
