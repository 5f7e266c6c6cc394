// Package keyring implementa cifrado autenticado con un set de claves
// rotativo. La versión más nueva cifra todo lo nuevo; las anteriores quedan
// disponibles solo para descifrar hasta que un sweep re-cifre sus registros.
//
// Formato del blob: v<version>|base64(nonce)|base64(ciphertext).
// Nunca se loguea plaintext ni material de claves, tampoco en errores.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algoritmos AEAD soportados.
const (
	AlgAESGCM   = "aes-gcm"             // AES-256-GCM, nonce de 12 bytes
	AlgXChaCha  = "xchacha20-poly1305"  // XChaCha20-Poly1305, nonce de 24 bytes
	keyLen      = 32                    // 32 bytes para ambos algoritmos
	sep         = "|"
	versionMark = "v"
)

var (
	// ErrDecrypt indica versión de clave desconocida o fallo del tag de
	// autenticación (blob alterado o clave equivocada).
	ErrDecrypt = errors.New("keyring: decryption failed")

	// ErrNoKeys indica un keyring vacío.
	ErrNoKeys = errors.New("keyring: no keys configured")
)

// Key es una clave simétrica versionada.
type Key struct {
	Version int
	Alg     string // AlgAESGCM | AlgXChaCha
	Secret  []byte // 32 bytes
}

// Keyring contiene el set de claves. Inmutable después de New.
type Keyring struct {
	keys    map[int]Key
	current int
}

// New construye un Keyring. La versión más alta queda como current.
func New(keys []Key) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	m := make(map[int]Key, len(keys))
	current := 0
	for _, k := range keys {
		if k.Version <= 0 {
			return nil, fmt.Errorf("keyring: invalid key version %d", k.Version)
		}
		if len(k.Secret) != keyLen {
			return nil, fmt.Errorf("keyring: key v%d must be %d bytes, got %d", k.Version, keyLen, len(k.Secret))
		}
		if k.Alg == "" {
			k.Alg = AlgAESGCM
		}
		if k.Alg != AlgAESGCM && k.Alg != AlgXChaCha {
			return nil, fmt.Errorf("keyring: key v%d has unknown alg %q", k.Version, k.Alg)
		}
		if _, dup := m[k.Version]; dup {
			return nil, fmt.Errorf("keyring: duplicate key version %d", k.Version)
		}
		m[k.Version] = k
		if k.Version > current {
			current = k.Version
		}
	}
	return &Keyring{keys: m, current: current}, nil
}

// ParseKeys parsea claves en formato "<version>:<alg>:<base64>" o
// "<version>:<base64>" (alg default aes-gcm). Pensado para config/env.
func ParseKeys(specs []string) ([]Key, error) {
	keys := make([]Key, 0, len(specs))
	for _, s := range specs {
		parts := strings.Split(strings.TrimSpace(s), ":")
		var verStr, alg, b64 string
		switch len(parts) {
		case 2:
			verStr, alg, b64 = parts[0], AlgAESGCM, parts[1]
		case 3:
			verStr, alg, b64 = parts[0], parts[1], parts[2]
		default:
			return nil, fmt.Errorf("keyring: bad key spec (want version:alg:base64)")
		}
		ver, err := strconv.Atoi(strings.TrimPrefix(verStr, versionMark))
		if err != nil {
			return nil, fmt.Errorf("keyring: bad key version %q", verStr)
		}
		secret, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("keyring: key v%d: decode base64: %w", ver, err)
		}
		keys = append(keys, Key{Version: ver, Alg: alg, Secret: secret})
	}
	return keys, nil
}

// CurrentVersion retorna la versión usada para nuevos cifrados.
func (r *Keyring) CurrentVersion() int { return r.current }

// HasVersion verifica si una versión existe en el set.
func (r *Keyring) HasVersion(v int) bool {
	_, ok := r.keys[v]
	return ok
}

// Encrypt cifra con la clave current y devuelve el blob serializado
// junto con la versión que lo produjo.
func (r *Keyring) Encrypt(plaintext []byte) (string, int, error) {
	blob, err := r.EncryptWith(r.current, plaintext)
	return blob, r.current, err
}

// EncryptWith cifra con una versión específica. Nonce aleatorio por llamada.
func (r *Keyring) EncryptWith(version int, plaintext []byte) (string, error) {
	k, ok := r.keys[version]
	if !ok {
		return "", fmt.Errorf("keyring: unknown key version %d", version)
	}
	aead, err := newAEAD(k)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("keyring: nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)

	return versionMark + strconv.Itoa(version) + sep +
		base64.StdEncoding.EncodeToString(nonce) + sep +
		base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt descifra un blob y devuelve el plaintext y la versión de clave
// que lo cifró. Falla con ErrDecrypt si la versión es desconocida o el tag
// no verifica.
func (r *Keyring) Decrypt(blob string) ([]byte, int, error) {
	parts := strings.Split(blob, sep)
	if len(parts) != 3 || !strings.HasPrefix(parts[0], versionMark) {
		return nil, 0, ErrDecrypt
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[0], versionMark))
	if err != nil {
		return nil, 0, ErrDecrypt
	}
	k, ok := r.keys[version]
	if !ok {
		return nil, 0, ErrDecrypt
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, 0, ErrDecrypt
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, 0, ErrDecrypt
	}

	aead, err := newAEAD(k)
	if err != nil {
		return nil, 0, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, 0, ErrDecrypt
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		// El detalle del fallo GCM no se propaga: no aporta y puede
		// filtrar información en logs.
		return nil, 0, ErrDecrypt
	}
	return pt, version, nil
}

func newAEAD(k Key) (cipher.AEAD, error) {
	switch k.Alg {
	case AlgXChaCha:
		return chacha20poly1305.NewX(k.Secret)
	default:
		block, err := aes.NewCipher(k.Secret)
		if err != nil {
			return nil, fmt.Errorf("keyring: aes: %w", err)
		}
		return cipher.NewGCM(block)
	}
}
