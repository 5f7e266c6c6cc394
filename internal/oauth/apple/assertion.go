package apple

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// Apple no usa client secret estático: cada llamada al token endpoint lleva
// un JWT ES256 firmado con la signing key del developer team, acotado en
// tiempo. Signer lo produce; lo comparte el adapter de Apple Music.
type Signer struct {
	TeamID   string
	KeyID    string
	ClientID string // services id (aud sub del assertion)

	key *ecdsa.PrivateKey
}

const assertionTTL = 5 * time.Minute

// NewSigner parsea la signing key (PEM PKCS#8, P-256) descargada del
// developer portal.
func NewSigner(teamID, keyID, clientID string, privateKeyPEM []byte) (*Signer, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("apple: signing key is not PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("apple: parse signing key: %w", err)
	}
	ec, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("apple: signing key is not an EC key")
	}
	return &Signer{TeamID: teamID, KeyID: keyID, ClientID: clientID, key: ec}, nil
}

// ClientSecret firma un assertion nuevo válido por assertionTTL.
func (s *Signer) ClientSecret(now time.Time) (string, error) {
	claims := jwtv5.MapClaims{
		"iss": s.TeamID,
		"sub": s.ClientID,
		"aud": "https://appleid.apple.com",
		"iat": now.Unix(),
		"exp": now.Add(assertionTTL).Unix(),
	}
	tok := jwtv5.NewWithClaims(jwtv5.SigningMethodES256, claims)
	tok.Header["kid"] = s.KeyID
	return tok.SignedString(s.key)
}

// DeveloperToken firma un developer token para la API de Apple Music
// (mismo esquema ES256, aud distinto y TTL más largo).
func (s *Signer) DeveloperToken(now time.Time, ttl time.Duration) (string, error) {
	claims := jwtv5.MapClaims{
		"iss": s.TeamID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	tok := jwtv5.NewWithClaims(jwtv5.SigningMethodES256, claims)
	tok.Header["kid"] = s.KeyID
	return tok.SignedString(s.key)
}
