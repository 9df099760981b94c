// Package identity issues and checks the bearer tokens producers use to
// write to the ledger. Tokens are RS256 JWTs whose subject is the actor
// recorded on every event the holder appends.
package identity

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scopes granted to producer tokens.
const (
	// ScopeWrite allows registering batches, appending events, sealing and
	// creating proofs.
	ScopeWrite = "ledger:write"
	// ScopeAdmin allows confirming external proofs. It implies ScopeWrite.
	ScopeAdmin = "ledger:admin"
)

// ProducerClaims are the JWT claims of a producer token.
type ProducerClaims struct {
	jwt.RegisteredClaims
	Actor  string   `json:"actor"`
	Scopes []string `json:"scopes"`
}

// TokenIssuer issues and verifies producer tokens signed with RS256.
type TokenIssuer struct {
	key    *rsa.PrivateKey
	pub    *rsa.PublicKey
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer. ttl defaults to 24 hours.
func NewTokenIssuer(key *rsa.PrivateKey, issuer string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{
		key:    key,
		pub:    &key.PublicKey,
		issuer: issuer,
		ttl:    ttl,
	}
}

// Issue creates a signed token for actor with the requested scopes.
func (t *TokenIssuer) Issue(actor string, scopes []string) (string, error) {
	if actor == "" {
		return "", fmt.Errorf("actor is required")
	}
	now := time.Now().UTC()
	claims := ProducerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   actor,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Actor:  actor,
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a producer token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*ProducerClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&ProducerClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(*ProducerClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Actor == "" {
		claims.Actor = claims.Subject
	}
	return claims, nil
}

// PublicKeyPEM returns the RSA public key in PKIX PEM format.
func (t *TokenIssuer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(t.pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// HasScope reports whether claims grant scope. ScopeAdmin satisfies every
// ledger scope.
func HasScope(claims *ProducerClaims, scope string) bool {
	if claims == nil {
		return false
	}
	for _, s := range claims.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}
