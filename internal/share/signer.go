// Package share issues and verifies signed, time-limited access
// tokens for file paths. It is the external-URL collaborator that the
// provider-level shared access expiry setting exists for: the
// filesystem providers store the expiry without semantics, the signer
// turns it into token lifetimes.
package share

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stashd/stashd/internal/metrics"
	"github.com/stashd/stashd/internal/storage"
)

// Claims holds share token claims.
type Claims struct {
	Path string `json:"path"`
	jwt.RegisteredClaims
}

// Signer issues and verifies share tokens for one provider.
type Signer struct {
	secret      []byte
	provider    storage.Provider
	fallbackTTL time.Duration
}

// NewSigner creates a Signer bound to a provider. fallbackTTL applies
// when the provider has no shared access expiry set.
func NewSigner(secret string, provider storage.Provider, fallbackTTL time.Duration) *Signer {
	return &Signer{
		secret:      []byte(secret),
		provider:    provider,
		fallbackTTL: fallbackTTL,
	}
}

// Issue signs a token granting read access to path until the
// provider's shared access expiry, or for the fallback TTL when the
// expiry is unset. An expiry in the past is an error.
func (s *Signer) Issue(path string) (string, time.Time, error) {
	expiresAt := time.Now().Add(s.fallbackTTL)
	if expiry := s.provider.SharedAccessExpiry(); !expiry.IsZero() {
		expiresAt = expiry
	}
	if !expiresAt.After(time.Now()) {
		return "", time.Time{}, fmt.Errorf("shared access expiry is in the past")
	}

	claims := &Claims{
		Path: path,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign share token: %w", err)
	}

	metrics.RecordShareIssued()
	return tokenStr, expiresAt, nil
}

// Verify checks a token and returns the path it grants access to.
func (s *Signer) Verify(tokenStr string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		metrics.RecordShareRedemption(false)
		return "", err
	}
	if !token.Valid {
		metrics.RecordShareRedemption(false)
		return "", fmt.Errorf("invalid token")
	}
	metrics.RecordShareRedemption(true)
	return claims.Path, nil
}
