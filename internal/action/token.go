package action

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultConfirmationTTL is how long a confirmation token stays valid after
// issuance.
const DefaultConfirmationTTL = 5 * time.Minute

// TokenService issues and validates one-time confirmation tokens. Only the
// SHA-256 digest of a token is ever stored; the raw token goes to the caller
// exactly once. Single use is enforced by the caller via the state machine:
// a consumed digest is detached from any pending execution.
type TokenService struct {
	ttl time.Duration
}

// NewTokenService creates a token service with the given TTL. A zero TTL
// falls back to DefaultConfirmationTTL.
func NewTokenService(ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = DefaultConfirmationTTL
	}
	return &TokenService{ttl: ttl}
}

// TTL returns the configured confirmation lifetime.
func (ts *TokenService) TTL() time.Duration {
	return ts.ttl
}

// Issue generates a new confirmation token pair: the raw URL-safe token for
// the client and the hex SHA-256 digest for storage.
func (ts *TokenService) Issue() (raw string, digest string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate confirmation token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, Digest(raw), nil
}

// Digest returns the hex SHA-256 digest of a raw token.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Validate checks a presented raw token against the stored digest and the
// issuance time. It returns false once the TTL has elapsed or when the
// digest does not match. It has no side effects.
func (ts *TokenService) Validate(raw, storedDigest string, issuedAt time.Time) bool {
	if time.Since(issuedAt) > ts.ttl {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Digest(raw)), []byte(storedDigest)) == 1
}

// Expired reports whether a token issued at issuedAt is past its TTL,
// independent of digest correctness.
func (ts *TokenService) Expired(issuedAt time.Time) bool {
	return time.Since(issuedAt) > ts.ttl
}
