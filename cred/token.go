package cred

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Token is a minted short-lived access credential. A Token is never mutated
// after creation; renewal produces a new Token that replaces the cached one.
type Token struct {
	// Value is the opaque access credential. Never logged; use Fingerprint.
	Value string

	// Identity is the name of the owning identity.
	Identity string

	// Scopes is the canonical scope set the token was granted for.
	Scopes ScopeSet

	// IssuedAt is when the token was minted.
	IssuedAt time.Time

	// ExpiresAt is when the token becomes invalid. Always after IssuedAt.
	ExpiresAt time.Time

	// Issuer identifies the issuing service.
	Issuer string
}

// Fingerprint returns a short non-reversible identifier for the token value,
// safe to emit in logs.
func (t *Token) Fingerprint() string {
	sum := sha256.Sum256([]byte(t.Value))
	return hex.EncodeToString(sum[:6])
}

// TTL returns the remaining lifetime of the token at the given instant.
func (t *Token) TTL(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// ExpiresWithin reports whether the token expires within d of now.
func (t *Token) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !now.Add(d).Before(t.ExpiresAt)
}
