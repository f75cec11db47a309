// Package credential obtains, caches and persists the bearer token used to
// authenticate transport connections to the remote browser host.
package credential

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is an opaque bearer token plus the expiry decoded from it.
// A zero ExpiresAt means the expiry is unknown and the token is used until
// the remote rejects it.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Decode builds a Credential from a raw token, reading the exp claim when the
// token is a JWT. The signature is not verified; only the remote can do that.
func Decode(token string) Credential {
	token = strings.TrimSpace(token)
	cred := Credential{Token: token}
	if token == "" {
		return cred
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return cred
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return cred
	}
	cred.ExpiresAt = exp.Time
	return cred
}

// Empty reports whether the credential carries no token.
func (c Credential) Empty() bool {
	return strings.TrimSpace(c.Token) == ""
}

// Expired reports whether the expiry instant is at or before now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ValidFor reports whether the credential is non-empty and remains valid for
// at least margin past now.
func (c Credential) ValidFor(now time.Time, margin time.Duration) bool {
	if c.Empty() {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(margin).Before(c.ExpiresAt)
}

// Redacted returns a short form safe for logs.
func (c Credential) Redacted() string {
	if len(c.Token) <= 8 {
		return "****"
	}
	return c.Token[:4] + "…" + c.Token[len(c.Token)-4:]
}
