package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is one authenticated device session. Access tokens carry its ID
// in the sid claim; refresh tokens chain to it.
type Session struct {
	ID                string     `json:"id"`
	IdentityID        string     `json:"identity_id"`
	DeviceFingerprint string     `json:"device_fingerprint,omitempty"`
	MFAVerified       bool       `json:"mfa_verified"`
	Revoked           bool       `json:"revoked"`
	CreatedAt         time.Time  `json:"created_at"`
	LastSeenAt        time.Time  `json:"last_seen_at"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
}

// RefreshToken is the stored half of an opaque refresh credential. The
// client holds "id.secret"; only the secret's SHA-256 is at rest. A token
// is single-use: rotation stamps UsedAt and records its successor.
type RefreshToken struct {
	ID         string
	SessionID  string
	IdentityID string
	SecretHash string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UsedAt     *time.Time
	RevokedAt  *time.Time
	ReplacedBy string
}

// Active reports whether the token may still be presented.
func (t *RefreshToken) Active(now time.Time) bool {
	return t.UsedAt == nil && t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// BlacklistEntry denies a token or session id until RetainUntil, after
// which expiry makes the entry redundant and the sweep removes it.
type BlacklistEntry struct {
	Value       string
	SessionID   string
	Reason      string
	RetainUntil time.Time
	CreatedAt   time.Time
}

// SigningKey is a persisted RSA keypair. The keyring signs with the
// active key and keeps retired keys loaded so outstanding tokens verify.
type SigningKey struct {
	Kid        string
	PrivatePEM string
	PublicPEM  string
	CreatedAt  time.Time
	RetiredAt  *time.Time
}

// Claims is the verified access-token payload.
type Claims struct {
	SessionID string   `json:"sid"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// SessionBundle is what a successful issue or refresh hands back.
type SessionBundle struct {
	Session          *Session  `json:"session"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
