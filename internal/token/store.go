package token

import (
	"context"
	"time"
)

// Store describes persistence for sessions, refresh tokens and the
// blacklist. Rotation and reuse handling must be atomic: two concurrent
// presentations of the same refresh token may succeed at most once.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	FindSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, identityID string) ([]*Session, error)
	MarkSessionMFAVerified(ctx context.Context, id string) error
	TouchSession(ctx context.Context, id string, at time.Time) error

	// RevokeSession marks the session revoked and revokes its outstanding
	// refresh tokens. Idempotent.
	RevokeSession(ctx context.Context, id string, at time.Time) error

	// RevokeAllSessions revokes every active session of the identity and
	// returns their ids.
	RevokeAllSessions(ctx context.Context, identityID string, at time.Time) ([]string, error)

	CreateRefreshToken(ctx context.Context, t *RefreshToken) error
	FindRefreshToken(ctx context.Context, id string) (*RefreshToken, error)

	// RotateRefreshToken stamps the old token used, records its successor
	// and inserts the new token in one transaction holding the session
	// row. Returns ErrTokenReused when the old token was already used or
	// revoked, ErrSessionRevoked when the session is gone.
	RotateRefreshToken(ctx context.Context, oldID string, next *RefreshToken, at time.Time) error

	Blacklist(ctx context.Context, e *BlacklistEntry) error
	IsBlacklisted(ctx context.Context, value string) (bool, error)

	// PurgeBlacklist removes entries whose retention has lapsed.
	PurgeBlacklist(ctx context.Context, now time.Time) (int64, error)
}

// KeyStore persists signing keys for the keyring.
type KeyStore interface {
	SaveKey(ctx context.Context, k *SigningKey) error
	ListKeys(ctx context.Context) ([]*SigningKey, error)
	RetireKey(ctx context.Context, kid string, at time.Time) error
}
