package token

import "errors"

var (
	// ErrInvalidToken covers every externally indistinguishable refusal:
	// malformed, expired, unknown, bad signature, blacklisted.
	ErrInvalidToken = errors.New("token: invalid token")

	// ErrTokenReused signals a refresh token presented after it was
	// already rotated or revoked. The whole session is torn down.
	ErrTokenReused = errors.New("token: refresh token reused")

	// ErrSessionRevoked is returned when the session backing a refresh
	// token has been revoked.
	ErrSessionRevoked = errors.New("token: session revoked")

	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("token: not found")

	// ErrNoActiveKey indicates the keyring has no signing key loaded.
	ErrNoActiveKey = errors.New("token: no active signing key")
)
