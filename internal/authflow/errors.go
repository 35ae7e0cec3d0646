package authflow

import "errors"

var (
	// ErrMfaInvalid is a failed second-factor challenge.
	ErrMfaInvalid = errors.New("authflow: invalid mfa code")

	// ErrChallengeExpired means the MFA challenge was answered too late.
	ErrChallengeExpired = errors.New("authflow: challenge expired")

	// ErrSessionNotFound means the referenced session does not exist or
	// is not in a state the operation accepts.
	ErrSessionNotFound = errors.New("authflow: session not found")
)
