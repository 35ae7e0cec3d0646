package identity

import "errors"

var (
	// ErrInvalidCredential merges unknown-identifier and wrong-secret so
	// callers cannot probe which identifiers exist.
	ErrInvalidCredential = errors.New("identity: invalid credential")
	ErrAccountLocked     = errors.New("identity: account locked")
	ErrAccountNotActive  = errors.New("identity: account not active")
	ErrCredentialReused  = errors.New("identity: credential was used before")
	ErrNotFound          = errors.New("identity: not found")
	ErrAlreadyExists     = errors.New("identity: already exists")
)
