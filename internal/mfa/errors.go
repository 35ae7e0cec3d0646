package mfa

import "errors"

var (
	// ErrInvalidCode covers wrong, expired and replayed codes alike.
	ErrInvalidCode = errors.New("mfa: invalid code")

	// ErrNotEnrolled indicates the identity has no confirmed enrollment.
	ErrNotEnrolled = errors.New("mfa: not enrolled")

	// ErrAlreadyEnrolled refuses a second confirmed enrollment.
	ErrAlreadyEnrolled = errors.New("mfa: already enrolled")

	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("mfa: not found")
)
