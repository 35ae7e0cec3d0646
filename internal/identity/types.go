package identity

import "time"

// Account status values. An identity that is not active can never gain a
// session.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusLocked   = "locked"
	StatusPending  = "pending"
)

// Identity is a person or service account able to authenticate. Credential
// and lockout fields are mutated only through the Protection service and
// credential rotation.
type Identity struct {
	ID             string
	Username       string
	CredentialHash string
	Status         string
	Roles          []string

	FailedAttempts int
	FirstFailedAt  *time.Time
	LockExpiresAt  *time.Time
	LockoutCount   int

	PasswordChangedAt time.Time
	PasswordExpiresAt *time.Time
	PriorHashes       []string

	AllowedOrigins []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Locked reports whether the identity is locked at the given instant.
func (i *Identity) Locked(now time.Time) bool {
	if i.Status != StatusLocked {
		return false
	}
	if i.LockExpiresAt == nil {
		return true
	}
	return now.Before(*i.LockExpiresAt)
}
