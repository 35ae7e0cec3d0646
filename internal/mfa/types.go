package mfa

import "time"

// Credential is one identity's TOTP enrollment. The shared secret is
// sealed with AES-GCM at rest; LastUsedStep is the highest time step a
// code has been accepted for, so a code can never be replayed.
type Credential struct {
	IdentityID   string
	SecretSealed string
	Confirmed    bool
	LastUsedStep int64
	CreatedAt    time.Time
	ConfirmedAt  *time.Time
}

// BackupCode is a single-use recovery code. Only the SHA-256 of the code
// is stored; consumption stamps UsedAt exactly once.
type BackupCode struct {
	ID         string
	IdentityID string
	CodeHash   string
	CreatedAt  time.Time
	UsedAt     *time.Time
}

// Enrollment is handed back from BeginEnrollment. Secret and URI are
// shown to the user once and never stored in the clear.
type Enrollment struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}
