package audit

import "time"

// Category groups audit actions for compliance review filters.
type Category string

const (
	CategoryAuth    Category = "auth"
	CategorySession Category = "session"
	CategoryMFA     Category = "mfa"
	CategoryAccount Category = "account"
)

// Tagged actions written by the authentication flow. The audit record is
// the authoritative record for compliance review.
const (
	ActionLoginSuccess        = "LOGIN_SUCCESS"
	ActionLoginFailure        = "LOGIN_FAILURE"
	ActionAccountLocked       = "ACCOUNT_LOCKED"
	ActionAccountUnlocked     = "ACCOUNT_UNLOCKED"
	ActionCredentialRotated   = "CREDENTIAL_ROTATED"
	ActionMFAChallengeFailed  = "MFA_CHALLENGE_FAILED"
	ActionMFAVerified         = "MFA_VERIFIED"
	ActionMFAEnrolled         = "MFA_ENROLLED"
	ActionMFADisabled         = "MFA_DISABLED"
	ActionBackupCodeConsumed  = "BACKUP_CODE_CONSUMED"
	ActionSessionIssued       = "SESSION_ISSUED"
	ActionSessionRevoked      = "SESSION_REVOKED"
	ActionTokenRefreshed      = "TOKEN_REFRESHED"
	ActionRefreshReuse        = "REFRESH_REUSE_DETECTED"
	ActionLogout              = "LOGOUT"
	ActionLogoutAll           = "LOGOUT_ALL"
)

// Entry is one immutable record in the hash chain. Seq and the hashes are
// assigned by the store at append time; everything else is caller input.
type Entry struct {
	ID         string
	Seq        int64
	ActorID    string // empty when the actor is unauthenticated or unknown
	Action     string
	Category   Category
	EntityType string
	EntityID   string
	Detail     map[string]string
	OccurredAt time.Time
	PrevHash   string
	SelfHash   string
}
