package authflow

import "medvault.org/internal/token"

// Status enumerates the terminal results of an authentication step.
type Status int

const (
	// StatusDenied covers every failure. The caller shows a generic
	// message; the detailed reason lives in Reason and the audit trail.
	StatusDenied Status = iota

	// StatusMfaRequired means the primary credential checked out but a
	// second factor is outstanding. Challenge carries the provisional
	// session id.
	StatusMfaRequired

	// StatusGranted means a full session was minted; Bundle is set.
	StatusGranted
)

// Outcome is the tagged union handed back from every flow operation.
// Exactly one payload field is populated, selected by Status.
type Outcome struct {
	Status    Status
	Bundle    *token.SessionBundle
	Challenge *Challenge
	Reason    error
}

// Challenge identifies a pending MFA step.
type Challenge struct {
	SessionID string `json:"session_id"`
}

func granted(bundle *token.SessionBundle) *Outcome {
	return &Outcome{Status: StatusGranted, Bundle: bundle}
}

func mfaRequired(sessionID string) *Outcome {
	return &Outcome{Status: StatusMfaRequired, Challenge: &Challenge{SessionID: sessionID}}
}

func denied(reason error) *Outcome {
	return &Outcome{Status: StatusDenied, Reason: reason}
}
