package authflow

import (
	"context"
	"errors"
	"strconv"
	"time"

	"medvault.org/internal/audit"
	"medvault.org/internal/identity"
	"medvault.org/internal/mfa"
	"medvault.org/internal/obs"
	"medvault.org/internal/token"
)

const (
	defaultMinLatency   = 150 * time.Millisecond
	defaultChallengeTTL = 5 * time.Minute
)

// Flow composes credential verification, lockout, MFA and token issuance
// into the login/refresh/logout state machine. Every transition is
// journaled; failures surface as generic denials with the detailed
// reason confined to the Outcome and the audit trail.
type Flow struct {
	protection *identity.Protection
	identities identity.Store
	tokens     *token.Service
	mfa        *mfa.Engine
	trail      *audit.Trail
	now        func() time.Time
	sleep      func(time.Duration)

	// minLatency is the floor enforced on failed authentications so
	// unknown-identifier and wrong-secret take the same time.
	minLatency   time.Duration
	challengeTTL time.Duration
}

// FlowOption configures Flow.
type FlowOption func(*Flow)

// WithMinLatency sets the failure latency floor. Zero disables it.
func WithMinLatency(d time.Duration) FlowOption {
	return func(f *Flow) {
		if d >= 0 {
			f.minLatency = d
		}
	}
}

// WithChallengeTTL sets how long an MFA challenge stays answerable.
func WithChallengeTTL(d time.Duration) FlowOption {
	return func(f *Flow) {
		if d > 0 {
			f.challengeTTL = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) FlowOption {
	return func(f *Flow) {
		if fn != nil {
			f.now = fn
		}
	}
}

// NewFlow constructs the orchestrator.
func NewFlow(protection *identity.Protection, identities identity.Store, tokens *token.Service, engine *mfa.Engine, trail *audit.Trail, opts ...FlowOption) (*Flow, error) {
	if protection == nil || identities == nil || tokens == nil || engine == nil || trail == nil {
		return nil, errors.New("authflow: all collaborators are required")
	}
	f := &Flow{
		protection:   protection,
		identities:   identities,
		tokens:       tokens,
		mfa:          engine,
		trail:        trail,
		now:          time.Now,
		sleep:        time.Sleep,
		minLatency:   defaultMinLatency,
		challengeTTL: defaultChallengeTTL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Authenticate runs primary authentication. Granted mints a full session;
// MfaRequired opens a provisional session awaiting VerifyMfa; every
// denial looks the same to the caller.
func (f *Flow) Authenticate(ctx context.Context, identifier, secret, deviceFingerprint string) (*Outcome, error) {
	started := time.Now()

	ident, err := f.protection.VerifyCredential(ctx, identifier, secret)
	if err != nil {
		return f.denyLogin(ctx, started, identifier, err)
	}
	if err := f.protection.RecordSuccess(ctx, ident.ID); err != nil {
		return nil, err
	}

	enrolled, err := f.mfa.Enrolled(ctx, ident.ID)
	if err != nil {
		return nil, err
	}
	if enrolled {
		session, err := f.tokens.OpenSession(ctx, ident.ID, deviceFingerprint)
		if err != nil {
			return nil, err
		}
		if err := f.trail.Record(ctx, audit.Entry{
			ActorID:    ident.ID,
			Action:     audit.ActionLoginSuccess,
			Category:   audit.CategoryAuth,
			EntityType: "session",
			EntityID:   session.ID,
			Detail:     map[string]string{"stage": "primary", "mfa": "required"},
		}); err != nil {
			return nil, err
		}
		obs.CountLogin("mfa_required")
		return mfaRequired(session.ID), nil
	}

	bundle, err := f.tokens.Issue(ctx, ident.ID, ident.Roles, deviceFingerprint, false)
	if err != nil {
		return nil, err
	}
	if err := f.recordSessionIssued(ctx, ident.ID, bundle.Session.ID, audit.ActionLoginSuccess); err != nil {
		return nil, err
	}
	obs.CountLogin("success")
	return granted(bundle), nil
}

// VerifyMfa answers a pending challenge with a TOTP or backup code.
// Failures feed the same lockout counter as primary failures.
func (f *Flow) VerifyMfa(ctx context.Context, sessionID, code string) (*Outcome, error) {
	started := time.Now()

	session, err := f.tokens.Session(ctx, sessionID)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return f.normalize(started, denied(ErrSessionNotFound)), nil
		}
		return nil, err
	}
	if session.Revoked || session.MFAVerified {
		return f.normalize(started, denied(ErrSessionNotFound)), nil
	}
	now := f.now().UTC()
	if now.Sub(session.CreatedAt) > f.challengeTTL {
		return f.normalize(started, denied(ErrChallengeExpired)), nil
	}

	ident, err := f.identities.Find(ctx, session.IdentityID)
	if err != nil {
		return nil, err
	}
	if ident.Status != identity.StatusActive {
		reason := identity.ErrAccountNotActive
		if ident.Locked(now) {
			reason = identity.ErrAccountLocked
		}
		return f.normalize(started, denied(reason)), nil
	}

	if err := f.checkSecondFactor(ctx, ident.ID, code); err != nil {
		if !errors.Is(err, mfa.ErrInvalidCode) {
			return nil, err
		}
		if err := f.protection.RecordFailure(ctx, ident); err != nil {
			return nil, err
		}
		if err := f.trail.Record(ctx, audit.Entry{
			ActorID:    ident.ID,
			Action:     audit.ActionMFAChallengeFailed,
			Category:   audit.CategoryMFA,
			EntityType: "session",
			EntityID:   session.ID,
		}); err != nil {
			return nil, err
		}
		obs.CountLogin("mfa_invalid")
		return f.normalize(started, denied(ErrMfaInvalid)), nil
	}

	if err := f.protection.RecordSuccess(ctx, ident.ID); err != nil {
		return nil, err
	}
	if err := f.tokens.MarkMFAVerified(ctx, session.ID); err != nil {
		return nil, err
	}
	bundle, err := f.tokens.IssueForSession(ctx, session.ID, ident.Roles)
	if err != nil {
		return nil, err
	}
	bundle.Session.MFAVerified = true
	if err := f.recordSessionIssued(ctx, ident.ID, session.ID, audit.ActionMFAVerified); err != nil {
		return nil, err
	}
	obs.CountLogin("success")
	return granted(bundle), nil
}

// Refresh rotates a refresh token. Reuse of a rotated token revokes the
// session and is journaled as a detected theft.
func (f *Flow) Refresh(ctx context.Context, rawRefresh string) (*Outcome, error) {
	record, err := f.tokens.LookupRefresh(ctx, rawRefresh)
	if err != nil {
		return denied(token.ErrInvalidToken), nil
	}
	ident, err := f.identities.Find(ctx, record.IdentityID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return denied(token.ErrInvalidToken), nil
		}
		return nil, err
	}

	bundle, err := f.tokens.Refresh(ctx, rawRefresh, ident.Roles)
	if err != nil {
		if errors.Is(err, token.ErrTokenReused) {
			if rerr := f.trail.Record(ctx, audit.Entry{
				ActorID:    ident.ID,
				Action:     audit.ActionRefreshReuse,
				Category:   audit.CategorySession,
				EntityType: "session",
				EntityID:   record.SessionID,
			}); rerr != nil {
				return nil, rerr
			}
			if rerr := f.recordSessionRevoked(ctx, ident.ID, record.SessionID, "refresh_reuse"); rerr != nil {
				return nil, rerr
			}
		}
		return denied(err), nil
	}

	if err := f.trail.Record(ctx, audit.Entry{
		ActorID:    ident.ID,
		Action:     audit.ActionTokenRefreshed,
		Category:   audit.CategorySession,
		EntityType: "session",
		EntityID:   bundle.Session.ID,
	}); err != nil {
		return nil, err
	}
	return granted(bundle), nil
}

// Logout revokes one session.
func (f *Flow) Logout(ctx context.Context, identityID, sessionID string) error {
	if err := f.tokens.Revoke(ctx, sessionID); err != nil {
		return err
	}
	if err := f.trail.Record(ctx, audit.Entry{
		ActorID:    identityID,
		Action:     audit.ActionLogout,
		Category:   audit.CategorySession,
		EntityType: "session",
		EntityID:   sessionID,
	}); err != nil {
		return err
	}
	return f.recordSessionRevoked(ctx, identityID, sessionID, "logout")
}

// LogoutAll revokes every session of the identity and reports the count.
func (f *Flow) LogoutAll(ctx context.Context, identityID string) (int, error) {
	n, err := f.tokens.RevokeAll(ctx, identityID)
	if err != nil {
		return 0, err
	}
	if err := f.trail.Record(ctx, audit.Entry{
		ActorID:    identityID,
		Action:     audit.ActionLogoutAll,
		Category:   audit.CategorySession,
		EntityType: "identity",
		EntityID:   identityID,
		Detail:     map[string]string{"revoked": strconv.Itoa(n)},
	}); err != nil {
		return 0, err
	}
	return n, nil
}

// ListSessions returns the identity's sessions.
func (f *Flow) ListSessions(ctx context.Context, identityID string) ([]*token.Session, error) {
	return f.tokens.ListSessions(ctx, identityID)
}

// RotateCredential verifies the current secret, swaps in the new one and
// forces logout everywhere, so stolen sessions do not outlive a reset.
func (f *Flow) RotateCredential(ctx context.Context, identityID, currentSecret, newSecret string) error {
	ident, err := f.identities.Find(ctx, identityID)
	if err != nil {
		return err
	}
	verified, err := f.protection.VerifyCredential(ctx, ident.Username, currentSecret)
	if err != nil {
		return err
	}
	if err := f.protection.RotateCredential(ctx, verified, newSecret, nil); err != nil {
		return err
	}
	_, err = f.LogoutAll(ctx, identityID)
	return err
}

func (f *Flow) checkSecondFactor(ctx context.Context, identityID, code string) error {
	err := f.mfa.Verify(ctx, identityID, code)
	if err == nil {
		return nil
	}
	// A challenge against an identity whose enrollment vanished in the
	// meantime is a plain denial, not an internal failure.
	if !errors.Is(err, mfa.ErrInvalidCode) && !errors.Is(err, mfa.ErrNotEnrolled) {
		return err
	}
	if berr := f.mfa.ConsumeBackupCode(ctx, identityID, code); berr != nil {
		return mfa.ErrInvalidCode
	}
	return nil
}

func (f *Flow) denyLogin(ctx context.Context, started time.Time, identifier string, cause error) (*Outcome, error) {
	reason := "invalid_credential"
	counter := "invalid"
	switch {
	case errors.Is(cause, identity.ErrAccountLocked):
		reason = "locked"
		counter = "locked"
	case errors.Is(cause, identity.ErrAccountNotActive):
		reason = "not_active"
		counter = "inactive"
	case errors.Is(cause, identity.ErrInvalidCredential):
		// Count the failure when the identifier resolves to a real
		// identity; unknown identifiers have nothing to count against.
		if ident, ferr := f.identities.FindByUsername(ctx, identifier); ferr == nil {
			if err := f.protection.RecordFailure(ctx, ident); err != nil {
				return nil, err
			}
		}
	default:
		return nil, cause
	}

	if err := f.trail.Record(ctx, audit.Entry{
		Action:     audit.ActionLoginFailure,
		Category:   audit.CategoryAuth,
		EntityType: "identifier",
		EntityID:   identifier,
		Detail:     map[string]string{"reason": reason},
	}); err != nil {
		return nil, err
	}
	obs.CountLogin(counter)
	return f.normalize(started, denied(cause)), nil
}

// normalize pads failed operations to the latency floor.
func (f *Flow) normalize(started time.Time, out *Outcome) *Outcome {
	if f.minLatency > 0 {
		if remaining := f.minLatency - time.Since(started); remaining > 0 {
			f.sleep(remaining)
		}
	}
	return out
}

func (f *Flow) recordSessionIssued(ctx context.Context, identityID, sessionID, loginAction string) error {
	if err := f.trail.Record(ctx, audit.Entry{
		ActorID:    identityID,
		Action:     loginAction,
		Category:   audit.CategoryAuth,
		EntityType: "session",
		EntityID:   sessionID,
	}); err != nil {
		return err
	}
	return f.trail.Record(ctx, audit.Entry{
		ActorID:    identityID,
		Action:     audit.ActionSessionIssued,
		Category:   audit.CategorySession,
		EntityType: "session",
		EntityID:   sessionID,
	})
}

func (f *Flow) recordSessionRevoked(ctx context.Context, identityID, sessionID, reason string) error {
	return f.trail.Record(ctx, audit.Entry{
		ActorID:    identityID,
		Action:     audit.ActionSessionRevoked,
		Category:   audit.CategorySession,
		EntityType: "session",
		EntityID:   sessionID,
		Detail:     map[string]string{"reason": reason},
	})
}
