package authflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"medvault.org/internal/audit"
	"medvault.org/internal/crypto"
	"medvault.org/internal/identity"
	"medvault.org/internal/mfa"
	"medvault.org/internal/token"
)

const testBoxKey = "101112131415161718191a1b1c1d1e1f202122232425262728292a2b2c2d2e2f"

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	flow       *Flow
	identities *identity.MemoryStore
	tokens     *token.Service
	engine     *mfa.Engine
	clock      *fakeClock
	auditStore *audit.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	auditStore := audit.NewMemoryStore()
	trail, err := audit.NewTrail(auditStore, audit.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}

	identities := identity.NewMemoryStore()
	protection, err := identity.NewProtection(identities, trail,
		identity.WithMaxAttempts(5),
		identity.WithLockoutDuration(15*time.Minute),
		identity.WithLockoutWindow(15*time.Minute),
		identity.WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("NewProtection: %v", err)
	}

	keyring, err := token.NewKeyring(ctx, token.NewMemoryKeyStore())
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	if _, err := keyring.GenerateKey(ctx); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tokens, err := token.NewService(token.NewMemoryStore(), keyring,
		token.WithClock(clock.Now), token.WithIssuer("medvault-test"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	box, err := crypto.NewSecretBox(testBoxKey)
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}
	engine, err := mfa.NewEngine(mfa.NewMemoryStore(), box, trail, mfa.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	flow, err := NewFlow(protection, identities, tokens, engine, trail,
		WithClock(clock.Now), WithMinLatency(0))
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	return &harness{
		flow:       flow,
		identities: identities,
		tokens:     tokens,
		engine:     engine,
		clock:      clock,
		auditStore: auditStore,
	}
}

func (h *harness) seed(t *testing.T, username, secret string) *identity.Identity {
	t.Helper()
	hash, err := crypto.HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	ident := &identity.Identity{
		Username:       username,
		CredentialHash: hash,
		Status:         identity.StatusActive,
		Roles:          []string{"compliance_officer"},
	}
	if err := h.identities.Create(context.Background(), ident); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return ident
}

func (h *harness) enrollMfa(t *testing.T, identityID string) (secret string, backup []string) {
	t.Helper()
	ctx := context.Background()
	enrollment, err := h.engine.BeginEnrollment(ctx, identityID, identityID+"@medvault.example")
	if err != nil {
		t.Fatalf("BeginEnrollment: %v", err)
	}
	backup, err = h.engine.ConfirmEnrollment(ctx, identityID, totpCode(t, enrollment.Secret, h.clock.Now()))
	if err != nil {
		t.Fatalf("ConfirmEnrollment: %v", err)
	}
	return enrollment.Secret, backup
}

func (h *harness) actions(t *testing.T) []string {
	t.Helper()
	entries, err := h.auditStore.List(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom: %v", err)
	}
	return code
}

func hasAction(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

func TestAuthenticateGranted(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "alice", "s3cret-passphrase")
	ctx := context.Background()

	out, err := h.flow.Authenticate(ctx, "alice", "s3cret-passphrase", "device-a")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if out.Status != StatusGranted {
		t.Fatalf("expected granted, got %v (%v)", out.Status, out.Reason)
	}
	claims, err := h.tokens.Validate(ctx, out.Bundle.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.SessionID != out.Bundle.Session.ID {
		t.Fatalf("claims bind to the wrong session: %+v", claims)
	}

	actions := h.actions(t)
	if !hasAction(actions, audit.ActionLoginSuccess) || !hasAction(actions, audit.ActionSessionIssued) {
		t.Fatalf("expected login audit entries, got %v", actions)
	}
}

func TestAuthenticateDeniedIsGeneric(t *testing.T) {
	h := newHarness(t)
	ident := h.seed(t, "alice", "s3cret-passphrase")
	ctx := context.Background()

	for _, tc := range []struct{ identifier, secret string }{
		{"alice", "wrong-guess"},
		{"nobody", "s3cret-passphrase"},
	} {
		out, err := h.flow.Authenticate(ctx, tc.identifier, tc.secret, "")
		if err != nil {
			t.Fatalf("Authenticate(%s): %v", tc.identifier, err)
		}
		if out.Status != StatusDenied {
			t.Fatalf("expected denial for %s", tc.identifier)
		}
		if !errors.Is(out.Reason, identity.ErrInvalidCredential) {
			t.Fatalf("both denials must look identical, got %v", out.Reason)
		}
	}

	// Only the real identity accumulated a failure.
	got, _ := h.identities.Find(ctx, ident.ID)
	if got.FailedAttempts != 1 {
		t.Fatalf("expected 1 failed attempt, got %d", got.FailedAttempts)
	}
	if !hasAction(h.actions(t), audit.ActionLoginFailure) {
		t.Fatal("expected LOGIN_FAILURE entries")
	}
}

func TestLockoutScenario(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "alice", "s3cret-passphrase")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		out, err := h.flow.Authenticate(ctx, "alice", "bad-guess", "")
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if out.Status != StatusDenied {
			t.Fatalf("attempt %d: expected denial", i+1)
		}
	}

	// Correct password while locked is still refused.
	out, err := h.flow.Authenticate(ctx, "alice", "s3cret-passphrase", "")
	if err != nil {
		t.Fatalf("Authenticate while locked: %v", err)
	}
	if out.Status != StatusDenied || !errors.Is(out.Reason, identity.ErrAccountLocked) {
		t.Fatalf("expected AccountLocked denial, got %v (%v)", out.Status, out.Reason)
	}
	if !hasAction(h.actions(t), audit.ActionAccountLocked) {
		t.Fatal("expected ACCOUNT_LOCKED entry")
	}

	// After expiry the correct password works and the counter resets.
	h.clock.Advance(16 * time.Minute)
	out, err = h.flow.Authenticate(ctx, "alice", "s3cret-passphrase", "")
	if err != nil {
		t.Fatalf("Authenticate after expiry: %v", err)
	}
	if out.Status != StatusGranted {
		t.Fatalf("expected granted after lock expiry, got %v (%v)", out.Status, out.Reason)
	}
	ident, _ := h.identities.FindByUsername(ctx, "alice")
	if ident.FailedAttempts != 0 {
		t.Fatalf("expected counter reset, got %d", ident.FailedAttempts)
	}
}

func TestMfaChallengeFlow(t *testing.T) {
	h := newHarness(t)
	ident := h.seed(t, "alice", "s3cret-passphrase")
	secret, _ := h.enrollMfa(t, ident.ID)
	ctx := context.Background()

	out, err := h.flow.Authenticate(ctx, "alice", "s3cret-passphrase", "device-a")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if out.Status != StatusMfaRequired || out.Challenge == nil {
		t.Fatalf("expected MfaRequired, got %v", out.Status)
	}
	if out.Bundle != nil {
		t.Fatal("no tokens may exist before the challenge is answered")
	}

	// Wrong code is denied and journaled.
	bad, err := h.flow.VerifyMfa(ctx, out.Challenge.SessionID, "000000")
	if err != nil {
		t.Fatalf("VerifyMfa: %v", err)
	}
	if bad.Status != StatusDenied || !errors.Is(bad.Reason, ErrMfaInvalid) {
		t.Fatalf("expected MfaInvalid denial, got %v (%v)", bad.Status, bad.Reason)
	}
	if !hasAction(h.actions(t), audit.ActionMFAChallengeFailed) {
		t.Fatal("expected MFA_CHALLENGE_FAILED entry")
	}

	// The right code completes the login on the same session.
	h.clock.Advance(30 * time.Second)
	good, err := h.flow.VerifyMfa(ctx, out.Challenge.SessionID, totpCode(t, secret, h.clock.Now()))
	if err != nil {
		t.Fatalf("VerifyMfa: %v", err)
	}
	if good.Status != StatusGranted {
		t.Fatalf("expected granted, got %v (%v)", good.Status, good.Reason)
	}
	if good.Bundle.Session.ID != out.Challenge.SessionID {
		t.Fatal("grant must reuse the challenge session")
	}
	if !good.Bundle.Session.MFAVerified {
		t.Fatal("expected mfa-verified session")
	}
	if !hasAction(h.actions(t), audit.ActionMFAVerified) {
		t.Fatal("expected MFA_VERIFIED entry")
	}
}

func TestMfaWithBackupCode(t *testing.T) {
	h := newHarness(t)
	ident := h.seed(t, "alice", "s3cret-passphrase")
	_, backup := h.enrollMfa(t, ident.ID)
	ctx := context.Background()

	out, err := h.flow.Authenticate(ctx, "alice", "s3cret-passphrase", "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	good, err := h.flow.VerifyMfa(ctx, out.Challenge.SessionID, backup[0])
	if err != nil {
		t.Fatalf("VerifyMfa: %v", err)
	}
	if good.Status != StatusGranted {
		t.Fatalf("expected granted via backup code, got %v (%v)", good.Status, good.Reason)
	}

	// The burnt code cannot answer another challenge.
	again, err := h.flow.Authenticate(ctx, "alice", "s3cret-passphrase", "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	bad, err := h.flow.VerifyMfa(ctx, again.Challenge.SessionID, backup[0])
	if err != nil {
		t.Fatalf("VerifyMfa: %v", err)
	}
	if bad.Status != StatusDenied {
		t.Fatal("expected burnt backup code refused")
	}
}

func TestMfaFailuresFeedLockout(t *testing.T) {
	h := newHarness(t)
	ident := h.seed(t, "alice", "s3cret-passphrase")
	h.enrollMfa(t, ident.ID)
	ctx := context.Background()

	out, err := h.flow.Authenticate(ctx, "alice", "s3cret-passphrase", "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := h.flow.VerifyMfa(ctx, out.Challenge.SessionID, "000000"); err != nil {
			t.Fatalf("VerifyMfa %d: %v", i+1, err)
		}
	}

	got, _ := h.identities.Find(ctx, ident.ID)
	if got.Status != identity.StatusLocked {
		t.Fatalf("repeated MFA failures must lock the account, got %s", got.Status)
	}
}

func TestMfaChallengeExpires(t *testing.T) {
	h := newHarness(t)
	ident := h.seed(t, "alice", "s3cret-passphrase")
	secret, _ := h.enrollMfa(t, ident.ID)
	ctx := context.Background()

	out, err := h.flow.Authenticate(ctx, "alice", "s3cret-passphrase", "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	h.clock.Advance(6 * time.Minute)
	late, err := h.flow.VerifyMfa(ctx, out.Challenge.SessionID, totpCode(t, secret, h.clock.Now()))
	if err != nil {
		t.Fatalf("VerifyMfa: %v", err)
	}
	if late.Status != StatusDenied || !errors.Is(late.Reason, ErrChallengeExpired) {
		t.Fatalf("expected expired challenge, got %v (%v)", late.Status, late.Reason)
	}
}

func TestMfaChallengeWithoutEnrollment(t *testing.T) {
	h := newHarness(t)
	ident := h.seed(t, "alice", "s3cret-passphrase")
	ctx := context.Background()

	// A provisional session whose identity never completed enrollment,
	// as happens when MFA is disabled between login and challenge.
	session, err := h.tokens.OpenSession(ctx, ident.ID, "")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	out, err := h.flow.VerifyMfa(ctx, session.ID, "123456")
	if err != nil {
		t.Fatalf("VerifyMfa: %v", err)
	}
	if out.Status != StatusDenied || !errors.Is(out.Reason, ErrMfaInvalid) {
		t.Fatalf("expected generic denial, got %v (%v)", out.Status, out.Reason)
	}
}

func TestRefreshRotationAndReuse(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "alice", "s3cret-passphrase")
	ctx := context.Background()

	login, err := h.flow.Authenticate(ctx, "alice", "s3cret-passphrase", "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	s1 := login.Bundle

	second, err := h.flow.Refresh(ctx, s1.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.Status != StatusGranted {
		t.Fatalf("expected granted refresh, got %v (%v)", second.Status, second.Reason)
	}
	s2 := second.Bundle
	if s2.Session.ID != s1.Session.ID {
		t.Fatal("rotation must stay within the session")
	}

	// Replaying the first token fails and kills the session, S2 included.
	replay, err := h.flow.Refresh(ctx, s1.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh replay: %v", err)
	}
	if replay.Status != StatusDenied || !errors.Is(replay.Reason, token.ErrTokenReused) {
		t.Fatalf("expected reuse denial, got %v (%v)", replay.Status, replay.Reason)
	}
	dead, err := h.flow.Refresh(ctx, s2.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh successor: %v", err)
	}
	if dead.Status != StatusDenied {
		t.Fatal("successor token must die with the session")
	}
	if _, err := h.tokens.Validate(ctx, s2.AccessToken); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("expected revoked access token, got %v", err)
	}

	actions := h.actions(t)
	if !hasAction(actions, audit.ActionRefreshReuse) || !hasAction(actions, audit.ActionSessionRevoked) {
		t.Fatalf("expected reuse audit entries, got %v", actions)
	}
}

func TestLogoutAll(t *testing.T) {
	h := newHarness(t)
	ident := h.seed(t, "alice", "s3cret-passphrase")
	ctx := context.Background()

	var bundles []*token.SessionBundle
	for i := 0; i < 3; i++ {
		out, err := h.flow.Authenticate(ctx, "alice", "s3cret-passphrase", "")
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		bundles = append(bundles, out.Bundle)
	}

	n, err := h.flow.LogoutAll(ctx, ident.ID)
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 revoked sessions, got %d", n)
	}
	for _, b := range bundles {
		if _, err := h.tokens.Validate(ctx, b.AccessToken); !errors.Is(err, token.ErrInvalidToken) {
			t.Fatalf("expected invalidated access token, got %v", err)
		}
		out, err := h.flow.Refresh(ctx, b.RefreshToken)
		if err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		if out.Status != StatusDenied {
			t.Fatal("expected invalidated refresh token")
		}
	}
	if !hasAction(h.actions(t), audit.ActionLogoutAll) {
		t.Fatal("expected LOGOUT_ALL entry")
	}
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	ident := h.seed(t, "alice", "s3cret-passphrase")
	ctx := context.Background()

	out, err := h.flow.Authenticate(ctx, "alice", "s3cret-passphrase", "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := h.flow.Logout(ctx, ident.ID, out.Bundle.Session.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := h.tokens.Validate(ctx, out.Bundle.AccessToken); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("expected revoked access token, got %v", err)
	}
	if !hasAction(h.actions(t), audit.ActionLogout) {
		t.Fatal("expected LOGOUT entry")
	}
}

func TestRotateCredentialForcesLogout(t *testing.T) {
	h := newHarness(t)
	ident := h.seed(t, "alice", "s3cret-passphrase")
	ctx := context.Background()

	out, err := h.flow.Authenticate(ctx, "alice", "s3cret-passphrase", "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := h.flow.RotateCredential(ctx, ident.ID, "s3cret-passphrase", "brand-new-passphrase"); err != nil {
		t.Fatalf("RotateCredential: %v", err)
	}
	if _, err := h.tokens.Validate(ctx, out.Bundle.AccessToken); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("expected revoked access token after rotation, got %v", err)
	}

	granted, err := h.flow.Authenticate(ctx, "alice", "brand-new-passphrase", "")
	if err != nil {
		t.Fatalf("Authenticate with new secret: %v", err)
	}
	if granted.Status != StatusGranted {
		t.Fatalf("expected granted with rotated secret, got %v (%v)", granted.Status, granted.Reason)
	}
}

func TestFailureLatencyFloor(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "alice", "s3cret-passphrase")
	ctx := context.Background()

	var slept time.Duration
	h.flow.minLatency = 150 * time.Millisecond
	h.flow.sleep = func(d time.Duration) { slept = d }

	out, err := h.flow.Authenticate(ctx, "nobody", "whatever", "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if out.Status != StatusDenied {
		t.Fatal("expected denial")
	}
	if slept <= 0 {
		t.Fatal("expected the failure path to pad to the latency floor")
	}
}
