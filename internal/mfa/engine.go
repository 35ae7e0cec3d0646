package mfa

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"medvault.org/internal/audit"
	"medvault.org/internal/crypto"
	"medvault.org/internal/ids"
)

const (
	totpPeriod = 30
	// One step of tolerance either side of now.
	totpSkew = 1

	backupCodeCount  = 10
	backupCodeDigits = 10
)

// Engine implements TOTP enrollment, verification with replay rejection,
// and single-use backup codes.
type Engine struct {
	store  Store
	box    *crypto.SecretBox
	trail  *audit.Trail
	now    func() time.Time
	issuer string
}

// EngineOption configures Engine.
type EngineOption func(*Engine)

// WithIssuer sets the issuer label baked into provisioning URIs.
func WithIssuer(issuer string) EngineOption {
	return func(e *Engine) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			e.issuer = issuer
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs the MFA engine.
func NewEngine(store Store, box *crypto.SecretBox, trail *audit.Trail, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("mfa: store is required")
	}
	if box == nil {
		return nil, errors.New("mfa: secret box is required")
	}
	if trail == nil {
		return nil, errors.New("mfa: audit trail is required")
	}
	e := &Engine{
		store:  store,
		box:    box,
		trail:  trail,
		now:    time.Now,
		issuer: "medvault",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Enrolled reports whether the identity has a confirmed enrollment.
func (e *Engine) Enrolled(ctx context.Context, identityID string) (bool, error) {
	cred, err := e.store.FindCredential(ctx, identityID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cred.Confirmed, nil
}

// BeginEnrollment generates a fresh TOTP secret for the identity and
// stores it sealed but unconfirmed. A prior unconfirmed enrollment is
// replaced; a confirmed one is refused.
func (e *Engine) BeginEnrollment(ctx context.Context, identityID, accountName string) (*Enrollment, error) {
	existing, err := e.store.FindCredential(ctx, identityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Confirmed {
		return nil, ErrAlreadyEnrolled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountName,
		Period:      totpPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	sealed, err := e.box.Seal(key.Secret())
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveCredential(ctx, &Credential{
		IdentityID:   identityID,
		SecretSealed: sealed,
		CreatedAt:    e.now().UTC(),
	}); err != nil {
		return nil, err
	}
	return &Enrollment{Secret: key.Secret(), URI: key.URL()}, nil
}

// ConfirmEnrollment proves the user captured the secret by accepting one
// valid code, then activates the enrollment and mints the backup code
// set. The plaintext codes are returned exactly once.
func (e *Engine) ConfirmEnrollment(ctx context.Context, identityID, code string) ([]string, error) {
	cred, err := e.store.FindCredential(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, err
	}
	if cred.Confirmed {
		return nil, ErrAlreadyEnrolled
	}
	if err := e.checkCode(ctx, cred, code); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	if err := e.store.ConfirmCredential(ctx, identityID, now); err != nil {
		return nil, err
	}
	codes, err := e.mintBackupCodes(ctx, identityID, now)
	if err != nil {
		return nil, err
	}
	if err := e.trail.Record(ctx, audit.Entry{
		ActorID:    identityID,
		Action:     audit.ActionMFAEnrolled,
		Category:   audit.CategoryMFA,
		EntityType: "identity",
		EntityID:   identityID,
	}); err != nil {
		return nil, err
	}
	return codes, nil
}

// Verify checks a TOTP code against the confirmed enrollment. Codes from
// one step either side of now are accepted; a code at or before the
// stored watermark is rejected even if it is otherwise correct.
func (e *Engine) Verify(ctx context.Context, identityID, code string) error {
	cred, err := e.store.FindCredential(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotEnrolled
		}
		return err
	}
	if !cred.Confirmed {
		return ErrNotEnrolled
	}
	return e.checkCode(ctx, cred, code)
}

// checkCode matches the code against the skew window and advances the
// replay watermark for the matched step.
func (e *Engine) checkCode(ctx context.Context, cred *Credential, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrInvalidCode
	}
	secret, err := e.box.Open(cred.SecretSealed)
	if err != nil {
		return err
	}

	now := e.now().UTC()
	step := now.Unix() / totpPeriod
	matched := int64(-1)
	for offset := int64(-totpSkew); offset <= totpSkew; offset++ {
		at := time.Unix((step+offset)*totpPeriod, 0).UTC()
		expected, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
			Period:    totpPeriod,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			return fmt.Errorf("generate comparison code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && matched < 0 {
			matched = step + offset
		}
	}
	if matched < 0 {
		return ErrInvalidCode
	}
	if matched <= cred.LastUsedStep {
		return ErrInvalidCode
	}
	advanced, err := e.store.AdvanceLastUsedStep(ctx, cred.IdentityID, matched)
	if err != nil {
		return err
	}
	if !advanced {
		// Another request consumed this step first.
		return ErrInvalidCode
	}
	return nil
}

// ConsumeBackupCode burns one recovery code. Each code works exactly
// once; the consumption is journaled with the remaining count.
func (e *Engine) ConsumeBackupCode(ctx context.Context, identityID, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrInvalidCode
	}
	now := e.now().UTC()
	ok, err := e.store.ConsumeBackupCode(ctx, identityID, crypto.Fingerprint(code), now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCode
	}
	remaining, err := e.store.CountUnusedBackupCodes(ctx, identityID)
	if err != nil {
		return err
	}
	return e.trail.Record(ctx, audit.Entry{
		ActorID:    identityID,
		Action:     audit.ActionBackupCodeConsumed,
		Category:   audit.CategoryMFA,
		EntityType: "identity",
		EntityID:   identityID,
		Detail: map[string]string{
			"remaining": strconv.Itoa(remaining),
		},
	})
}

// Disable tears down the enrollment. The caller must present a currently
// valid TOTP code or an unused backup code.
func (e *Engine) Disable(ctx context.Context, identityID, code string) error {
	if err := e.Verify(ctx, identityID, code); err != nil {
		if !errors.Is(err, ErrInvalidCode) {
			return err
		}
		if berr := e.ConsumeBackupCode(ctx, identityID, code); berr != nil {
			return ErrInvalidCode
		}
	}
	if err := e.store.DeleteBackupCodes(ctx, identityID); err != nil {
		return err
	}
	if err := e.store.DeleteCredential(ctx, identityID); err != nil {
		return err
	}
	return e.trail.Record(ctx, audit.Entry{
		ActorID:    identityID,
		Action:     audit.ActionMFADisabled,
		Category:   audit.CategoryMFA,
		EntityType: "identity",
		EntityID:   identityID,
	})
}

// RegenerateBackupCodes replaces the identity's code set after a valid
// TOTP code.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, identityID, code string) ([]string, error) {
	if err := e.Verify(ctx, identityID, code); err != nil {
		return nil, err
	}
	return e.mintBackupCodes(ctx, identityID, e.now().UTC())
}

func (e *Engine) mintBackupCodes(ctx context.Context, identityID string, now time.Time) ([]string, error) {
	plain := make([]string, 0, backupCodeCount)
	records := make([]*BackupCode, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		code, err := crypto.RandomDigits(backupCodeDigits)
		if err != nil {
			return nil, err
		}
		plain = append(plain, code)
		records = append(records, &BackupCode{
			ID:         ids.New(),
			IdentityID: identityID,
			CodeHash:   crypto.Fingerprint(code),
			CreatedAt:  now,
		})
	}
	if err := e.store.ReplaceBackupCodes(ctx, identityID, records); err != nil {
		return nil, err
	}
	return plain, nil
}
