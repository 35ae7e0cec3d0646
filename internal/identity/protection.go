package identity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"medvault.org/internal/audit"
	"medvault.org/internal/crypto"
	"medvault.org/internal/obs"
)

const (
	defaultMaxAttempts     = 5
	defaultLockoutDuration = 15 * time.Minute
	defaultLockoutWindow   = 15 * time.Minute
	defaultHistoryLimit    = 5
)

// Protection verifies credentials and enforces brute-force lockout. All
// failure and lockout transitions are journaled to the audit trail.
type Protection struct {
	store Store
	trail *audit.Trail
	now   func() time.Time

	maxAttempts     int
	lockoutDuration time.Duration
	lockoutWindow   time.Duration
	// lockoutBackoff scales the lockout duration by backoff^(prior
	// lockouts). 1.0 keeps it fixed.
	lockoutBackoff float64
	historyLimit   int
}

// ProtectionOption configures Protection.
type ProtectionOption func(*Protection)

// WithMaxAttempts sets the failure threshold that trips a lockout.
func WithMaxAttempts(n int) ProtectionOption {
	return func(p *Protection) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithLockoutDuration sets the base lockout duration.
func WithLockoutDuration(d time.Duration) ProtectionOption {
	return func(p *Protection) {
		if d > 0 {
			p.lockoutDuration = d
		}
	}
}

// WithLockoutWindow sets the rolling window in which failures accumulate.
func WithLockoutWindow(d time.Duration) ProtectionOption {
	return func(p *Protection) {
		if d > 0 {
			p.lockoutWindow = d
		}
	}
}

// WithLockoutBackoff sets the escalation factor for repeated lockouts.
func WithLockoutBackoff(f float64) ProtectionOption {
	return func(p *Protection) {
		if f >= 1 {
			p.lockoutBackoff = f
		}
	}
}

// WithHistoryLimit sets how many prior credential hashes are retained and
// refused on rotation. 0 disables the reuse check.
func WithHistoryLimit(n int) ProtectionOption {
	return func(p *Protection) {
		if n >= 0 {
			p.historyLimit = n
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ProtectionOption {
	return func(p *Protection) {
		if fn != nil {
			p.now = fn
		}
	}
}

// NewProtection constructs the account protection service.
func NewProtection(store Store, trail *audit.Trail, opts ...ProtectionOption) (*Protection, error) {
	if store == nil {
		return nil, errors.New("identity: store is required")
	}
	if trail == nil {
		return nil, errors.New("identity: audit trail is required")
	}
	p := &Protection{
		store:           store,
		trail:           trail,
		now:             time.Now,
		maxAttempts:     defaultMaxAttempts,
		lockoutDuration: defaultLockoutDuration,
		lockoutWindow:   defaultLockoutWindow,
		lockoutBackoff:  1.0,
		historyLimit:    defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// VerifyCredential resolves the identifier and checks the secret against
// the stored argon2id hash. A locked identity short-circuits before any
// hash comparison; an expired lock is released first. The returned errors
// never distinguish unknown identifier from wrong secret.
func (p *Protection) VerifyCredential(ctx context.Context, identifier, secret string) (*Identity, error) {
	identifier = strings.TrimSpace(strings.ToLower(identifier))
	if identifier == "" || secret == "" {
		return nil, ErrInvalidCredential
	}
	ident, err := p.store.FindByUsername(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}

	now := p.now().UTC()
	if ident.Status == StatusLocked {
		if ident.Locked(now) {
			return nil, ErrAccountLocked
		}
		// Lock expired; release and continue with verification.
		if err := p.store.Unlock(ctx, ident.ID); err != nil {
			return nil, err
		}
		ident.Status = StatusActive
		ident.FailedAttempts = 0
		ident.LockExpiresAt = nil
	}
	if ident.Status != StatusActive {
		return nil, ErrAccountNotActive
	}

	if err := crypto.VerifySecret(ident.CredentialHash, secret); err != nil {
		if errors.Is(err, crypto.ErrHashMismatch) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}
	return ident, nil
}

// RecordFailure counts one failed attempt and trips the lockout once the
// threshold is crossed inside the rolling window. The increment is a
// single conditional update so concurrent failures cannot be lost.
func (p *Protection) RecordFailure(ctx context.Context, ident *Identity) error {
	now := p.now().UTC()
	attempts, priorLockouts, err := p.store.IncrementFailures(ctx, ident.ID, now, now.Add(-p.lockoutWindow))
	if err != nil {
		return err
	}
	if attempts < p.maxAttempts {
		return nil
	}

	until := now.Add(p.lockoutFor(priorLockouts))
	if err := p.store.Lock(ctx, ident.ID, until); err != nil {
		return err
	}
	obs.CountLockout()
	return p.trail.Record(ctx, audit.Entry{
		Action:     audit.ActionAccountLocked,
		Category:   audit.CategoryAccount,
		EntityType: "identity",
		EntityID:   ident.ID,
		Detail: map[string]string{
			"attempts":     strconv.Itoa(attempts),
			"locked_until": until.Format(time.RFC3339),
		},
	})
}

// RecordSuccess resets the failure counter to zero after a successful
// primary authentication.
func (p *Protection) RecordSuccess(ctx context.Context, identityID string) error {
	return p.store.ResetFailures(ctx, identityID)
}

// Unlock releases a lock before its expiry. Admin operation; the actor is
// journaled.
func (p *Protection) Unlock(ctx context.Context, actorID, identityID string) error {
	if err := p.store.Unlock(ctx, identityID); err != nil {
		return err
	}
	return p.trail.Record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionAccountUnlocked,
		Category:   audit.CategoryAccount,
		EntityType: "identity",
		EntityID:   identityID,
	})
}

// RotateCredential replaces the identity's secret. The new secret is
// refused when it matches the current hash or any retained prior hash.
func (p *Protection) RotateCredential(ctx context.Context, ident *Identity, newSecret string, expiry *time.Time) error {
	newSecret = strings.TrimSpace(newSecret)
	if newSecret == "" {
		return fmt.Errorf("identity: new credential is required")
	}
	for _, prior := range append([]string{ident.CredentialHash}, ident.PriorHashes...) {
		if prior == "" {
			continue
		}
		if err := crypto.VerifySecret(prior, newSecret); err == nil {
			return ErrCredentialReused
		}
	}

	hash, err := crypto.HashSecret(newSecret)
	if err != nil {
		return err
	}
	history := append([]string{ident.CredentialHash}, ident.PriorHashes...)
	if len(history) > p.historyLimit {
		history = history[:p.historyLimit]
	}
	if p.historyLimit == 0 {
		history = nil
	}
	now := p.now().UTC()
	if err := p.store.UpdateCredential(ctx, ident.ID, hash, history, now, expiry); err != nil {
		return err
	}
	return p.trail.Record(ctx, audit.Entry{
		ActorID:    ident.ID,
		Action:     audit.ActionCredentialRotated,
		Category:   audit.CategoryAccount,
		EntityType: "identity",
		EntityID:   ident.ID,
	})
}

func (p *Protection) lockoutFor(priorLockouts int) time.Duration {
	if p.lockoutBackoff <= 1 || priorLockouts == 0 {
		return p.lockoutDuration
	}
	scaled := float64(p.lockoutDuration) * math.Pow(p.lockoutBackoff, float64(priorLockouts))
	return time.Duration(scaled)
}
