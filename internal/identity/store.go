package identity

import (
	"context"
	"time"
)

// Store describes persistence for identities. Counter mutations must be
// atomic conditional updates: two concurrent failures may never both
// observe a sub-threshold count.
type Store interface {
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByUsername(ctx context.Context, username string) (*Identity, error)

	// IncrementFailures bumps the failure counter in a single statement,
	// restarting the rolling window when the prior first-failure timestamp
	// predates windowStart. Returns the post-increment count and the number
	// of prior lockouts.
	IncrementFailures(ctx context.Context, id string, now, windowStart time.Time) (attempts, priorLockouts int, err error)

	// Lock transitions the identity to locked with the given expiry,
	// increments the lockout counter and clears the failure counter.
	Lock(ctx context.Context, id string, until time.Time) error

	// ResetFailures clears the failure counter and window.
	ResetFailures(ctx context.Context, id string) error

	// Unlock returns a locked identity to active and clears counters.
	Unlock(ctx context.Context, id string) error

	// UpdateCredential swaps the credential hash and the retained prior
	// hash list.
	UpdateCredential(ctx context.Context, id, hash string, priorHashes []string, changedAt time.Time, expiresAt *time.Time) error
}
