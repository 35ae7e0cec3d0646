package mfa

import (
	"context"
	"time"
)

// Store describes persistence for TOTP credentials and backup codes.
// Replay and consumption guards must be atomic conditional updates.
type Store interface {
	SaveCredential(ctx context.Context, c *Credential) error
	FindCredential(ctx context.Context, identityID string) (*Credential, error)
	ConfirmCredential(ctx context.Context, identityID string, at time.Time) error
	DeleteCredential(ctx context.Context, identityID string) error

	// AdvanceLastUsedStep raises the replay watermark, but only forward.
	// Returns false when step is not greater than the stored watermark,
	// meaning another request already consumed this step.
	AdvanceLastUsedStep(ctx context.Context, identityID string, step int64) (bool, error)

	// ReplaceBackupCodes drops the identity's existing codes and stores
	// the new set.
	ReplaceBackupCodes(ctx context.Context, identityID string, codes []*BackupCode) error

	// ConsumeBackupCode stamps the matching unused code, returning false
	// when no unused code matches the hash.
	ConsumeBackupCode(ctx context.Context, identityID, codeHash string, at time.Time) (bool, error)

	// CountUnusedBackupCodes reports how many codes remain.
	CountUnusedBackupCodes(ctx context.Context, identityID string) (int, error)

	DeleteBackupCodes(ctx context.Context, identityID string) error
}
