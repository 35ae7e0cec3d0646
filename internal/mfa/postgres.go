package mfa

import (
	"context"
	"database/sql"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) SaveCredential(ctx context.Context, c *Credential) error {
	_, err := s.db.ExecContext(ctx, `
		insert into totp_credentials(identity_id, secret_sealed, confirmed, last_used_step, created_at)
		values($1,$2,false,0,$3)
		on conflict (identity_id) do update
			set secret_sealed = excluded.secret_sealed,
			    confirmed = false,
			    last_used_step = 0,
			    created_at = excluded.created_at,
			    confirmed_at = null`,
		c.IdentityID, c.SecretSealed, c.CreatedAt,
	)
	return err
}

func (s *PGStore) FindCredential(ctx context.Context, identityID string) (*Credential, error) {
	var c Credential
	err := s.db.QueryRowContext(ctx, `
		select identity_id, secret_sealed, confirmed, last_used_step, created_at, confirmed_at
		from totp_credentials where identity_id=$1`, identityID).
		Scan(&c.IdentityID, &c.SecretSealed, &c.Confirmed, &c.LastUsedStep, &c.CreatedAt, &c.ConfirmedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PGStore) ConfirmCredential(ctx context.Context, identityID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update totp_credentials set confirmed = true, confirmed_at = $2
		where identity_id = $1`, identityID, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) DeleteCredential(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from totp_credentials where identity_id=$1`, identityID)
	return err
}

// AdvanceLastUsedStep only moves the watermark forward; a concurrent
// verification that already took this step leaves zero rows affected.
func (s *PGStore) AdvanceLastUsedStep(ctx context.Context, identityID string, step int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update totp_credentials set last_used_step = $2
		where identity_id = $1 and last_used_step < $2`, identityID, step)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PGStore) ReplaceBackupCodes(ctx context.Context, identityID string, codes []*BackupCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`delete from backup_codes where identity_id=$1`, identityID); err != nil {
		return err
	}
	for _, c := range codes {
		if _, err := tx.ExecContext(ctx, `
			insert into backup_codes(id, identity_id, code_hash, created_at)
			values($1,$2,$3,$4)`,
			c.ID, c.IdentityID, c.CodeHash, c.CreatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGStore) ConsumeBackupCode(ctx context.Context, identityID, codeHash string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update backup_codes set used_at = $3
		where identity_id = $1 and code_hash = $2 and used_at is null`,
		identityID, codeHash, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PGStore) CountUnusedBackupCodes(ctx context.Context, identityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from backup_codes
		where identity_id = $1 and used_at is null`, identityID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PGStore) DeleteBackupCodes(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from backup_codes where identity_id=$1`, identityID)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
