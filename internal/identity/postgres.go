package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"medvault.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const identityColumns = `id, username, credential_hash, status, roles, failed_attempts,
	first_failed_at, lock_expires_at, lockout_count,
	password_changed_at, password_expires_at, prior_hashes, allowed_origins,
	created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, id *Identity) error {
	if id.ID == "" {
		id.ID = ids.New()
	}
	if id.Status == "" {
		id.Status = StatusPending
	}
	roles, _ := json.Marshal(id.Roles)
	origins, _ := json.Marshal(id.AllowedOrigins)
	prior, _ := json.Marshal(id.PriorHashes)
	_, err := s.db.ExecContext(ctx, `
		insert into identities(id, username, credential_hash, status, roles, prior_hashes, allowed_origins, password_changed_at, password_expires_at)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		id.ID, id.Username, id.CredentialHash, id.Status, roles, prior, origins,
		id.PasswordChangedAt, id.PasswordExpiresAt,
	)
	return err
}

func (s *PGStore) Find(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where id=$1`, id)
	return scanIdentity(row)
}

func (s *PGStore) FindByUsername(ctx context.Context, username string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where username=$1`, username)
	return scanIdentity(row)
}

func (s *PGStore) IncrementFailures(ctx context.Context, id string, now, windowStart time.Time) (int, int, error) {
	var attempts, priorLockouts int
	err := s.db.QueryRowContext(ctx, `
		update identities set
			failed_attempts = case when first_failed_at is null or first_failed_at < $3 then 1 else failed_attempts + 1 end,
			first_failed_at = case when first_failed_at is null or first_failed_at < $3 then $2 else first_failed_at end,
			updated_at = $2
		where id = $1
		returning failed_attempts, lockout_count`,
		id, now, windowStart,
	).Scan(&attempts, &priorLockouts)
	if err == sql.ErrNoRows {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	return attempts, priorLockouts, nil
}

func (s *PGStore) Lock(ctx context.Context, id string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set
			status = $2,
			lock_expires_at = $3,
			lockout_count = lockout_count + 1,
			failed_attempts = 0,
			first_failed_at = null,
			updated_at = now()
		where id = $1`,
		id, StatusLocked, until,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) ResetFailures(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set failed_attempts = 0, first_failed_at = null, updated_at = now()
		where id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) Unlock(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set
			status = $2,
			lock_expires_at = null,
			failed_attempts = 0,
			first_failed_at = null,
			updated_at = now()
		where id = $1`,
		id, StatusActive,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) UpdateCredential(ctx context.Context, id, hash string, priorHashes []string, changedAt time.Time, expiresAt *time.Time) error {
	prior, _ := json.Marshal(priorHashes)
	res, err := s.db.ExecContext(ctx, `
		update identities set
			credential_hash = $2,
			prior_hashes = $3,
			password_changed_at = $4,
			password_expires_at = $5,
			updated_at = now()
		where id = $1`,
		id, hash, prior, changedAt, expiresAt,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*Identity, error) {
	var (
		ident   Identity
		roles   []byte
		prior   []byte
		origins []byte
	)
	err := row.Scan(
		&ident.ID, &ident.Username, &ident.CredentialHash, &ident.Status, &roles,
		&ident.FailedAttempts, &ident.FirstFailedAt, &ident.LockExpiresAt, &ident.LockoutCount,
		&ident.PasswordChangedAt, &ident.PasswordExpiresAt, &prior, &origins,
		&ident.CreatedAt, &ident.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(roles, &ident.Roles)
	_ = json.Unmarshal(prior, &ident.PriorHashes)
	_ = json.Unmarshal(origins, &ident.AllowedOrigins)
	return &ident, nil
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
