package token

import (
	"context"
	"database/sql"
	"time"
)

var (
	_ Store    = (*PGStore)(nil)
	_ KeyStore = (*PGKeyStore)(nil)
)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions(id, identity_id, device_fingerprint, mfa_verified, revoked, created_at, last_seen_at)
		values($1,$2,$3,$4,false,$5,$6)`,
		sess.ID, sess.IdentityID, sess.DeviceFingerprint, sess.MFAVerified, sess.CreatedAt, sess.LastSeenAt,
	)
	return err
}

const sessionColumns = `id, identity_id, device_fingerprint, mfa_verified, revoked, created_at, last_seen_at, revoked_at`

func (s *PGStore) FindSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where id=$1`, id)
	return scanSession(row)
}

func (s *PGStore) ListSessions(ctx context.Context, identityID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+sessionColumns+` from sessions where identity_id=$1 order by created_at desc`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sess)
	}
	return res, rows.Err()
}

func (s *PGStore) MarkSessionMFAVerified(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set mfa_verified = true where id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set last_seen_at=$2 where id=$1`, id, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) RevokeSession(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		update sessions set revoked = true, revoked_at = $2
		where id = $1 and revoked = false`, id, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already revoked or unknown; either way nothing left to do.
		return tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where session_id = $1 and revoked_at is null`, id, at); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGStore) RevokeAllSessions(ctx context.Context, identityID string, at time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		update sessions set revoked = true, revoked_at = $2
		where identity_id = $1 and revoked = false
		returning id`, identityID, at)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where identity_id = $1 and revoked_at is null`, identityID, at); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PGStore) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, session_id, identity_id, secret_hash, expires_at, created_at)
		values($1,$2,$3,$4,$5,$6)`,
		t.ID, t.SessionID, t.IdentityID, t.SecretHash, t.ExpiresAt, t.CreatedAt,
	)
	return err
}

const refreshColumns = `id, session_id, identity_id, secret_hash, expires_at, created_at, used_at, revoked_at, coalesce(replaced_by, '')`

func (s *PGStore) FindRefreshToken(ctx context.Context, id string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+refreshColumns+` from refresh_tokens where id=$1`, id)
	return scanRefreshToken(row)
}

// RotateRefreshToken is the single atomic unit of a refresh: the old
// token row is locked, checked for prior use, stamped used, and the
// successor inserted. Concurrent presentations of the same token see the
// lock and then the used stamp.
func (s *PGStore) RotateRefreshToken(ctx context.Context, oldID string, next *RefreshToken, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		sessionID string
		usedAt    *time.Time
		revokedAt *time.Time
	)
	err = tx.QueryRowContext(ctx, `
		select session_id, used_at, revoked_at from refresh_tokens
		where id = $1 for update`, oldID).Scan(&sessionID, &usedAt, &revokedAt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if usedAt != nil || revokedAt != nil {
		return ErrTokenReused
	}

	var revoked bool
	err = tx.QueryRowContext(ctx, `
		select revoked from sessions where id = $1 for update`, sessionID).Scan(&revoked)
	if err == sql.ErrNoRows {
		return ErrSessionRevoked
	}
	if err != nil {
		return err
	}
	if revoked {
		return ErrSessionRevoked
	}

	if _, err := tx.ExecContext(ctx, `
		update refresh_tokens set used_at = $2, replaced_by = $3
		where id = $1`, oldID, at, next.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens(id, session_id, identity_id, secret_hash, expires_at, created_at)
		values($1,$2,$3,$4,$5,$6)`,
		next.ID, next.SessionID, next.IdentityID, next.SecretHash, next.ExpiresAt, next.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGStore) Blacklist(ctx context.Context, e *BlacklistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into token_blacklist(value, session_id, reason, retain_until, created_at)
		values($1,$2,$3,$4,$5)
		on conflict (value) do update set retain_until = excluded.retain_until`,
		e.Value, e.SessionID, e.Reason, e.RetainUntil, e.CreatedAt,
	)
	return err
}

func (s *PGStore) IsBlacklisted(ctx context.Context, value string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`select 1 from token_blacklist where value=$1`, value).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGStore) PurgeBlacklist(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from token_blacklist where retain_until <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID, &sess.IdentityID, &sess.DeviceFingerprint, &sess.MFAVerified,
		&sess.Revoked, &sess.CreatedAt, &sess.LastSeenAt, &sess.RevokedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func scanRefreshToken(row rowScanner) (*RefreshToken, error) {
	var t RefreshToken
	err := row.Scan(
		&t.ID, &t.SessionID, &t.IdentityID, &t.SecretHash, &t.ExpiresAt,
		&t.CreatedAt, &t.UsedAt, &t.RevokedAt, &t.ReplacedBy,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
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

// PGKeyStore persists signing keys.
type PGKeyStore struct {
	db *sql.DB
}

func NewPGKeyStore(db *sql.DB) *PGKeyStore {
	return &PGKeyStore{db: db}
}

func (s *PGKeyStore) SaveKey(ctx context.Context, k *SigningKey) error {
	_, err := s.db.ExecContext(ctx, `
		insert into signing_keys(kid, private_pem, public_pem, created_at)
		values($1,$2,$3,$4)`,
		k.Kid, k.PrivatePEM, k.PublicPEM, k.CreatedAt,
	)
	return err
}

func (s *PGKeyStore) ListKeys(ctx context.Context) ([]*SigningKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		select kid, private_pem, public_pem, created_at, retired_at
		from signing_keys order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*SigningKey
	for rows.Next() {
		var k SigningKey
		if err := rows.Scan(&k.Kid, &k.PrivatePEM, &k.PublicPEM, &k.CreatedAt, &k.RetiredAt); err != nil {
			return nil, err
		}
		res = append(res, &k)
	}
	return res, rows.Err()
}

func (s *PGKeyStore) RetireKey(ctx context.Context, kid string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update signing_keys set retired_at=$2 where kid=$1 and retired_at is null`, kid, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}
