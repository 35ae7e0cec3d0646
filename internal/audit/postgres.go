package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

var _ Store = (*PGStore)(nil)

// PGStore persists the chain in PostgreSQL. The chain head lives in a
// single-row table; Append locks that row inside a serializable
// transaction so the previous hash is read-modified-written atomically
// across server instances.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, entry *Entry) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		headSeq  int64
		headHash string
	)
	err = tx.QueryRowContext(ctx,
		`select seq, hash from audit_chain_head where id = 1 for update`,
	).Scan(&headSeq, &headHash)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx,
			`insert into audit_chain_head(id, seq, hash) values(1, 0, '')`,
		); err != nil {
			return fmt.Errorf("init chain head: %w", err)
		}
		headSeq, headHash = 0, ""
	} else if err != nil {
		return err
	}

	entry.Seq = headSeq + 1
	entry.PrevHash = headHash
	entry.SelfHash = ChainHash(headHash, entry)

	detail, _ := json.Marshal(entry.Detail)
	if _, err := tx.ExecContext(ctx, `
		insert into audit_log(id, seq, actor_id, action, category, entity_type, entity_id, detail, occurred_at, prev_hash, self_hash)
		values($1,$2,nullif($3,''),$4,$5,$6,$7,$8,$9,$10,$11)`,
		entry.ID, entry.Seq, entry.ActorID, entry.Action, string(entry.Category),
		entry.EntityType, entry.EntityID, detail, entry.OccurredAt, entry.PrevHash, entry.SelfHash,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`update audit_chain_head set seq = $1, hash = $2 where id = 1`,
		entry.Seq, entry.SelfHash,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGStore) List(ctx context.Context, afterSeq int64, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, seq, coalesce(actor_id,''), action, category, entity_type, entity_id, detail, occurred_at, prev_hash, self_hash
		from audit_log
		where seq > $1
		order by seq asc
		limit $2`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Entry
	for rows.Next() {
		var (
			e      Entry
			cat    string
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.Seq, &e.ActorID, &e.Action, &cat,
			&e.EntityType, &e.EntityID, &detail, &e.OccurredAt, &e.PrevHash, &e.SelfHash); err != nil {
			return nil, err
		}
		e.Category = Category(cat)
		_ = json.Unmarshal(detail, &e.Detail)
		res = append(res, &e)
	}
	return res, rows.Err()
}
