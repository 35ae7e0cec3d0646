package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"medvault.org/internal/ids"
	"medvault.org/internal/obs"
)

// Store persists chain entries. Append assigns Seq, PrevHash and SelfHash
// under a single-writer arbitration (serializable transaction or head row
// lock); two racing appends must never compute against the same
// predecessor.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	// List returns entries in ascending sequence order starting after
	// afterSeq, at most limit rows. limit <= 0 selects the store default.
	List(ctx context.Context, afterSeq int64, limit int) ([]*Entry, error)
}

// Trail is the append-only audit log. Entries are never updated or
// deleted; tampering with entry k invalidates every later hash.
type Trail struct {
	store Store
	now   func() time.Time
}

// Option configures Trail behavior.
type Option func(*Trail)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(t *Trail) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTrail constructs a Trail over the given store.
func NewTrail(store Store, opts ...Option) (*Trail, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	t := &Trail{store: store, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Record appends one entry and emits a structured log line. The stored
// chain, not the log stream, is authoritative.
func (t *Trail) Record(ctx context.Context, entry Entry) error {
	entry.Action = strings.TrimSpace(entry.Action)
	if entry.Action == "" {
		return errors.New("audit: action is required")
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = t.now()
	}
	// timestamptz keeps microseconds; hashing finer precision than the
	// store retains would invalidate the chain on the first re-read.
	entry.OccurredAt = entry.OccurredAt.UTC().Truncate(time.Microsecond)
	if err := t.store.Append(ctx, &entry); err != nil {
		return err
	}
	obs.CountAuditAppend()
	t.logEntry(&entry)
	return nil
}

// Verify replays the full chain and returns the sequence number of the
// first invalid entry, or -1 when every entry verifies.
func (t *Trail) Verify(ctx context.Context) (int64, error) {
	const pageSize = 500
	var (
		after int64
		prev  string
	)
	for {
		page, err := t.store.List(ctx, after, pageSize)
		if err != nil {
			return 0, err
		}
		if len(page) == 0 {
			return -1, nil
		}
		for _, e := range page {
			if e.PrevHash != prev || ChainHash(prev, e) != e.SelfHash {
				return e.Seq, nil
			}
			prev = e.SelfHash
			after = e.Seq
		}
	}
}

func (t *Trail) logEntry(e *Entry) {
	line := map[string]any{
		"ts":     e.OccurredAt.Format(time.RFC3339Nano),
		"type":   "audit",
		"event":  e.Action,
		"seq":    e.Seq,
		"entity": e.EntityType + "/" + e.EntityID,
	}
	if e.ActorID != "" {
		line["actor_id"] = e.ActorID
	}
	if len(e.Detail) > 0 {
		line["fields"] = e.Detail
	}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
