package audit

import (
	"context"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the chain in memory. Used in tests and by tooling
// that replays exported chains; the mutex provides the single-writer
// arbitration the interface requires.
type MemoryStore struct {
	mu      sync.Mutex
	entries []*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := ""
	if n := len(s.entries); n > 0 {
		prev = s.entries[n-1].SelfHash
	}
	entry.Seq = int64(len(s.entries)) + 1
	entry.PrevHash = prev
	entry.SelfHash = ChainHash(prev, entry)

	stored := *entry
	s.entries = append(s.entries, &stored)
	return nil
}

func (s *MemoryStore) List(_ context.Context, afterSeq int64, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 500
	}
	var res []*Entry
	for _, e := range s.entries {
		if e.Seq <= afterSeq {
			continue
		}
		copied := *e
		res = append(res, &copied)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

// Tamper overwrites a stored entry in place without recomputing hashes.
// Only intended for chain-verification tests.
func (s *MemoryStore) Tamper(seq int64, mutate func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Seq == seq {
			mutate(e)
			return
		}
	}
}
