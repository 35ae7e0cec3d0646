package token

import (
	"context"
	"sync"
	"time"
)

var (
	_ Store    = (*MemoryStore)(nil)
	_ KeyStore = (*MemoryKeyStore)(nil)
)

// MemoryStore keeps sessions, refresh tokens and the blacklist in memory.
// Used by tests and local development.
type MemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	refresh   map[string]*RefreshToken
	blacklist map[string]*BlacklistEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*Session),
		refresh:   make(map[string]*RefreshToken),
		blacklist: make(map[string]*BlacklistEntry),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sess
	s.sessions[sess.ID] = &copied
	return nil
}

func (s *MemoryStore) FindSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sess
	return &copied, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, identityID string) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*Session
	for _, sess := range s.sessions {
		if sess.IdentityID != identityID {
			continue
		}
		copied := *sess
		res = append(res, &copied)
	}
	return res, nil
}

func (s *MemoryStore) MarkSessionMFAVerified(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.MFAVerified = true
	return nil
}

func (s *MemoryStore) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastSeenAt = at
	return nil
}

func (s *MemoryStore) RevokeSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.revokeLocked(sess, at)
	return nil
}

func (s *MemoryStore) RevokeAllSessions(_ context.Context, identityID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var revoked []string
	for _, sess := range s.sessions {
		if sess.IdentityID != identityID || sess.Revoked {
			continue
		}
		s.revokeLocked(sess, at)
		revoked = append(revoked, sess.ID)
	}
	return revoked, nil
}

func (s *MemoryStore) revokeLocked(sess *Session, at time.Time) {
	if sess.Revoked {
		return
	}
	sess.Revoked = true
	stamp := at
	sess.RevokedAt = &stamp
	for _, t := range s.refresh {
		if t.SessionID == sess.ID && t.RevokedAt == nil {
			rt := at
			t.RevokedAt = &rt
		}
	}
}

func (s *MemoryStore) CreateRefreshToken(_ context.Context, t *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *t
	s.refresh[t.ID] = &copied
	return nil
}

func (s *MemoryStore) FindRefreshToken(_ context.Context, id string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refresh[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *MemoryStore) RotateRefreshToken(_ context.Context, oldID string, next *RefreshToken, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.refresh[oldID]
	if !ok {
		return ErrNotFound
	}
	if old.UsedAt != nil || old.RevokedAt != nil {
		return ErrTokenReused
	}
	sess, ok := s.sessions[old.SessionID]
	if !ok || sess.Revoked {
		return ErrSessionRevoked
	}
	stamp := at
	old.UsedAt = &stamp
	old.ReplacedBy = next.ID
	copied := *next
	s.refresh[next.ID] = &copied
	return nil
}

func (s *MemoryStore) Blacklist(_ context.Context, e *BlacklistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *e
	s.blacklist[e.Value] = &copied
	return nil
}

func (s *MemoryStore) IsBlacklisted(_ context.Context, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blacklist[value]
	return ok, nil
}

func (s *MemoryStore) PurgeBlacklist(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for v, e := range s.blacklist {
		if !now.Before(e.RetainUntil) {
			delete(s.blacklist, v)
			n++
		}
	}
	return n, nil
}

// MemoryKeyStore keeps signing keys in memory for tests.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys []*SigningKey
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{}
}

func (s *MemoryKeyStore) SaveKey(_ context.Context, k *SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *k
	s.keys = append(s.keys, &copied)
	return nil
}

func (s *MemoryKeyStore) ListKeys(_ context.Context) ([]*SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*SigningKey, 0, len(s.keys))
	for _, k := range s.keys {
		copied := *k
		res = append(res, &copied)
	}
	return res, nil
}

func (s *MemoryKeyStore) RetireKey(_ context.Context, kid string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Kid == kid {
			stamp := at
			k.RetiredAt = &stamp
			return nil
		}
	}
	return ErrNotFound
}
