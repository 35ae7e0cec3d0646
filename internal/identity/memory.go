package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"medvault.org/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps identities in memory. Used by tests and local
// development; the mutex stands in for the database's conditional updates.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]*Identity
	names map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Identity),
		names: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, ident *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ident.ID == "" {
		ident.ID = ids.New()
	}
	if ident.Status == "" {
		ident.Status = StatusPending
	}
	key := strings.ToLower(ident.Username)
	if _, ok := s.names[key]; ok {
		return ErrAlreadyExists
	}
	copied := *ident
	s.byID[ident.ID] = &copied
	s.names[key] = ident.ID
	return nil
}

func (s *MemoryStore) Find(_ context.Context, id string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *ident
	return &copied, nil
}

func (s *MemoryStore) FindByUsername(_ context.Context, username string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.names[strings.ToLower(username)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s.byID[id]
	return &copied, nil
}

func (s *MemoryStore) IncrementFailures(_ context.Context, id string, now, windowStart time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[id]
	if !ok {
		return 0, 0, ErrNotFound
	}
	if ident.FirstFailedAt == nil || ident.FirstFailedAt.Before(windowStart) {
		ident.FailedAttempts = 1
		at := now
		ident.FirstFailedAt = &at
	} else {
		ident.FailedAttempts++
	}
	ident.UpdatedAt = now
	return ident.FailedAttempts, ident.LockoutCount, nil
}

func (s *MemoryStore) Lock(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	ident.Status = StatusLocked
	at := until
	ident.LockExpiresAt = &at
	ident.LockoutCount++
	ident.FailedAttempts = 0
	ident.FirstFailedAt = nil
	return nil
}

func (s *MemoryStore) ResetFailures(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	ident.FailedAttempts = 0
	ident.FirstFailedAt = nil
	return nil
}

func (s *MemoryStore) Unlock(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	ident.Status = StatusActive
	ident.LockExpiresAt = nil
	ident.FailedAttempts = 0
	ident.FirstFailedAt = nil
	return nil
}

func (s *MemoryStore) UpdateCredential(_ context.Context, id, hash string, priorHashes []string, changedAt time.Time, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	ident.CredentialHash = hash
	ident.PriorHashes = append([]string(nil), priorHashes...)
	ident.PasswordChangedAt = changedAt
	ident.PasswordExpiresAt = expiresAt
	return nil
}
