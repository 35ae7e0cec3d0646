package mfa

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps enrollments and backup codes in memory. Used by
// tests and local development.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]*Credential
	codes map[string][]*BackupCode
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[string]*Credential),
		codes: make(map[string][]*BackupCode),
	}
}

func (s *MemoryStore) SaveCredential(_ context.Context, c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *c
	s.creds[c.IdentityID] = &copied
	return nil
}

func (s *MemoryStore) FindCredential(_ context.Context, identityID string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *MemoryStore) ConfirmCredential(_ context.Context, identityID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[identityID]
	if !ok {
		return ErrNotFound
	}
	c.Confirmed = true
	stamp := at
	c.ConfirmedAt = &stamp
	return nil
}

func (s *MemoryStore) DeleteCredential(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, identityID)
	return nil
}

func (s *MemoryStore) AdvanceLastUsedStep(_ context.Context, identityID string, step int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[identityID]
	if !ok {
		return false, ErrNotFound
	}
	if step <= c.LastUsedStep {
		return false, nil
	}
	c.LastUsedStep = step
	return true, nil
}

func (s *MemoryStore) ReplaceBackupCodes(_ context.Context, identityID string, codes []*BackupCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := make([]*BackupCode, 0, len(codes))
	for _, c := range codes {
		copied := *c
		replaced = append(replaced, &copied)
	}
	s.codes[identityID] = replaced
	return nil
}

func (s *MemoryStore) ConsumeBackupCode(_ context.Context, identityID, codeHash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes[identityID] {
		if c.CodeHash == codeHash && c.UsedAt == nil {
			stamp := at
			c.UsedAt = &stamp
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CountUnusedBackupCodes(_ context.Context, identityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.codes[identityID] {
		if c.UsedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteBackupCodes(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, identityID)
	return nil
}
