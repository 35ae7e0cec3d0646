package identity

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestPGStoreIncrementFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	windowStart := now.Add(-15 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("update identities set")).
		WithArgs("id-1", now, windowStart).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "lockout_count"}).AddRow(3, 1))

	store := NewPGStore(db)
	attempts, priorLockouts, err := store.IncrementFailures(context.Background(), "id-1", now, windowStart)
	if err != nil {
		t.Fatalf("IncrementFailures: %v", err)
	}
	if attempts != 3 || priorLockouts != 1 {
		t.Fatalf("unexpected counters: attempts=%d lockouts=%d", attempts, priorLockouts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreIncrementFailuresUnknownID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("update identities set")).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "lockout_count"}))

	store := NewPGStore(db)
	if _, _, err := store.IncrementFailures(context.Background(), "missing", now, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGStoreLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	until := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("update identities set")).
		WithArgs("id-1", StatusLocked, until).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPGStore(db)
	if err := store.Lock(context.Background(), "id-1", until); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreUnlockUnknownID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("update identities set")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPGStore(db)
	if err := store.Unlock(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGStoreFindByUsername(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	roles, _ := json.Marshal([]string{"auditor"})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "username", "credential_hash", "status", "roles", "failed_attempts",
		"first_failed_at", "lock_expires_at", "lockout_count",
		"password_changed_at", "password_expires_at", "prior_hashes", "allowed_origins",
		"created_at", "updated_at",
	}).AddRow(
		"id-1", "alice", "$argon2id$...", StatusActive, roles, 2,
		nil, nil, 0,
		now, nil, []byte(`[]`), []byte(`[]`),
		now, now,
	)
	mock.ExpectQuery(regexp.QuoteMeta("from identities where username=$1")).
		WithArgs("alice").
		WillReturnRows(rows)

	store := NewPGStore(db)
	ident, err := store.FindByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if ident.ID != "id-1" || ident.FailedAttempts != 2 {
		t.Fatalf("unexpected identity: %+v", ident)
	}
	if len(ident.Roles) != 1 || ident.Roles[0] != "auditor" {
		t.Fatalf("unexpected roles: %v", ident.Roles)
	}
}
