package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

const (
	defaultTable = "schema_migrations"

	// Advisory lock key so concurrent replicas do not race migrations.
	lockKey = 7300411
)

// Manager applies versioned SQL migrations from a file system, usually
// an embed.FS compiled into the binary. Each applied file is recorded
// with its checksum so later edits to an already-applied migration are
// detected instead of silently ignored.
type Manager struct {
	db    *sql.DB
	fsys  fs.FS
	table string
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the bookkeeping table name.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// NewManager constructs a Manager over the given migration file system.
func NewManager(db *sql.DB, fsys fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:    db,
		fsys:  fsys,
		table: defaultTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Applied is one bookkeeping row.
type Applied struct {
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Up applies every pending .up.sql file in lexical order.
func (m *Manager) Up(ctx context.Context) error {
	return m.withLock(ctx, func(ctx context.Context) error {
		applied, err := m.history(ctx)
		if err != nil {
			return err
		}
		byName := make(map[string]Applied, len(applied))
		for _, a := range applied {
			byName[a.Name] = a
		}

		files, err := m.collect(".up.sql")
		if err != nil {
			return err
		}
		for _, name := range files {
			body, err := fs.ReadFile(m.fsys, name)
			if err != nil {
				return err
			}
			sum := checksum(body)
			if prior, ok := byName[name]; ok {
				if prior.Checksum != sum {
					return fmt.Errorf("migrate: %s changed after being applied", name)
				}
				continue
			}
			if err := m.execAll(ctx, string(body)); err != nil {
				return fmt.Errorf("migrate: apply %s: %w", name, err)
			}
			if _, err := m.db.ExecContext(ctx,
				fmt.Sprintf(`insert into %s(name, checksum, applied_at) values ($1, $2, $3)`, m.table),
				name, sum, time.Now().UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Down rolls back the most recently applied migration using its
// .down.sql counterpart.
func (m *Manager) Down(ctx context.Context) error {
	return m.withLock(ctx, func(ctx context.Context) error {
		applied, err := m.history(ctx)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return errors.New("migrate: nothing to roll back")
		}
		last := applied[len(applied)-1].Name
		downName := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
		body, err := fs.ReadFile(m.fsys, downName)
		if err != nil {
			return fmt.Errorf("migrate: missing rollback for %s", last)
		}
		if err := m.execAll(ctx, string(body)); err != nil {
			return fmt.Errorf("migrate: roll back %s: %w", last, err)
		}
		_, err = m.db.ExecContext(ctx,
			fmt.Sprintf(`delete from %s where name = $1`, m.table), last)
		return err
	})
}

// Status reports applied migrations in order.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx)
}

func (m *Manager) withLock(ctx context.Context, fn func(context.Context) error) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
		return err
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, `select pg_advisory_unlock($1)`, lockKey)
	}()
	return fn(ctx)
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			checksum text not null,
			applied_at timestamptz not null default now()
		)`, m.table))
	return err
}

func (m *Manager) history(ctx context.Context) ([]Applied, error) {
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select name, checksum, applied_at from %s order by name asc`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// execAll runs a migration file in one transaction, statement by
// statement so a failure names the statement, not the whole file.
func (m *Manager) execAll(ctx context.Context, body string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(body) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) collect(suffix string) ([]string, error) {
	var names []string
	err := fs.WalkDir(m.fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			names = append(names, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// splitStatements splits on semicolons outside single-quoted strings
// and dollar-quoted bodies.
func splitStatements(body string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inQuote  bool
		inDollar bool
	)
	runes := []rune(body)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\'' && !inDollar:
			inQuote = !inQuote
		case r == '$' && !inQuote && i+1 < len(runes) && runes[i+1] == '$':
			inDollar = !inDollar
			current.WriteRune(r)
			i++
			current.WriteRune(runes[i])
			continue
		case r == ';' && !inQuote && !inDollar:
			current.WriteRune(r)
			stmts = append(stmts, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
