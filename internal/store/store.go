// Package store owns the embedded SQLite database file: connection setup,
// pragmas, transactions, per-component schema migrations and snapshots.
package store

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrDuplicateMigration is returned when a component lists one version twice.
var ErrDuplicateMigration = errors.New("duplicate migration version")

// Migration is one schema step owned by a component.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// SQLiteStore wraps a *sql.DB opened with modernc.org/sqlite.
type SQLiteStore struct {
	db   *sql.DB
	path string

	migrateMu sync.Mutex
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// New opens or creates the database at path. ":memory:" opens a private
// in-memory database.
func New(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection serializes writers and keeps ":memory:" on a single
	// database. WAL lets the backup snapshot read alongside.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}
	// modernc.org/sqlite takes pragmas as statements, not DSN params.
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Path returns the path the store was opened with.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Tx runs fn in a transaction, committing when fn returns nil.
func (s *SQLiteStore) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

// Snapshot writes a consistent copy of the database to dst with VACUUM INTO.
// dst must not exist.
func (s *SQLiteStore) Snapshot(ctx context.Context, dst string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("snapshot to %s: %w", dst, err)
	}
	return nil
}

// Migrate applies the migrations of component that are not yet recorded in
// the _migrations table, in ascending version order, each in its own
// transaction.
func (s *SQLiteStore) Migrate(ctx context.Context, component string, migrations []Migration) error {
	pending := slices.SortedFunc(slices.Values(migrations), func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})
	for i := 1; i < len(pending); i++ {
		if pending[i].Version == pending[i-1].Version {
			return fmt.Errorf("%s/%d: %w", component, pending[i].Version, ErrDuplicateMigration)
		}
	}

	s.migrateMu.Lock()
	defer s.migrateMu.Unlock()

	if _, err := s.db.ExecContext(ctx, createMigrations); err != nil {
		return fmt.Errorf("create _migrations: %w", err)
	}
	applied, err := s.appliedVersions(ctx, component)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		err := s.Tx(ctx, func(tx *sql.Tx) error {
			if err := m.Up(tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO _migrations (component, version, description) VALUES (?, ?, ?)",
				component, m.Version, m.Description,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s/%d (%s): %w", component, m.Version, m.Description, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version of component,
// or 0 when none has run.
func (s *SQLiteStore) SchemaVersion(ctx context.Context, component string) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(version) FROM _migrations WHERE component = ?", component,
	).Scan(&v)
	if err != nil {
		if isNoSuchTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("schema version of %s: %w", component, err)
	}
	return int(v.Int64), nil
}

const createMigrations = `
	CREATE TABLE IF NOT EXISTS _migrations (
		component   TEXT     NOT NULL,
		version     INTEGER  NOT NULL,
		description TEXT     NOT NULL,
		applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (component, version)
	)`

func (s *SQLiteStore) appliedVersions(ctx context.Context, component string) (map[int]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM _migrations WHERE component = ?", component)
	if err != nil {
		return nil, fmt.Errorf("list migrations of %s: %w", component, err)
	}
	defer rows.Close()

	applied := make(map[int]struct{})
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = struct{}{}
	}
	return applied, rows.Err()
}

func isNoSuchTable(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such table")
}
