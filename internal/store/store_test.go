package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func TestMigrateAppliesOnce(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	calls := 0
	migrations := []Migration{{
		Version:     1,
		Description: "create widgets",
		Up: func(tx *sql.Tx) error {
			calls++
			_, err := tx.Exec(`CREATE TABLE widgets (id TEXT PRIMARY KEY)`)
			return err
		},
	}}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.Migrate(ctx, "widgets", migrations); err != nil {
			t.Fatalf("Migrate #%d: %v", i+1, err)
		}
	}
	if calls != 1 {
		t.Errorf("Up called %d times, want 1", calls)
	}
}

func TestMigrateFailureRollsBack(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	boom := errors.New("boom")
	err = s.Migrate(context.Background(), "broken", []Migration{{
		Version:     1,
		Description: "half-applied",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`CREATE TABLE half (id TEXT)`); err != nil {
				return err
			}
			return boom
		},
	}})
	if !errors.Is(err, boom) {
		t.Fatalf("Migrate error = %v, want boom", err)
	}

	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'half'`).Scan(&n); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if n != 0 {
		t.Error("table from failed migration still exists")
	}
}

func TestTxCommit(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if _, err := s.DB().ExecContext(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	err = s.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`)
		return err
	})
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}

	var v string
	if err := s.DB().QueryRowContext(ctx, `SELECT v FROM kv WHERE k = 'a'`).Scan(&v); err != nil {
		t.Fatalf("select: %v", err)
	}
	if v != "1" {
		t.Errorf("v = %q, want 1", v)
	}
}

func TestMigrateSortsAndRejectsDuplicates(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	var order []int
	step := func(v int) Migration {
		return Migration{Version: v, Description: "step", Up: func(*sql.Tx) error {
			order = append(order, v)
			return nil
		}}
	}
	ctx := context.Background()
	if err := s.Migrate(ctx, "ordered", []Migration{step(2), step(1), step(3)}); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("applied order = %v, want [1 2 3]", order)
	}

	err = s.Migrate(ctx, "dup", []Migration{step(1), step(1)})
	if !errors.Is(err, ErrDuplicateMigration) {
		t.Errorf("Migrate with duplicate = %v, want ErrDuplicateMigration", err)
	}
}

func TestSchemaVersion(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if v, err := s.SchemaVersion(ctx, "records"); err != nil || v != 0 {
		t.Fatalf("SchemaVersion before migrate = %d, %v; want 0, nil", v, err)
	}
	noop := func(*sql.Tx) error { return nil }
	if err := s.Migrate(ctx, "records", []Migration{{Version: 1, Up: noop}, {Version: 4, Up: noop}}); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if v, err := s.SchemaVersion(ctx, "records"); err != nil || v != 4 {
		t.Errorf("SchemaVersion = %d, %v; want 4, nil", v, err)
	}
	if v, err := s.SchemaVersion(ctx, "other"); err != nil || v != 0 {
		t.Errorf("SchemaVersion(other) = %d, %v; want 0, nil", v, err)
	}
}

func TestSnapshot(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "src.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	for _, stmt := range []string{`CREATE TABLE kv (k TEXT PRIMARY KEY)`, `INSERT INTO kv VALUES ('a'), ('b')`} {
		if _, err := s.DB().ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	dst := filepath.Join(dir, "copy.db")
	if err := s.Snapshot(ctx, dst); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := s.Snapshot(ctx, dst); err == nil {
		t.Error("Snapshot onto an existing file should fail")
	}

	cp, err := New(dst)
	if err != nil {
		t.Fatalf("open copy: %v", err)
	}
	defer cp.Close()
	var n int
	if err := cp.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("copied rows = %d, want 2", n)
	}
}
