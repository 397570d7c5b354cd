package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/HerbHall/herbarium/internal/records"
	"github.com/HerbHall/herbarium/internal/store"
	"github.com/HerbHall/herbarium/pkg/models"
)

func seedDB(t *testing.T, path string, titles ...string) {
	t.Helper()
	db, err := store.New(path)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer db.Close()
	rs, err := records.NewSQLiteStore(context.Background(), db, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	for _, title := range titles {
		rec := models.Record{Title: title}
		if err := rs.Insert(context.Background(), &rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
}

func countRecords(t *testing.T, path string) int {
	t.Helper()
	db, err := store.New(path)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.DB().QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestBackupAndRestore(t *testing.T) {
	src := t.TempDir()
	dbPath := filepath.Join(src, "herbarium.db")
	cfgPath := filepath.Join(src, "herbarium.yaml")
	seedDB(t, dbPath, "Fern", "Ficus", "Cactus")
	if err := os.WriteFile(cfgPath, []byte("server:\n  port: 9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	ctx := context.Background()
	if err := Backup(ctx, dbPath, cfgPath, archive); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	dst := t.TempDir()
	files, err := Restore(ctx, archive, dst, false)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("restored %v, want db and config", files)
	}
	if n := countRecords(t, filepath.Join(dst, "herbarium.db")); n != 3 {
		t.Errorf("restored record count = %d, want 3", n)
	}
	cfg, err := os.ReadFile(filepath.Join(dst, "herbarium.yaml"))
	if err != nil {
		t.Fatalf("read restored config: %v", err)
	}
	if string(cfg) != "server:\n  port: 9000\n" {
		t.Errorf("restored config = %q", cfg)
	}

	if _, err := Restore(ctx, archive, dst, false); !errors.Is(err, ErrExists) {
		t.Errorf("second Restore = %v, want ErrExists", err)
	}
	if _, err := Restore(ctx, archive, dst, true); err != nil {
		t.Errorf("forced Restore = %v", err)
	}
}

func TestBackupMissingDatabase(t *testing.T) {
	dir := t.TempDir()
	err := Backup(context.Background(), filepath.Join(dir, "missing.db"), "", filepath.Join(dir, "out.tar.gz"))
	if err == nil {
		t.Fatal("Backup of missing database should fail")
	}
}

func TestBackupSkipsMissingConfig(t *testing.T) {
	src := t.TempDir()
	dbPath := filepath.Join(src, "herbarium.db")
	seedDB(t, dbPath, "Moss")

	archive := filepath.Join(src, "b.tar.gz")
	if err := Backup(context.Background(), dbPath, filepath.Join(src, "nope.yaml"), archive); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	files, err := Restore(context.Background(), archive, t.TempDir(), false)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("restored %v, want only the database", files)
	}
}
