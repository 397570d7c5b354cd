// Package backup writes and restores tar.gz archives of the Herbarium SQLite
// database, optionally together with the config file.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/HerbHall/herbarium/internal/store"
)

// ErrExists is returned by Restore when a target file exists and force is
// not set.
var ErrExists = errors.New("file already exists")

// Backup archives the database at dbPath, and configPath when it exists,
// into outputPath. The database is copied with VACUUM INTO, so a server may
// keep writing while the backup runs.
func Backup(ctx context.Context, dbPath, configPath, outputPath string) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("database file not found: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "herbarium-backup-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, filepath.Base(dbPath))
	if err := snapshotDB(ctx, dbPath, snapshot); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	err = addFile(tw, snapshot, filepath.Base(dbPath))
	if err == nil && configPath != "" {
		if _, statErr := os.Stat(configPath); statErr == nil {
			err = addFile(tw, configPath, filepath.Base(configPath))
		}
	}
	// Close in order so every layer is flushed; keep the first error.
	for _, c := range []io.Closer{tw, gw, out} {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		_ = os.Remove(outputPath)
		return fmt.Errorf("write archive: %w", err)
	}
	return nil
}

func snapshotDB(ctx context.Context, src, dst string) error {
	db, err := store.New(src)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Snapshot(ctx, dst)
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Restore extracts the regular files of archivePath into dir and returns
// their paths. Existing files are only replaced when force is set.
func Restore(ctx context.Context, archivePath, dir string, force bool) ([]string, error) {
	in, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	gr, err := gzip.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	defer gr.Close()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create target dir: %w", err)
	}

	var restored []string
	tr := tar.NewReader(gr)
	for {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return restored, nil
		}
		if err != nil {
			return restored, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Base(filepath.Clean(hdr.Name))
		if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			return restored, fmt.Errorf("unsafe entry name %q", hdr.Name)
		}
		target := filepath.Join(dir, name)
		if err := extract(tr, target, force); err != nil {
			return restored, fmt.Errorf("restore %s: %w", name, err)
		}
		restored = append(restored, target)
	}
}

func extract(r io.Reader, target string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(target, flags, 0o640)
	if errors.Is(err, os.ErrExist) {
		return ErrExists
	}
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
