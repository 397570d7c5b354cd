package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/HerbHall/herbarium/internal/backup"
)

func runRestore(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	input := fs.String("input", "", "backup archive to restore (required)")
	dataDir := fs.String("data-dir", ".", "target directory for restored files")
	force := fs.Bool("force", false, "overwrite existing files")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *input == "" {
		fmt.Fprintln(os.Stderr, "error: --input is required")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	files, err := backup.Restore(ctx, *input, *dataDir, *force)
	if errors.Is(err, backup.ErrExists) {
		fmt.Fprintln(os.Stderr, "restore failed: target exists, use --force to overwrite")
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "restore failed: %v\n", err)
		os.Exit(1)
	}
	for _, f := range files {
		fmt.Printf("restored %s\n", f)
	}
	fmt.Printf("Restore complete: %d files restored to %s\n", len(files), *dataDir)
}
