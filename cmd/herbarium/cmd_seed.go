package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/HerbHall/herbarium/internal/records"
)

func runSeed(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	input := fs.String("input", "", "YAML seed file (required)")
	configPath := fs.String("config", "", "path to configuration file")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *input == "" {
		fmt.Fprintln(os.Stderr, "error: --input is required")
		fs.Usage()
		os.Exit(1)
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Open(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()
	recs, err := records.LoadSeed(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	rs, closeStore, err := openStore(ctx, settings.Database, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	res, err := records.Import(ctx, rs, recs)
	closeStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Seed complete: %d inserted, %d skipped\n", res.Inserted, res.Skipped)
}
