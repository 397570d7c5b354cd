package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/HerbHall/herbarium/internal/backup"
	"github.com/HerbHall/herbarium/internal/config"
)

func runBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	output := fs.String("output", "", "output file path (default: herbarium-backup-{timestamp}.tar.gz)")
	configPath := fs.String("config", "", "config file to read the database path from and include in the backup")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if settings.Database.Driver != config.DriverSQLite {
		fmt.Fprintf(os.Stderr, "backup supports the sqlite driver only, got %q\n", settings.Database.Driver)
		os.Exit(1)
	}

	if *output == "" {
		*output = fmt.Sprintf("herbarium-backup-%s.tar.gz", time.Now().Format("20060102-150405"))
	}

	ctx := context.Background()
	if err := backup.Backup(ctx, settings.Database.Path, *configPath, *output); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Backup created: %s\n", *output)
}
