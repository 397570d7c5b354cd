package main

import (
	"fmt"
	"os"

	"github.com/HerbHall/herbarium/internal/version"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		os.Exit(runServe(args))
	case "seed":
		runSeed(args)
	case "backup":
		runBackup(args)
	case "restore":
		runRestore(args)
	case "version":
		fmt.Println(version.Get().String())
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: herbarium [command] [flags]

Commands:
  serve     run the HTTP server (default)
  seed      import records from a YAML file
  backup    archive the SQLite database and config
  restore   extract a backup archive
  version   print build information
`)
}
