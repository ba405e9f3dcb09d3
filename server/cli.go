package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"callifornia/server/internal/callstore"
)

// Version is the current server version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled (caller should not fall through to the UDP serve loop).
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	switch subcmd {
	case "version":
		fmt.Printf("callifornia server %s\n", Version)
		return true
	case "status":
		return cliStatus(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(args []string, dbPath string) bool {
	path := dbPath
	if len(args) > 0 {
		path = args[0]
	}

	store, err := callstore.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening call history ledger: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	last24h, err := store.CountSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Call history ledger: %s\n", path)
	fmt.Printf("Calls in last 24h: %d\n", last24h)
	return true
}
