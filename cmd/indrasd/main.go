// indrasd is the core daemon: one long-lived process binding a local
// identity to a libp2p host, the N-peer interfaces it has created or
// joined, and the gossip/routing/sync machinery that keeps them in
// sync with the rest of a realm.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD)" -o indrasd ./cmd/indrasd
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "whoami":
		runWhoami(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("indrasd %s (%s)\n", version, commit)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: indrasd <command> [options]")
	fmt.Println()
	fmt.Println("  init                    Create a data directory and identity key")
	fmt.Println("  daemon                  Run the core (host, gossip, sync) until signaled")
	fmt.Println("  whoami                  Show this node's identity")
	fmt.Println("  version                 Show version information")
	fmt.Println()
	fmt.Println("All commands support --data-dir <path>. Without it, indrasd resolves")
	fmt.Println("INDRAS_DATA_DIR, then the platform's standard data directory.")
}
