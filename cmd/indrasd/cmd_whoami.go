package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/indranet/core/internal/config"
	"github.com/indranet/core/internal/identity"
)

func runWhoami(args []string) {
	fs := flag.NewFlagSet("whoami", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("data-dir", "", "data directory")
	if err := fs.Parse(args); err != nil {
		fatal("%v", err)
	}

	dataDir, err := config.ResolveDataDir(*dirFlag)
	if err != nil {
		fatal("cannot determine data directory: %v", err)
	}
	cfg, err := config.LoadCoreConfig(dataDir)
	if err != nil {
		fatal("load config: %v", err)
	}
	kp, err := identity.LoadOrCreateKeypair(cfg.IdentityKeyPath())
	if err != nil {
		fatal("load identity: %v", err)
	}
	fmt.Fprintln(os.Stdout, kp.Public)
}
