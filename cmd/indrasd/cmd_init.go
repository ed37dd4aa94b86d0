package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/indranet/core/internal/config"
	"github.com/indranet/core/internal/identity"
)

func runInit(args []string) {
	if err := doInit(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("data-dir", "", "data directory (default: resolved from INDRAS_DATA_DIR or platform convention)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dataDir, err := config.ResolveDataDir(*dirFlag)
	if err != nil {
		return fmt.Errorf("cannot determine data directory: %w", err)
	}

	configFile := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config already exists: %s\nDelete it first if you want to reinitialize", configFile)
	}

	fmt.Fprintf(stdout, "Creating data directory: %s\n", dataDir)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	cfg := config.DefaultCoreConfig()
	cfg.DataDir = dataDir
	encoded, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := os.WriteFile(configFile, encoded, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(stdout, "Wrote config: %s\n", configFile)

	kp, err := identity.LoadOrCreateKeypair(cfg.IdentityKeyPath())
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	fmt.Fprintf(stdout, "Identity: %s\n", kp.Public)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Run `indrasd daemon` to start.")
	return nil
}
