package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/indranet/core/internal/blobstore"
	"github.com/indranet/core/internal/config"
	"github.com/indranet/core/internal/identity"
	"github.com/indranet/core/internal/messaging"
	"github.com/indranet/core/internal/metrics"
	"github.com/indranet/core/internal/p2ptransport"
	"github.com/indranet/core/internal/storageindex"
)

func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("data-dir", "", "data directory")
	listenFlag := fs.String("listen", "/ip4/0.0.0.0/tcp/0", "comma-separated libp2p listen multiaddrs")
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

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	kp, err := identity.LoadOrCreateKeypair(cfg.IdentityKeyPath())
	if err != nil {
		fatal("load identity: %v", err)
	}
	logger.Info("starting", "identity", kp.Public.ShortID(), "data_dir", dataDir)

	m := metrics.New(version, runtime.Version())

	if _, err := blobstore.Open(cfg.BlobsDir()); err != nil {
		fatal("open blob store: %v", err)
	}
	if _, err := storageindex.Open(cfg.IndexDBPath()); err != nil {
		fatal("open index: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenAddrs := splitNonEmpty(*listenFlag, ",")
	host, err := p2ptransport.New(ctx, kp, listenAddrs)
	if err != nil {
		fatal("start transport: %v", err)
	}
	defer host.Close()

	client := messaging.NewClient(kp, host, 0, time.Duration(cfg.Timeouts.RelayConfirmationTimeout), logger, m)
	host.SetHandler(client.HandleInbound)

	for _, addr := range host.Addrs() {
		fmt.Printf("Listening: %s\n", addr)
	}

	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		metricsServer = &http.Server{Addr: cfg.Telemetry.Metrics.ListenAddress, Handler: m.Handler()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
		fmt.Printf("Metrics: http://%s/metrics\n", cfg.Telemetry.Metrics.ListenAddress)
	}

	fmt.Println("indrasd running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case <-ctx.Done():
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsServer.Shutdown(shutdownCtx)
	}
	fmt.Println("Stopped.")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
