// Package main implements the unified driftline binary.
// This binary can run both services (sync, query) concurrently or an
// individual service based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/driftline/driftline/internal/app"
	"github.com/driftline/driftline/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		httpAddr    string
		sourceAddr  string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, sync, query")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP address for the API server")
	flag.StringVar(&sourceAddr, "source-addr", "", "Redis address of the change event source")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Driftline - Change Data Capture Search Synchronizer\n\n")
		fmt.Fprintf(os.Stderr, "Usage: driftline [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  driftline --data-dir /data/driftline\n")
		fmt.Fprintf(os.Stderr, "  driftline --mode sync --source-addr localhost:6379\n")
		fmt.Fprintf(os.Stderr, "  driftline --config /etc/driftline/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  DRIFTLINE_MODE            Service mode (all, sync, query)\n")
		fmt.Fprintf(os.Stderr, "  DRIFTLINE_DATA_DIR        Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  DRIFTLINE_HTTP_ADDR       HTTP address for the API server\n")
		fmt.Fprintf(os.Stderr, "  DRIFTLINE_SOURCE_ADDR     Redis address of the event source\n")
		fmt.Fprintf(os.Stderr, "  DRIFTLINE_INDEX_BACKEND   Index backend (local, opensearch)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("driftline version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Local development convenience; ignored when absent.
	_ = godotenv.Load()

	cfg, err := loadConfig(configFile, dataDir, mode, httpAddr, sourceAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, mode, httpAddr, sourceAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags win.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if sourceAddr != "" {
		cfg.Source.Addr = sourceAddr
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                      DRIFTLINE                            ║")
	log.Printf("║        Change Data Capture Search Synchronizer            ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Mode:     %s", cfg.Mode)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Index:    %s", cfg.Index.Backend)
	log.Printf("")

	if cfg.ShouldRunSync() {
		log.Printf("Sync Service:")
		log.Printf("  Source:  %s (group %s)", cfg.Source.Addr, cfg.Source.Group)
		log.Printf("  Streams: %v", cfg.Source.Streams)
		log.Printf("  Workers: %d", cfg.Sync.Workers)
	}

	if cfg.ShouldRunQuery() {
		log.Printf("Query Service:")
		log.Printf("  HTTP: %s", cfg.HTTP.Addr)
	}

	log.Printf("")
}
