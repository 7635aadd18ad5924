// Package main implements syncano-schemad, the daemon that applies pending
// klass index migrations for every tenant and exposes operational endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/Syncano/syncano-platform-sub000/internal/app"
	"github.com/Syncano/syncano-platform-sub000/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		envFile     string
		dataDir     string
		dialect     string
		dsn         string
		metricsAddr string
		workers     int
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", "", "Load SYNCANO_* variables from this .env file")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for tenant databases (sqlite)")
	flag.StringVar(&dialect, "dialect", "", "Database dialect: sqlite, postgres")
	flag.StringVar(&dsn, "dsn", "", "PostgreSQL connection string")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "HTTP address for /metrics and operations endpoints")
	flag.IntVar(&workers, "workers", 0, "Tenants migrated in parallel")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syncano-schemad - klass index migration daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage: syncano-schemad [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  syncano-schemad --data-dir /var/lib/syncano\n")
		fmt.Fprintf(os.Stderr, "  syncano-schemad --dialect postgres --dsn postgres://localhost/syncano\n")
		fmt.Fprintf(os.Stderr, "  syncano-schemad --config /etc/syncano/schemad.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  SYNCANO_DATA_DIR            Base directory for tenant databases\n")
		fmt.Fprintf(os.Stderr, "  SYNCANO_DB_DIALECT          sqlite or postgres\n")
		fmt.Fprintf(os.Stderr, "  SYNCANO_DB_DSN              PostgreSQL connection string\n")
		fmt.Fprintf(os.Stderr, "  SYNCANO_MIGRATION_*         Migration worker settings\n")
		fmt.Fprintf(os.Stderr, "  SYNCANO_METRICS_ADDR        Operations HTTP address\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("syncano-schemad version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	if err := loadEnvFile(envFile); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}

	cfg, err := loadConfig(configFile, dataDir, dialect, dsn, metricsAddr, workers)
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

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown: %v", err)
	}

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadEnvFile loads an explicit .env file, or ./.env when present. Variables
// already set in the environment win.
func loadEnvFile(path string) error {
	if path != "" {
		return godotenv.Load(path)
	}
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load()
	}
	return nil
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, dialect, dsn, metricsAddr string, workers int) (*config.Config, error) {
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

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if dialect != "" {
		cfg.Database.Dialect = config.Dialect(dialect)
	}
	if dsn != "" {
		cfg.Database.DSN = dsn
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if workers > 0 {
		cfg.Migration.Workers = workers
	}

	return cfg, nil
}

func printBanner(cfg *config.Config) {
	log.Printf("syncano-schemad %s (%s)", version, commit)
	log.Printf("Configuration:")
	log.Printf("  Dialect:        %s", cfg.Database.Dialect)
	if cfg.Database.Dialect == config.DialectSQLite {
		log.Printf("  Data Dir:       %s", cfg.DataDir)
	}
	log.Printf("  Workers:        %d", cfg.Migration.Workers)
	log.Printf("  Poll Interval:  %v", cfg.Migration.PollInterval)
	log.Printf("  Max Attempts:   %d (backoff %v)", cfg.Migration.MaxAttempts, cfg.Migration.RetryBackoff)
	log.Printf("  Concurrent DDL: %v", cfg.Migration.Concurrent)
	if cfg.Metrics.Addr != "" {
		log.Printf("  Operations:     %s", cfg.Metrics.Addr)
	}
}
