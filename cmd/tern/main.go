// Command tern runs the tern email filtering server: the REST API,
// schema migrations and the background retention worker, over
// PostgreSQL and S3-compatible object storage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternmail/tern/analyzer"
	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/server/cleaner"
	"github.com/ternmail/tern/server/httpapi"
	"github.com/ternmail/tern/storage"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	skipMigrations := flag.Bool("skip-migrations", false, "Do not run schema migrations at startup")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tern version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) && !isFlagSet("config") {
			fmt.Fprintf(os.Stderr, "TERN: no config file at %s, using defaults\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "TERN: failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "TERN: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "TERN: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Infof("tern starting (version %s, commit: %s, built: %s)", version, commit, date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("received signal %s, shutting down", sig)
		cancel()
	}()

	if !*skipMigrations {
		if err := db.RunMigrations(ctx, &cfg.Database); err != nil {
			logger.Fatal("failed to run migrations", "error", err)
		}
	}

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	blobs, err := storage.New(cfg.S3)
	if err != nil {
		logger.Fatal("failed to initialize object storage", "error", err)
	}

	an := analyzer.New(cfg.Analyzer)

	options, err := apiOptions(&cfg)
	if err != nil {
		logger.Fatal("invalid API configuration", "error", err)
	}

	startCleanupWorker(ctx, database, blobs, &cfg)

	errChan := make(chan error, 1)
	go httpapi.Start(ctx, database, blobs, an, options, errChan)

	select {
	case <-ctx.Done():
		logger.Info("tern shut down")
	case err := <-errChan:
		logger.Error("server error", "error", err)
		cancel()
		os.Exit(1)
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func apiOptions(cfg *config.Config) (httpapi.ServerOptions, error) {
	options := httpapi.ServerOptions{
		Addr:               cfg.API.Addr,
		JWTSecret:          cfg.API.JWTSecret,
		AllowRegistration:  cfg.API.AllowRegistration,
		MaxBodySize:        cfg.API.MaxBodySize,
		MaxRulesPerAccount: cfg.Rules.MaxPerAccount,
		MaxConditions:      cfg.Rules.MaxConditions,
		MaxActions:         cfg.Rules.MaxActions,
		MaxBatchMessages:   cfg.Rules.MaxBatchMessages,
	}

	var err error
	if options.TokenDuration, err = cfg.API.GetTokenDuration(); err != nil {
		return options, err
	}
	if options.ReadTimeout, err = cfg.API.GetReadTimeout(); err != nil {
		return options, err
	}
	if options.WriteTimeout, err = cfg.API.GetWriteTimeout(); err != nil {
		return options, err
	}
	if options.IdleTimeout, err = cfg.API.GetIdleTimeout(); err != nil {
		return options, err
	}
	return options, nil
}

func startCleanupWorker(ctx context.Context, database *db.Database, blobs *storage.S3Storage, cfg *config.Config) {
	wakeInterval, err := cfg.Cleanup.GetWakeInterval()
	if err != nil {
		logger.Fatal("invalid cleanup configuration", "error", err)
	}
	retention, err := cfg.Cleanup.GetExecutionLogRetention()
	if err != nil {
		logger.Fatal("invalid cleanup configuration", "error", err)
	}
	gracePeriod, err := cfg.Cleanup.GetMessageGracePeriod()
	if err != nil {
		logger.Fatal("invalid cleanup configuration", "error", err)
	}

	worker := cleaner.New(database, blobs, wakeInterval, retention, gracePeriod)
	worker.Start(ctx)
}
