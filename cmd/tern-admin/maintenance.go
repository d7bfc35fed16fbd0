package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/helpers"
)

func handleMigrate() {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	if err := db.RunMigrations(context.Background(), &cfg.Database); err != nil {
		fatalf("migration failed: %v", err)
	}
	fmt.Println("migrations applied")
}

func handleMigrateVersion() {
	fs := flag.NewFlagSet("migrate-version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	version, dirty, err := db.MigrationVersion(&cfg.Database)
	if err != nil {
		fatalf("failed to read schema version: %v", err)
	}
	if version == 0 {
		fmt.Println("no migrations applied")
		return
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Printf("schema version %d (%s)\n", version, state)
}

func handlePurgeLogs() {
	fs := flag.NewFlagSet("purge-logs", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	olderThan := fs.String("older-than", "", "Retention window, e.g. 30d (defaults to the configured retention)")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	retention, err := cfg.Cleanup.GetExecutionLogRetention()
	if err != nil {
		fatalf("invalid configured retention: %v", err)
	}
	if *olderThan != "" {
		retention, err = helpers.ParseDuration(*olderThan)
		if err != nil {
			fatalf("invalid --older-than value: %v", err)
		}
	}

	ctx := context.Background()
	database := connect(ctx, *configPath)
	defer database.Close()

	removed, err := database.PurgeOldRuleExecutions(ctx, retention)
	if err != nil {
		fatalf("failed to purge execution logs: %v", err)
	}
	fmt.Printf("purged %d execution log entries older than %v\n", removed, retention)
}
