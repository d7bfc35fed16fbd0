// Command tern-admin performs operational tasks against a tern
// deployment: account management, schema migrations and retention
// maintenance.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ternmail/tern/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "create-account":
		handleCreateAccount()
	case "update-password":
		handleUpdatePassword()
	case "delete-account":
		handleDeleteAccount()
	case "migrate":
		handleMigrate()
	case "migrate-version":
		handleMigrateVersion()
	case "purge-logs":
		handlePurgeLogs()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`TERN Admin Tool

Usage:
  tern-admin <command> [options]

Commands:
  create-account    Create a new account
  update-password   Change an account's password
  delete-account    Delete an account and its data
  migrate           Apply pending schema migrations
  migrate-version   Show the current schema version
  purge-logs        Delete rule execution logs past retention
  help              Show this help message

Examples:
  tern-admin create-account --email user@example.com --password secret123
  tern-admin update-password --email user@example.com --password newsecret
  tern-admin migrate --config /etc/tern/config.toml
  tern-admin purge-logs --older-than 30d

Use 'tern-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the TOML config for admin use. Validation is
// skipped: admin commands only need the database section, and a
// server-side setting like a missing JWT secret must not block
// maintenance.
func loadConfig(configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "no config file at %s, using defaults\n", configPath)
			return cfg
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
