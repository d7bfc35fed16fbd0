package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ternmail/tern/db"
)

func connect(ctx context.Context, configPath string) *db.Database {
	cfg := loadConfig(configPath)
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		fatalf("failed to connect to database: %v", err)
	}
	return database
}

func handleCreateAccount() {
	fs := flag.NewFlagSet("create-account", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	email := fs.String("email", "", "Email address for the new account (required)")
	password := fs.String("password", "", "Password for the new account (required)")
	fs.Parse(os.Args[2:])

	if *email == "" || *password == "" {
		fs.Usage()
		fatalf("--email and --password are required")
	}

	ctx := context.Background()
	database := connect(ctx, *configPath)
	defer database.Close()

	account, err := database.CreateAccount(ctx, *email, *password)
	if err != nil {
		fatalf("failed to create account: %v", err)
	}
	fmt.Printf("created account %s (id %d)\n", account.Email, account.ID)
}

func handleUpdatePassword() {
	fs := flag.NewFlagSet("update-password", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	email := fs.String("email", "", "Email address of the account (required)")
	password := fs.String("password", "", "New password (required)")
	fs.Parse(os.Args[2:])

	if *email == "" || *password == "" {
		fs.Usage()
		fatalf("--email and --password are required")
	}

	ctx := context.Background()
	database := connect(ctx, *configPath)
	defer database.Close()

	account, err := database.GetAccountByEmail(ctx, *email)
	if err != nil {
		fatalf("failed to look up account: %v", err)
	}
	if err := database.UpdatePassword(ctx, account.ID, *password); err != nil {
		fatalf("failed to update password: %v", err)
	}
	fmt.Printf("updated password for %s\n", account.Email)
}

func handleDeleteAccount() {
	fs := flag.NewFlagSet("delete-account", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	email := fs.String("email", "", "Email address of the account (required)")
	fs.Parse(os.Args[2:])

	if *email == "" {
		fs.Usage()
		fatalf("--email is required")
	}

	ctx := context.Background()
	database := connect(ctx, *configPath)
	defer database.Close()

	account, err := database.GetAccountByEmail(ctx, *email)
	if err != nil {
		fatalf("failed to look up account: %v", err)
	}
	if err := database.DeleteAccount(ctx, account.ID); err != nil {
		fatalf("failed to delete account: %v", err)
	}
	fmt.Printf("deleted account %s and all its data\n", account.Email)
}
