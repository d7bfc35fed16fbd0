package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/db"
)

// TestConfig is the minimal configuration integration tests need.
type TestConfig struct {
	Database struct {
		Write struct {
			Hosts    []string `toml:"hosts"`
			Port     string   `toml:"port"`
			User     string   `toml:"user"`
			Password string   `toml:"password"`
			Name     string   `toml:"name"`
			TLS      bool     `toml:"tls"`
		} `toml:"write"`
	} `toml:"database"`
}

// TestDatabase wraps a database connection for integration tests.
type TestDatabase struct {
	*db.Database
	Config *TestConfig
}

// SetupTestDatabase connects to the local PostgreSQL instance described
// by config-test.toml, runs migrations and returns the wrapped handle.
// Tests are skipped in short mode.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	ctx := context.Background()

	configPath, err := findTestConfig()
	require.NoError(t, err, "config-test.toml not found; create one in the project root to run integration tests")

	var cfg TestConfig
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "failed to parse config-test.toml")

	endpoint := &config.DatabaseEndpointConfig{
		Hosts:    cfg.Database.Write.Hosts,
		Port:     cfg.Database.Write.Port,
		User:     cfg.Database.Write.User,
		Password: cfg.Database.Write.Password,
		Name:     cfg.Database.Write.Name,
		TLSMode:  cfg.Database.Write.TLS,
	}
	if len(endpoint.Hosts) == 0 {
		endpoint.Hosts = []string{"localhost"}
	}
	dbConfig := &config.DatabaseConfig{Write: endpoint}

	require.NoError(t, db.RunMigrations(ctx, dbConfig),
		"failed to migrate test database; is PostgreSQL running and %q created?", endpoint.Name)

	database, err := db.NewDatabaseFromConfig(ctx, dbConfig)
	require.NoError(t, err, "failed to connect to test database")

	return &TestDatabase{Database: database, Config: &cfg}
}

// findTestConfig walks up the directory tree to find config-test.toml.
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// Cleanup closes the database connection.
func (td *TestDatabase) Cleanup(t *testing.T) {
	if td.Database != nil {
		td.Database.Close()
	}
}

// CreateTestAccount creates an account and returns its id.
func (td *TestDatabase) CreateTestAccount(t *testing.T, email, password string) int64 {
	t.Helper()
	account, err := td.Database.CreateAccount(context.Background(), email, password)
	require.NoError(t, err)
	return account.ID
}

// TruncateAllTables removes all data between tests. Tables are listed
// in dependency order so CASCADE stays a safety net rather than the
// mechanism.
func (td *TestDatabase) TruncateAllTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	tables := []string{
		"rule_executions",
		"message_analysis",
		"filter_rules",
		"messages",
		"reports",
		"report_schedules",
		"report_templates",
		"accounts",
	}
	for _, table := range tables {
		_, err := td.Database.GetWritePool().Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		require.NoError(t, err)
	}
}
