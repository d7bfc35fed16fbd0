package db

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"

	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// migrationURL builds a golang-migrate connection URL for the write endpoint.
// Migrations always run against the primary; the first configured host is used.
func migrationURL(endpoint *config.DatabaseEndpointConfig) (string, error) {
	if endpoint == nil || len(endpoint.Hosts) == 0 {
		return "", fmt.Errorf("write database configuration is required for migrations")
	}

	host := endpoint.Hosts[0]
	if !containsPort(host) {
		port := endpoint.Port
		if port == "" {
			port = "5432"
		}
		host = fmt.Sprintf("%s:%s", host, port)
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	return fmt.Sprintf("pgx5://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, host, endpoint.Name, sslMode), nil
}

func containsPort(host string) bool {
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return true
		}
	}
	return false
}

// plainURL is the pgx connection URL used for the advisory lock connection.
func plainURL(endpoint *config.DatabaseEndpointConfig) (string, error) {
	url, err := migrationURL(endpoint)
	if err != nil {
		return "", err
	}
	return "postgres" + url[len("pgx5"):], nil
}

func newMigrator(endpoint *config.DatabaseEndpointConfig) (*migrate.Migrate, error) {
	source, err := iofs.New(MigrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	url, err := migrationURL(endpoint)
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return m, nil
}

// RunMigrations applies all pending migrations. A session advisory lock
// serializes concurrent starters; whichever instance loses the race waits
// and then finds nothing left to apply.
func RunMigrations(ctx context.Context, dbConfig *config.DatabaseConfig) error {
	lockURL, err := plainURL(dbConfig.Write)
	if err != nil {
		return err
	}

	timeout, err := dbConfig.GetMigrationTimeout()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lockConn, err := pgx.Connect(ctx, lockURL)
	if err != nil {
		return fmt.Errorf("failed to connect for migration lock: %w", err)
	}
	defer lockConn.Close(context.Background())

	if _, err := lockConn.Exec(ctx, "SELECT pg_advisory_lock($1)", consts.TernAdvisoryLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = lockConn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", consts.TernAdvisoryLockID)
	}()

	m, err := newMigrator(dbConfig.Write)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("database schema up to date")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	logger.Info("database migrated", "version", version, "dirty", dirty)
	return nil
}

// MigrationVersion reports the current schema version without applying anything.
func MigrationVersion(dbConfig *config.DatabaseConfig) (version uint, dirty bool, err error) {
	m, err := newMigrator(dbConfig.Write)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
