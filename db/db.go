// Package db provides the PostgreSQL persistence layer. Writes always go
// through WritePool; reads use ReadPool, which may point at replicas.
package db

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
)

type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// GetWritePool returns the connection pool for write operations
func (db *Database) GetWritePool() *pgxpool.Pool {
	return db.WritePool
}

// GetReadPool returns the connection pool for read operations
func (db *Database) GetReadPool() *pgxpool.Pool {
	return db.ReadPool
}

// NewDatabaseFromConfig creates a new database connection with read/write
// split configuration. Migrations run separately via RunMigrations.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, dbConfig.Debug, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	var readPool *pgxpool.Pool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, dbConfig.Debug, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("no read database configured, using write pool for reads")
		readPool = writePool
	}

	return &Database{
		WritePool: writePool,
		ReadPool:  readPool,
	}, nil
}

// createPoolFromEndpoint creates a connection pool from an endpoint configuration
func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, poolType string) (*pgxpool.Pool, error) {
	if len(endpoint.Hosts) == 0 {
		return nil, fmt.Errorf("at least one host must be specified")
	}

	// Randomly select one host. Load balancing across replicas happens at
	// pool creation, not per query.
	selectedHost := endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]

	// Priority: 1) host:port in hosts array, 2) separate port field, 3) default 5432
	if !strings.Contains(selectedHost, ":") {
		portStr := endpoint.Port
		if portStr == "" {
			portStr = "5432"
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port value '%s': %w", portStr, err)
		}
		selectedHost = fmt.Sprintf("%s:%d", selectedHost, port)
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, selectedHost, endpoint.Name, sslMode)

	logger.Info("connecting to database", "role", poolType, "host", selectedHost, "database", endpoint.Name, "hosts", endpoint.Hosts)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if logQueries {
		poolCfg.ConnConfig.Tracer = &queryTracer{}
	}

	if endpoint.MaxConns > 0 {
		poolCfg.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolCfg.MinConns = int32(endpoint.MinConns)
	}

	if endpoint.MaxConnLifetime != "" {
		lifetime, err := endpoint.GetMaxConnLifetime()
		if err != nil {
			return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
		}
		poolCfg.MaxConnLifetime = lifetime
	}

	if endpoint.MaxConnIdleTime != "" {
		idleTime, err := endpoint.GetMaxConnIdleTime()
		if err != nil {
			return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
		}
		poolCfg.MaxConnIdleTime = idleTime
	}

	dbPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("database pool created", "role", poolType,
		"max_conns", dbPool.Config().MaxConns, "min_conns", dbPool.Config().MinConns)

	return dbPool, nil
}

// StartPoolMetrics starts a goroutine that periodically collects connection pool metrics
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	if db.WritePool != nil {
		stats := db.WritePool.Stat()
		metrics.DBPoolConnections.WithLabelValues("write", "total").Set(float64(stats.TotalConns()))
		metrics.DBPoolConnections.WithLabelValues("write", "idle").Set(float64(stats.IdleConns()))
		metrics.DBPoolConnections.WithLabelValues("write", "in_use").Set(float64(stats.AcquiredConns()))
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		stats := db.ReadPool.Stat()
		metrics.DBPoolConnections.WithLabelValues("read", "total").Set(float64(stats.TotalConns()))
		metrics.DBPoolConnections.WithLabelValues("read", "idle").Set(float64(stats.IdleConns()))
		metrics.DBPoolConnections.WithLabelValues("read", "in_use").Set(float64(stats.AcquiredConns()))
	}
}

// queryTracer logs every query when database.debug is enabled.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("query start", "sql", data.SQL, "args", data.Args)
	return ctx
}

func (t *queryTracer) TraceQueryEnd(_ context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil {
		logger.Debug("query end", "error", data.Err)
	}
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
}

// BeginTx starts a new transaction and wraps it for metric collection.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.GetWritePool().Begin(ctx)
	if err != nil {
		return nil, err
	}

	return &measuredTx{
		Tx:    tx,
		start: time.Now(),
	}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err == nil {
		metrics.DBQueriesTotal.WithLabelValues("tx_commit", "success", "write").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues("tx_commit", "failure", "write").Inc()
	}
	metrics.DBQueryDuration.WithLabelValues("transaction", "write").Observe(time.Since(mtx.start).Seconds())
	return err
}

func (mtx *measuredTx) Rollback(ctx context.Context) error {
	err := mtx.Tx.Rollback(ctx)
	// A rollback attempt is counted even if the rollback itself fails.
	metrics.DBQueriesTotal.WithLabelValues("tx_rollback", "success", "write").Inc()
	metrics.DBQueryDuration.WithLabelValues("transaction", "write").Observe(time.Since(mtx.start).Seconds())
	return err
}

// TimedQueryRow wraps QueryRow on the read pool with duration metrics.
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...interface{}) pgx.Row {
	start := time.Now()
	row := db.GetReadPool().QueryRow(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation, "read").Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success", "read").Inc()
	return row
}

// TimedQuery wraps Query on the read pool with duration metrics.
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.GetReadPool().Query(ctx, sql, args...)

	metrics.DBQueryDuration.WithLabelValues(operation, "read").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure", "read").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success", "read").Inc()
	}

	return rows, err
}

// TimedExec wraps Exec on the write pool with duration metrics.
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...interface{}) error {
	start := time.Now()
	_, err := db.GetWritePool().Exec(ctx, sql, args...)

	metrics.DBQueryDuration.WithLabelValues(operation, "write").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure", "write").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success", "write").Inc()
	}

	return err
}
