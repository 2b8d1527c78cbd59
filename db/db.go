// Package db provides the PostgreSQL persistence layer: filter rules and
// their actions, ingested messages with attachments, and the append-only
// outcome audit trail.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/StarZeus/mailrelay/config"
	"github.com/StarZeus/mailrelay/logger"
	"github.com/StarZeus/mailrelay/pkg/metrics"
)

//go:embed schema.sql
var schema string

// Database wraps the pgx connection pool. It is constructed once at startup
// and injected into every component that needs persistence; there is no
// package-level shared pool.
type Database struct {
	Pool *pgxpool.Pool
}

// NewDatabaseFromConfig creates a connection pool from configuration and
// applies the embedded schema.
func NewDatabaseFromConfig(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, sslMode)

	logger.Info("connecting to database",
		"host", cfg.Host, "port", cfg.Port, "name", cfg.Name, "sslmode", sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.LogQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if lifetime, err := cfg.GetMaxConnLifetime(); err == nil {
		poolConfig.MaxConnLifetime = lifetime
	}
	if idleTime, err := cfg.GetMaxConnIdleTime(); err == nil {
		poolConfig.MaxConnIdleTime = idleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	db := &Database{Pool: pool}
	if err := db.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}

func (db *Database) migrate(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, schema)
	return err
}

// Close releases the connection pool.
func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Ping checks database connectivity.
func (db *Database) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// StartPoolMetrics starts a goroutine that periodically publishes connection
// pool statistics.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Pool.Stat()
				metrics.DBPoolTotalConns.Set(float64(stats.TotalConns()))
				metrics.DBPoolIdleConns.Set(float64(stats.IdleConns()))
			}
		}
	}()
}

// BeginTx starts a new transaction.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return db.Pool.Begin(ctx)
}

// timedQuery wraps Query with duration and count metrics.
func (db *Database) timedQuery(ctx context.Context, operation string, sql string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.Pool.Query(ctx, sql, args...)

	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	}

	return rows, err
}

// timedQueryRow wraps QueryRow with duration metrics.
func (db *Database) timedQueryRow(ctx context.Context, operation string, sql string, args ...interface{}) pgx.Row {
	start := time.Now()
	row := db.Pool.QueryRow(ctx, sql, args...)

	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()

	return row
}

// timedExec wraps Exec with duration and count metrics.
func (db *Database) timedExec(ctx context.Context, operation string, sql string, args ...interface{}) error {
	start := time.Now()
	_, err := db.Pool.Exec(ctx, sql, args...)

	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	}

	return err
}
