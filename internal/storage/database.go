package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"  // Registers the postgres driver
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// Supported values for Open's driver argument.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// sqlitePragmas make concurrent writers wait for each other instead of
// failing with SQLITE_BUSY, and take the write lock when a transaction begins.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

// DB represents a wrapper around the SQL database connection.
type DB struct {
	conn     *sql.DB
	postgres bool
}

// Open creates a new database connection and ensures the schema is up to date.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	var schema string
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
		schema = sqliteSchema
	case DriverPostgres:
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Execute the schema to create tables if they don't exist.
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn: conn, postgres: driver == DriverPostgres}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") || strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqlitePragmas
	}
	return "file:" + strings.TrimPrefix(dsn, "file:") + "?" + sqlitePragmas
}

// q rewrites a query written with ? placeholders for the active driver.
func (db *DB) q(query string) string {
	if !db.postgres {
		return query
	}
	return rebind(query)
}

// rebind turns ? placeholders into $1, $2, ... for postgres.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, committing if it returns nil.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
