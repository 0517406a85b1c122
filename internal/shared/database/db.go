package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DB struct {
	conn   *sql.DB
	driver string
}

// Open connects to a postgres or sqlite database and applies the schema
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	if driver == DriverSQLite {
		// one writer; an in-memory database also lives on a single connection
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(10)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	db := &DB{conn: conn, driver: driver}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Driver returns the driver name the database was opened with
func (db *DB) Driver() string {
	return db.driver
}

// rebind converts ? placeholders to $n for postgres
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(idx))
			idx++
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (db *DB) migrate(ctx context.Context) error {
	var statements []string
	if db.driver == DriverSQLite {
		statements = append(statements, `PRAGMA journal_mode=WAL`, `PRAGMA synchronous=NORMAL`)
	}
	statements = append(statements,
		`CREATE TABLE IF NOT EXISTS request_records (
			id TEXT PRIMARY KEY,
			api_key_id TEXT NOT NULL,
			model TEXT NOT NULL,
			messages TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			status TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			binding TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
			stream BOOLEAN NOT NULL DEFAULT FALSE,
			status_code INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			attempts TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_records_created ON request_records (created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_request_records_key ON request_records (api_key_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS key_states (
			key_id TEXT PRIMARY KEY,
			spent_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			budget_override DOUBLE PRECISION,
			updated_at BIGINT NOT NULL
		)`,
	)
	for _, stmt := range statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
