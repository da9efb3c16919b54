// Package database provides the SQLite client and migration utilities.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // Register sqlite3 driver for database/sql
)

// Config holds database configuration
type Config struct {
	// Path is the database file location. ":memory:" opens an in-memory
	// database (used by tests).
	Path string

	// BusyTimeout is how long a connection waits on a locked database
	// before failing.
	BusyTimeout time.Duration

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client wraps the sql.DB handle and owns schema migrations.
type Client struct {
	db *sql.DB
}

// DB returns the underlying database connection for queries and health checks
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the underlying database connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens the database, configures the connection pool, and applies
// pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time. A single connection sidesteps
	// SQLITE_BUSY under concurrent writers and is required for ":memory:",
	// where every new connection would otherwise see an empty database.
	if cfg.Path == ":memory:" || cfg.MaxOpenConns <= 0 {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db}, nil
}

// buildDSN assembles the sqlite3 connection string, creating the parent
// directory for file-backed databases.
func buildDSN(cfg Config) (string, error) {
	busyMS := int64(5000)
	if cfg.BusyTimeout > 0 {
		busyMS = cfg.BusyTimeout.Milliseconds()
	}

	if cfg.Path == "" {
		return "", fmt.Errorf("database path required")
	}
	// The pool is capped at one connection for ":memory:", so the private
	// in-memory database lives exactly as long as the client.
	if cfg.Path == ":memory:" {
		return fmt.Sprintf("file::memory:?_foreign_keys=on&_busy_timeout=%d", busyMS), nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", fmt.Sprintf("%d", busyMS))
	params.Set("_journal_mode", "WAL")

	return fmt.Sprintf("file:%s?%s", cfg.Path, params.Encode()), nil
}
