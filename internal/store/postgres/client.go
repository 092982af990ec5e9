// Package postgres provides the persistent archive for the lab. Closed
// generations and per-miner totals survive coordinator restarts here.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// NewClient creates a new PostgreSQL client from a postgres:// URL
func NewClient(url string) (*Client, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}

// EnsureSchema creates the archive tables if they do not exist
func (c *Client) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			generation  BIGINT PRIMARY KEY,
			winner_id   TEXT NOT NULL,
			block_hash  TEXT NOT NULL,
			nonce       NUMERIC(20) NOT NULL,
			closed_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS miner_totals (
			miner_id           TEXT PRIMARY KEY,
			role               TEXT NOT NULL,
			total_attempts     BIGINT NOT NULL DEFAULT 0,
			accepted_solutions BIGINT NOT NULL DEFAULT 0,
			first_seen         TIMESTAMPTZ NOT NULL,
			last_seen          TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
