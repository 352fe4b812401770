package db

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/config"
)

// Client manages the Postgres connection pool and transaction helpers.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewClient opens a connection pool and verifies connectivity.
func NewClient(cfg config.DatabaseConfig, logger *zap.Logger) (*Client, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database client initialized",
		zap.String("host", cfg.Host),
		zap.Int("max_connections", cfg.MaxConnections),
	)

	return &Client{db: db, logger: logger}, nil
}

// NewClientFromDB wraps an existing pool. Used by tests.
func NewClientFromDB(db *sqlx.DB, logger *zap.Logger) *Client {
	return &Client{db: db, logger: logger}
}

// DB returns the underlying pool for direct queries.
func (c *Client) DB() *sqlx.DB { return c.db }

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

// Close shuts down the pool.
func (c *Client) Close() error { return c.db.Close() }

// WithTransaction runs fn inside a transaction, committing on nil error and
// rolling back otherwise.
func (c *Client) WithTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// AdvisoryLockKey derives a stable 64-bit lock key from an identifier.
func AdvisoryLockKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// AdvisoryLock takes a transaction-scoped advisory lock keyed by key. The lock
// releases on commit or rollback; it serializes investigations of the same
// route across processes.
func (c *Client) AdvisoryLock(ctx context.Context, tx *sqlx.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, AdvisoryLockKey(key)); err != nil {
		return fmt.Errorf("advisory lock %q: %w", key, err)
	}
	return nil
}
