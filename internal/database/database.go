// Package database opens the PostgreSQL pool and bootstraps the schema.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN and verifies it
// with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Schema is the DDL for the attachments table. The documents and quotes
// tables belong to other services; only their reference columns are touched.
const Schema = `
CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	original_name TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	extension TEXT NOT NULL,
	size BIGINT NOT NULL,
	disk_filename TEXT NOT NULL UNIQUE,
	relative_dir TEXT NOT NULL,
	hash TEXT NOT NULL,
	status TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_attachments_hash ON attachments(hash, category) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_attachments_status_created ON attachments(status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_attachments_deleted ON attachments(deleted_at) WHERE status = 'deleted';`

// EnsureSchema creates the attachments table if needed.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
