// Package postgres records stored-image lifecycle rows in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kr0osti/image-processor/internal/ingest"
)

// DefaultTable is the ledger table used when none is configured.
const DefaultTable = "stored_images"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LedgerConfig controls the Postgres connection pool used for ledger rows.
type LedgerConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Ledger writes one row per stored image and marks it when the file is evicted.
type Ledger struct {
	pool  execCloser
	table string
}

// NewLedger creates a Postgres-backed Ledger using the provided config.
func NewLedger(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: pool, table: table}, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily for testing).
func NewLedgerWithPool(pool execCloser, table string) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Ledger{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// RecordStored inserts a row for a newly saved image.
func (l *Ledger) RecordStored(ctx context.Context, image ingest.StoredImage, source string, at time.Time) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("ledger is not configured")
	}
	if image.Name == "" {
		return fmt.Errorf("image name is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	name,
	url,
	api_url,
	checksum,
	size_bytes,
	source,
	stored_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)
ON CONFLICT (name) DO UPDATE SET
	checksum = EXCLUDED.checksum,
	size_bytes = EXCLUDED.size_bytes,
	source = EXCLUDED.source,
	stored_at = EXCLUDED.stored_at,
	deleted_at = NULL`, l.table)

	args := []any{
		image.Name,
		image.URL,
		image.APIURL,
		image.Checksum,
		image.Size,
		source,
		at,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert stored image: %w", err)
	}
	return nil
}

// RecordEvicted stamps deleted_at on the row for name.
func (l *Ledger) RecordEvicted(ctx context.Context, name string, at time.Time) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("ledger is not configured")
	}
	if name == "" {
		return fmt.Errorf("image name is required")
	}
	query := fmt.Sprintf(`UPDATE %s SET deleted_at = $2 WHERE name = $1 AND deleted_at IS NULL`, l.table)
	if _, err := l.pool.Exec(ctx, query, name, at); err != nil {
		return fmt.Errorf("mark image evicted: %w", err)
	}
	return nil
}
