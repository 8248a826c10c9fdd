// Package postgres provides a Postgres-backed dedup store shared across
// crawler processes.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// StoreConfig controls the Postgres connection pool used for the seen set.
type StoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements the dedup store over a (scope, value) unique table:
//
//	CREATE TABLE seen_values (
//	    scope TEXT NOT NULL,
//	    value TEXT NOT NULL,
//	    seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    PRIMARY KEY (scope, value)
//	);
type Store struct {
	pool  querier
	table string
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dedup.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "seen_values"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
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
	return &Store{pool: pool, table: table}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool querier, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "seen_values"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// TestAndInsert records value under scope, returning true only when the row
// did not already exist. ON CONFLICT DO NOTHING keeps admission atomic under
// concurrent writers.
func (s *Store) TestAndInsert(ctx context.Context, scope, value string) (bool, error) {
	query := fmt.Sprintf(
		`INSERT INTO %s (scope, value) VALUES ($1, $2) ON CONFLICT (scope, value) DO NOTHING`,
		s.table,
	)
	tag, err := s.pool.Exec(ctx, query, scope, value)
	if err != nil {
		return false, fmt.Errorf("insert seen value: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Contains tests membership without inserting.
func (s *Store) Contains(ctx context.Context, scope, value string) (bool, error) {
	query := fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE scope = $1 AND value = $2)`,
		s.table,
	)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, scope, value).Scan(&exists); err != nil {
		return false, fmt.Errorf("query seen value: %w", err)
	}
	return exists, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
