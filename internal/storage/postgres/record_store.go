// Package postgres provides the Postgres-backed permit record store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/permit-crawler/internal/permit"
	"github.com/JakeFAU/permit-crawler/internal/storage/permitsql"
)

// Config controls the Postgres connection pool used for permit rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RecordStore reads and merges permit records in Postgres.
type RecordStore struct {
	pool  pool
	table string
}

// NewRecordStore creates a pool from cfg.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("records.postgres.dsn is required")
	}
	table, err := permitsql.Table(cfg.Table)
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: p, table: table}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, table string) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := permitsql.Table(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: p, table: name}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the permit table when missing.
func (s *RecordStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, permitsql.Schema(s.table, "TIMESTAMPTZ", "BOOLEAN")); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

// Get loads the record for statusNo.
func (s *RecordStore) Get(ctx context.Context, statusNo string) (permit.Record, bool, error) {
	query, args, err := permitsql.Select(s.table, sq.Dollar, statusNo)
	if err != nil {
		return permit.Record{}, false, err
	}
	var rec permit.Record
	if err := s.pool.QueryRow(ctx, query, args...).Scan(permitsql.Targets(&rec)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return permit.Record{}, false, nil
		}
		return permit.Record{}, false, fmt.Errorf("select permit %s: %w", statusNo, err)
	}
	return rec, true, nil
}

// Upsert inserts rec or merges its non-null fields into the stored row.
func (s *RecordStore) Upsert(ctx context.Context, rec permit.Record) error {
	query, args, err := permitsql.Upsert(s.table, sq.Dollar, rec)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert permit %s: %w", rec.Key(), err)
	}
	return nil
}
