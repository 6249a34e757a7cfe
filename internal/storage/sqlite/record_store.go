// Package sqlite provides a single-file permit record store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/permit-crawler/internal/permit"
	"github.com/JakeFAU/permit-crawler/internal/storage/permitsql"
)

// RecordStore keeps permit records in a local SQLite database.
type RecordStore struct {
	db    *sql.DB
	table string
}

// New opens the database at dsn and configures WAL mode.
func New(dsn, table string) (*RecordStore, error) {
	name, err := permitsql.Table(table)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: exec %s: %w", pragma, err)
		}
	}
	return &RecordStore{db: db, table: name}, nil
}

// Migrate creates the permit table when missing.
func (s *RecordStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, permitsql.Schema(s.table, "TIMESTAMP", "BOOLEAN")); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// Get loads the record for statusNo.
func (s *RecordStore) Get(ctx context.Context, statusNo string) (permit.Record, bool, error) {
	query, args, err := permitsql.Select(s.table, sq.Question, statusNo)
	if err != nil {
		return permit.Record{}, false, err
	}
	var rec permit.Record
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(permitsql.Targets(&rec)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return permit.Record{}, false, nil
		}
		return permit.Record{}, false, fmt.Errorf("sqlite: get %s: %w", statusNo, err)
	}
	return rec, true, nil
}

// Upsert inserts rec or merges its non-null fields into the stored row.
func (s *RecordStore) Upsert(ctx context.Context, rec permit.Record) error {
	query, args, err := permitsql.Upsert(s.table, sq.Question, rec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: upsert %s: %w", rec.Key(), err)
	}
	return nil
}
