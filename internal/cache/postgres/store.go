// Package postgres keeps cached results in a shared Postgres table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/paradigmxyz/spice/internal/cache"
	"github.com/paradigmxyz/spice/internal/config"
)

func Open(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("cache dsn is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}

	return db, nil
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Lookup(ctx context.Context, fingerprint string) (cache.Entry, error) {
	query := `
SELECT payload
FROM spice_cache_entry
WHERE fingerprint = $1`
	var payload []byte
	if err := s.db.QueryRowContext(ctx, query, fingerprint).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cache.Entry{}, cache.ErrMiss
		}
		return cache.Entry{}, fmt.Errorf("lookup cache entry: %w", err)
	}
	entry, err := cache.DecodePayload(payload)
	if err != nil {
		return cache.Entry{}, err
	}
	return entry, nil
}

// Save upserts in a single statement, so readers never see a half-written
// entry.
func (s *Store) Save(ctx context.Context, entry cache.Entry) error {
	payload, err := cache.EncodePayload(entry)
	if err != nil {
		return err
	}
	query := `
INSERT INTO spice_cache_entry (fingerprint, query_identity, execution_id, executed_at, captured_at, row_count, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (fingerprint)
DO UPDATE SET query_identity = EXCLUDED.query_identity,
	execution_id = EXCLUDED.execution_id,
	executed_at = EXCLUDED.executed_at,
	captured_at = EXCLUDED.captured_at,
	row_count = EXCLUDED.row_count,
	payload = EXCLUDED.payload,
	updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, query,
		entry.Fingerprint,
		entry.QueryIdentity,
		entry.ExecutionID,
		nullTime(entry.ExecutedAt),
		entry.CapturedAt.UTC(),
		int64(entry.Table.NumRows()),
		payload,
	); err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}

// Prune deletes entries captured before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM spice_cache_entry WHERE captured_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune cache entries: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune cache entries: %w", err)
	}
	return deleted, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
