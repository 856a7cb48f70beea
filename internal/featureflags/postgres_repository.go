package featureflags

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createTableSQL = `
		CREATE TABLE IF NOT EXISTS status_feature_flags (
			key        TEXT PRIMARY KEY,
			value      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`

	selectFlagsSQL = `SELECT key, value, updated_at FROM status_feature_flags`

	upsertFlagSQL = `
		INSERT INTO status_feature_flags (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`

	deleteFlagsSQL = `DELETE FROM status_feature_flags WHERE key = ANY($1)`
)

// PostgresRepository stores flags in the status_feature_flags table so that
// several daemons share one set of switches.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL feature flags repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Migrate creates the flags table if it does not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create status_feature_flags: %w", err)
	}
	return nil
}

// Load reads every stored flag.
func (r *PostgresRepository) Load(ctx context.Context) (map[string]*Flag, error) {
	rows, err := r.pool.Query(ctx, selectFlagsSQL)
	if err != nil {
		return nil, fmt.Errorf("query feature flags: %w", err)
	}

	flags, err := pgx.CollectRows(rows, scanFlag)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Flag, len(flags))
	for _, f := range flags {
		out[f.Key] = f
	}
	return out, nil
}

// Save upserts flags in one transaction.
func (r *PostgresRepository) Save(ctx context.Context, flags []*Flag) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, f := range flags {
			value, err := json.Marshal(f.Value)
			if err != nil {
				return fmt.Errorf("encode flag %s: %w", f.Key, err)
			}
			batch.Queue(upsertFlagSQL, f.Key, value, f.UpdatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert feature flags: %w", err)
		}
		return nil
	})
}

// Delete removes keys.
func (r *PostgresRepository) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, deleteFlagsSQL, keys); err != nil {
		return fmt.Errorf("delete feature flags: %w", err)
	}
	return nil
}

func scanFlag(row pgx.CollectableRow) (*Flag, error) {
	var (
		flag  Flag
		value []byte
	)
	if err := row.Scan(&flag.Key, &value, &flag.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(value, &flag.Value); err != nil {
		return nil, fmt.Errorf("decode flag %s: %w", flag.Key, err)
	}
	return &flag, nil
}

var _ Repository = (*PostgresRepository)(nil)
