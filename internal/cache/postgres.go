package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ZanzyTHEbar/dragonflow"
)

const createCacheTable = `
CREATE TABLE IF NOT EXISTS dragonflow_cache (
	hash_id      TEXT        NOT NULL,
	cache_string TEXT        NOT NULL,
	run_id       TEXT        NOT NULL,
	flow_run_id  TEXT        NOT NULL,
	flow_id      TEXT        NOT NULL,
	output       JSONB,
	produced_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dragonflow_cache_hash_idx ON dragonflow_cache (hash_id, produced_at DESC);
`

// PostgresStorage stores cache records in a single table.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresPool opens a connection pool and pings it.
func NewPostgresPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// NewPostgresStorage creates the cache table if needed.
func NewPostgresStorage(ctx context.Context, pool *pgxpool.Pool) (*PostgresStorage, error) {
	if _, err := pool.Exec(ctx, createCacheTable); err != nil {
		return nil, fmt.Errorf("create cache table: %w", err)
	}
	return &PostgresStorage{pool: pool}, nil
}

// GetRecords returns records under hashID, newest first.
func (c *PostgresStorage) GetRecords(ctx context.Context, hashID string) ([]dragonflow.CacheRecord, error) {
	query := `
		SELECT hash_id, cache_string, run_id, flow_run_id, flow_id, output, produced_at
		FROM dragonflow_cache
		WHERE hash_id = $1
		ORDER BY produced_at DESC
	`
	rows, err := c.pool.Query(ctx, query, hashID)
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}
	defer rows.Close()

	var out []dragonflow.CacheRecord
	for rows.Next() {
		var rec dragonflow.CacheRecord
		var output []byte
		if err := rows.Scan(&rec.HashID, &rec.CacheString, &rec.RunID, &rec.FlowRunID, &rec.FlowID, &output, &rec.ProducedAt); err != nil {
			return nil, fmt.Errorf("scan cache record: %w", err)
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &rec.Output); err != nil {
				return nil, fmt.Errorf("unmarshal cache output: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Store inserts a record.
func (c *PostgresStorage) Store(ctx context.Context, record dragonflow.CacheRecord) error {
	output, err := json.Marshal(record.Output)
	if err != nil {
		return fmt.Errorf("marshal cache output: %w", err)
	}
	query := `
		INSERT INTO dragonflow_cache (hash_id, cache_string, run_id, flow_run_id, flow_id, output, produced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = c.pool.Exec(ctx, query,
		record.HashID,
		record.CacheString,
		record.RunID,
		record.FlowRunID,
		record.FlowID,
		output,
		record.ProducedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cache record: %w", err)
	}
	return nil
}

// Delete removes every record under hashID.
func (c *PostgresStorage) Delete(ctx context.Context, hashID string) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM dragonflow_cache WHERE hash_id = $1`, hashID); err != nil {
		return fmt.Errorf("delete cache records: %w", err)
	}
	return nil
}
