package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forecastra/abrouter/internal/api"
)

// PostgresStore persists experiments as JSONB rows keyed by experiment id.
//
// Schema:
//
//	CREATE TABLE experiments (
//	  experiment_id VARCHAR(255) PRIMARY KEY,
//	  definition JSONB NOT NULL,
//	  updated_at TIMESTAMP DEFAULT NOW()
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed experiment store.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) LoadAll(ctx context.Context) (map[string]*api.Experiment, error) {
	rows, err := p.pool.Query(ctx, `SELECT experiment_id, definition FROM experiments`)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*api.Experiment)
	for rows.Next() {
		var id string
		var definition []byte
		if err := rows.Scan(&id, &definition); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}

		var exp api.Experiment
		if err := json.Unmarshal(definition, &exp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal experiment %s: %w", id, err)
		}
		out[id] = &exp
	}

	return out, rows.Err()
}

func (p *PostgresStore) SaveAll(ctx context.Context, experiments map[string]*api.Experiment) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// Full-registry replace: upsert current rows, delete the rest.
	if _, err := tx.Exec(ctx, `DELETE FROM experiments`); err != nil {
		return fmt.Errorf("postgres delete failed: %w", err)
	}

	for id, exp := range experiments {
		definition, err := json.Marshal(exp)
		if err != nil {
			return fmt.Errorf("failed to marshal experiment %s: %w", id, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO experiments (experiment_id, definition, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (experiment_id)
			DO UPDATE SET definition = EXCLUDED.definition, updated_at = NOW()
		`, id, definition)
		if err != nil {
			return fmt.Errorf("postgres insert failed for %s: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres commit failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
