package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akl-rail-map/railmap/internal/dissolve"
	"github.com/akl-rail-map/railmap/internal/metrics"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres is a Cache shared by several map servers.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and ensures the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close closes the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Get implements Cache.
func (p *Postgres) Get(ctx context.Context, checksum string) (*Entry, error) {
	var (
		e               Entry
		runID           uuid.UUID
		strategy        string
		stats, features []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT run_id, checksum, strategy, stats, features, created_at
		FROM dissolve_runs
		WHERE checksum = $1
	`, checksum).Scan(&runID, &e.Checksum, &strategy, &stats, &features, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dissolve run: %w", err)
	}

	e.RunID = runID.String()
	e.Strategy = dissolve.Strategy(strategy)
	if err := decode(&e, stats, features); err != nil {
		return nil, err
	}
	return &e, nil
}

// Put implements Cache.
func (p *Postgres) Put(ctx context.Context, e *Entry) error {
	if e.RunID == "" {
		e.RunID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	runID, err := uuid.Parse(e.RunID)
	if err != nil {
		return fmt.Errorf("failed to parse run id: %w", err)
	}
	enc, err := encode(e)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO dissolve_runs (checksum, run_id, strategy, stats, features, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (checksum) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			strategy = EXCLUDED.strategy,
			stats = EXCLUDED.stats,
			features = EXCLUDED.features,
			created_at = EXCLUDED.created_at
	`, e.Checksum, runID, string(e.Strategy), string(enc.stats), string(enc.features), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save dissolve run: %w", err)
	}
	return nil
}

// LoadDwell implements metrics.Store.
func (p *Postgres) LoadDwell(ctx context.Context) ([]metrics.RouteDwell, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT dataset, route_key, count, mean_seconds, stddev_seconds
		FROM route_dwell
		ORDER BY dataset, route_key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dwell stats: %w", err)
	}
	defer rows.Close()

	var out []metrics.RouteDwell
	for rows.Next() {
		var r metrics.RouteDwell
		if err := rows.Scan(&r.Dataset, &r.RouteKey, &r.Count, &r.MeanSeconds, &r.StdDevSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan dwell stats: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveDwell implements metrics.Store.
func (p *Postgres) SaveDwell(ctx context.Context, dwell []metrics.RouteDwell) error {
	batch := &pgx.Batch{}
	for _, r := range dwell {
		batch.Queue(`
			INSERT INTO route_dwell (dataset, route_key, count, mean_seconds, stddev_seconds, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (dataset, route_key) DO UPDATE SET
				count = EXCLUDED.count,
				mean_seconds = EXCLUDED.mean_seconds,
				stddev_seconds = EXCLUDED.stddev_seconds,
				updated_at = NOW()
		`, r.Dataset, r.RouteKey, r.Count, r.MeanSeconds, r.StdDevSeconds)
	}

	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save dwell stats: %w", err)
	}
	return nil
}
