package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/akl-rail-map/railmap/internal/dissolve"
	"github.com/akl-rail-map/railmap/internal/metrics"
)

//go:embed schema.sql
var sqliteSchema string

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite is a Cache backed by a local SQLite file.
type SQLite struct {
	conn    *sql.DB
	writeMu sync.Mutex // Serializes writes; SQLite allows one writer at a time
}

// OpenSQLite opens dbPath in WAL mode and ensures the schema.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLite, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			log.Printf("Warning: failed to set %s: %v", pragma, err)
		}
	}

	s := &SQLite{conn: conn}
	if err := s.ensureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	log.Printf("Connected to SQLite cache: %s", dbPath)
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() {
	if err := s.conn.Close(); err != nil {
		log.Printf("Warning: failed to close SQLite cache: %v", err)
	}
}

// Get implements Cache.
func (s *SQLite) Get(ctx context.Context, checksum string) (*Entry, error) {
	var (
		e                 Entry
		strategy, created string
		stats, features   []byte
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT run_id, checksum, strategy, stats, features, created_at
		FROM dissolve_runs
		WHERE checksum = ?
	`, checksum).Scan(&e.RunID, &e.Checksum, &strategy, &stats, &features, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dissolve run: %w", err)
	}

	e.Strategy = dissolve.Strategy(strategy)
	if e.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if err := decode(&e, stats, features); err != nil {
		return nil, err
	}
	return &e, nil
}

// Put implements Cache. An empty RunID or CreatedAt is filled in.
func (s *SQLite) Put(ctx context.Context, e *Entry) error {
	if e.RunID == "" {
		e.RunID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	enc, err := encode(e)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO dissolve_runs (checksum, run_id, strategy, stats, features, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(checksum) DO UPDATE SET
			run_id = excluded.run_id,
			strategy = excluded.strategy,
			stats = excluded.stats,
			features = excluded.features,
			created_at = excluded.created_at
	`, e.Checksum, e.RunID, string(e.Strategy), string(enc.stats), string(enc.features),
		e.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to save dissolve run: %w", err)
	}
	return nil
}

// Prune deletes dissolve runs older than retention.
func (s *SQLite) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(timeLayout)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.conn.ExecContext(ctx, `DELETE FROM dissolve_runs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune dissolve runs: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		log.Printf("Cleanup: deleted %d dissolve runs older than %s", rows, retention)
	}
	return int(rows), nil
}

// LoadDwell implements metrics.Store.
func (s *SQLite) LoadDwell(ctx context.Context) ([]metrics.RouteDwell, error) {
	rows, err := s.conn.QueryContext(ctx, `
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
func (s *SQLite) SaveDwell(ctx context.Context, dwell []metrics.RouteDwell) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO route_dwell (dataset, route_key, count, mean_seconds, stddev_seconds, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(dataset, route_key) DO UPDATE SET
			count = excluded.count,
			mean_seconds = excluded.mean_seconds,
			stddev_seconds = excluded.stddev_seconds,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(timeLayout)
	for _, r := range dwell {
		if _, err := stmt.ExecContext(ctx, r.Dataset, r.RouteKey, r.Count, r.MeanSeconds, r.StdDevSeconds, now); err != nil {
			return fmt.Errorf("failed to save dwell for %s/%s: %w", r.Dataset, r.RouteKey, err)
		}
	}

	return tx.Commit()
}
