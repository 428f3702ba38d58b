// Package store caches dissolve results and hover dwell statistics in
// SQLite or Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/akl-rail-map/railmap/internal/dissolve"
	"github.com/akl-rail-map/railmap/internal/metrics"
)

// ErrNotFound is returned by Get on a cache miss.
var ErrNotFound = errors.New("cache entry not found")

// Entry is one cached dissolve run.
type Entry struct {
	RunID     string
	Checksum  string
	Strategy  dissolve.Strategy
	Stats     dissolve.Stats
	Features  *geojson.FeatureCollection
	CreatedAt time.Time
}

// Cache stores dissolve output keyed by input checksum.
type Cache interface {
	Get(ctx context.Context, checksum string) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
	Close()
	metrics.Store
}

// Key derives the cache key of an input checksum under dissolve options,
// so the same lines dissolved differently never share an entry.
func Key(inputChecksum string, opts dissolve.Options) string {
	return fmt.Sprintf("%s:%s:%s:%g:%g:%g", inputChecksum, opts.KeyProperty, opts.Strategy,
		opts.SnapMeters, opts.BufferMeters, opts.SimplifyTolerance)
}

type encoded struct {
	stats    []byte
	features []byte
}

func encode(e *Entry) (encoded, error) {
	stats, err := json.Marshal(e.Stats)
	if err != nil {
		return encoded{}, fmt.Errorf("failed to encode stats: %w", err)
	}
	features, err := json.Marshal(e.Features)
	if err != nil {
		return encoded{}, fmt.Errorf("failed to encode features: %w", err)
	}
	return encoded{stats: stats, features: features}, nil
}

func decode(e *Entry, stats, features []byte) error {
	if err := json.Unmarshal(stats, &e.Stats); err != nil {
		return fmt.Errorf("failed to decode stats: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(features)
	if err != nil {
		return fmt.Errorf("failed to decode features: %w", err)
	}
	e.Features = fc
	return nil
}
