package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/akl-rail-map/railmap/internal/dissolve"
	"github.com/akl-rail-map/railmap/internal/source"
	"github.com/akl-rail-map/railmap/internal/store"
	"github.com/akl-rail-map/railmap/internal/visibility"
)

// Dataset is one dissolved route collection ready for sessions.
type Dataset struct {
	Name     visibility.Dataset
	Source   string
	RunID    string
	Checksum string
	Stats    dissolve.Stats
	Cached   bool
	LoadedAt time.Time
	Features *geojson.FeatureCollection
}

// Sources names where each collection is read from. Empty locations are skipped.
type Sources struct {
	Datasets     map[visibility.Dataset]string
	Stations     string
	StationLabel string
}

// Catalog holds the loaded datasets and stations. Sessions receive clones
// because attaching a collection takes ownership of its features.
type Catalog struct {
	mu       sync.RWMutex
	datasets map[visibility.Dataset]*Dataset
	stations *geojson.FeatureCollection
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{datasets: make(map[visibility.Dataset]*Dataset)}
}

// Put adds or replaces a dataset.
func (c *Catalog) Put(d *Dataset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datasets[d.Name] = d
}

// SetStations replaces the station collection.
func (c *Catalog) SetStations(fc *geojson.FeatureCollection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stations = fc
}

// Dataset returns a loaded dataset.
func (c *Catalog) Dataset(name visibility.Dataset) (*Dataset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.datasets[name]
	return d, ok
}

// Stations returns the station collection, or nil if none was loaded.
func (c *Catalog) Stations() *geojson.FeatureCollection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stations
}

// Loaded lists the dataset names in display order.
func (c *Catalog) Loaded() []visibility.Dataset {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []visibility.Dataset
	for _, d := range visibility.Datasets() {
		if _, ok := c.datasets[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Load fetches every configured source concurrently. A failed dataset is
// logged and left out; an error is returned only when nothing loaded.
func (c *Catalog) Load(ctx context.Context, src Sources, cache store.Cache, opts dissolve.Options) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for name, location := range src.Datasets {
		if location == "" {
			continue
		}
		wg.Add(1)
		go func(name visibility.Dataset, location string) {
			defer wg.Done()

			d, err := LoadDataset(ctx, name, location, cache, opts)
			if err != nil {
				log.Printf("Warning: failed to load %s dataset: %v", name, err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			c.Put(d)
		}(name, location)
	}

	if src.Stations != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			fc, err := source.LoadStations(ctx, src.Stations, src.StationLabel)
			if err != nil {
				log.Printf("Warning: failed to load stations: %v", err)
				return
			}
			c.SetStations(fc)
			log.Printf("Loaded %d stations from %s", len(fc.Features), src.Stations)
		}()
	}

	wg.Wait()

	if len(c.Loaded()) == 0 {
		if len(errs) == 0 {
			return errors.New("no dataset sources configured")
		}
		return fmt.Errorf("failed to load any dataset: %w", errors.Join(errs...))
	}
	return nil
}

// LoadDataset reads and dissolves one dataset. The dissolve result is
// cached by input checksum so a restart reproduces the same object ids.
// The alternate dataset is served as fetched: it is neither dissolved nor
// cached, and sessions number its features in source order.
func LoadDataset(ctx context.Context, name visibility.Dataset, location string, cache store.Cache, opts dissolve.Options) (*Dataset, error) {
	raw, err := source.LoadLines(ctx, location)
	if err != nil {
		return nil, err
	}
	checksum, err := source.Checksum(raw)
	if err != nil {
		return nil, err
	}

	d := &Dataset{Name: name, Source: location, Checksum: checksum, LoadedAt: time.Now().UTC()}

	if name == visibility.Alternate {
		d.Stats, d.Features = fetchedStats(raw, opts.KeyProperty), raw
		log.Printf("Loaded %s dataset as fetched (%d features, %d routes)", name, d.Stats.Features, d.Stats.Routes)
		return d, nil
	}

	key := store.Key(checksum, opts)

	if cache != nil {
		entry, err := cache.Get(ctx, key)
		switch {
		case err == nil:
			d.RunID, d.Stats, d.Features, d.Cached = entry.RunID, entry.Stats, entry.Features, true
			log.Printf("Loaded %s dataset from cache (run %s, %d routes)", name, entry.RunID, len(entry.Features.Features))
			return d, nil
		case !errors.Is(err, store.ErrNotFound):
			log.Printf("Warning: cache lookup for %s failed: %v", name, err)
		}
	}

	start := time.Now()
	fc, stats := dissolve.Dissolve(raw.Features, opts)
	d.Stats, d.Features = stats, fc
	log.Printf("Dissolve: %s %d fragments -> %d routes (%d connected, %d multi-part, %d skipped) in %v",
		name, stats.Features, stats.Routes, stats.Connected, stats.MultiPart, stats.Skipped, time.Since(start))

	if cache != nil {
		entry := &store.Entry{Checksum: key, Strategy: opts.Strategy, Stats: stats, Features: fc}
		if err := cache.Put(ctx, entry); err != nil {
			log.Printf("Warning: failed to cache %s dissolve: %v", name, err)
		} else {
			d.RunID = entry.RunID
		}
	}
	return d, nil
}

// fetchedStats counts the features and distinct route keys of an
// undissolved collection. Features without a key or geometry are skipped.
func fetchedStats(fc *geojson.FeatureCollection, keyProperty string) dissolve.Stats {
	key := dissolve.PropertyKey(keyProperty)
	if keyProperty == "" {
		key = dissolve.PropertyKey(dissolve.DefaultKeyProperty)
	}
	stats := dissolve.Stats{Features: len(fc.Features)}
	seen := make(map[string]bool)
	for _, f := range fc.Features {
		k := key(f)
		if f == nil || f.Geometry == nil || k == "" {
			stats.Skipped++
			continue
		}
		if !seen[k] {
			seen[k] = true
			stats.Routes++
		}
	}
	return stats
}

// cloneCollection deep-copies features so each session can own its copy.
func cloneCollection(fc *geojson.FeatureCollection) *geojson.FeatureCollection {
	if fc == nil {
		return nil
	}
	out := geojson.NewFeatureCollection()
	for _, f := range fc.Features {
		c := geojson.NewFeature(orb.Clone(f.Geometry))
		c.ID = f.ID
		c.Properties = f.Properties.Clone()
		if f.BBox != nil {
			c.BBox = append(geojson.BBox(nil), f.BBox...)
		}
		out.Append(c)
	}
	return out
}
