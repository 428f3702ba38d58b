package metrics

import (
	"cmp"
	"context"
	"log"
	"slices"
	"sync"
	"time"
)

// RouteDwell summarizes how long pointers stay on a route's highlight.
type RouteDwell struct {
	Dataset       string  `json:"dataset"`
	RouteKey      string  `json:"route"`
	Count         int     `json:"count"`
	MeanSeconds   float64 `json:"meanSeconds"`
	StdDevSeconds float64 `json:"stdDevSeconds"`
}

// Store persists dwell summaries between runs.
type Store interface {
	LoadDwell(ctx context.Context) ([]RouteDwell, error)
	SaveDwell(ctx context.Context, rows []RouteDwell) error
}

type dwellKey struct {
	dataset string
	route   string
}

// Dwell accumulates highlight dwell times per dataset and route. It is safe
// for concurrent use by many sessions.
type Dwell struct {
	mu    sync.Mutex
	stats map[dwellKey]*Welford
}

// NewDwell creates an empty tracker.
func NewDwell() *Dwell {
	return &Dwell{stats: make(map[dwellKey]*Welford)}
}

// Observe records one highlight lasting d.
func (t *Dwell) Observe(dataset, route string, d time.Duration) {
	if route == "" || d < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	k := dwellKey{dataset, route}
	w, ok := t.stats[k]
	if !ok {
		w = &Welford{}
		t.stats[k] = w
	}
	w.Update(d.Seconds())
}

// Snapshot returns the summaries sorted by dataset then route.
func (t *Dwell) Snapshot() []RouteDwell {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows := make([]RouteDwell, 0, len(t.stats))
	for k, w := range t.stats {
		rows = append(rows, RouteDwell{
			Dataset:       k.dataset,
			RouteKey:      k.route,
			Count:         w.Count,
			MeanSeconds:   w.Mean,
			StdDevSeconds: w.StdDev(),
		})
	}
	slices.SortFunc(rows, func(a, b RouteDwell) int {
		return cmp.Or(cmp.Compare(a.Dataset, b.Dataset), cmp.Compare(a.RouteKey, b.RouteKey))
	})
	return rows
}

// Restore seeds the tracker from saved summaries, replacing existing routes.
func (t *Dwell) Restore(rows []RouteDwell) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range rows {
		w := Resume(r.MeanSeconds, r.StdDevSeconds, r.Count)
		t.stats[dwellKey{r.Dataset, r.RouteKey}] = &w
	}
}

// Load restores saved summaries from store.
func (t *Dwell) Load(ctx context.Context, store Store) error {
	rows, err := store.LoadDwell(ctx)
	if err != nil {
		return err
	}
	t.Restore(rows)
	log.Printf("Metrics: restored dwell stats for %d routes", len(rows))
	return nil
}

// Flush writes the current summaries to store.
func (t *Dwell) Flush(ctx context.Context, store Store) error {
	rows := t.Snapshot()
	if len(rows) == 0 {
		return nil
	}
	return store.SaveDwell(ctx, rows)
}
