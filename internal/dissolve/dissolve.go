package dissolve

import (
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const (
	// DefaultKeyProperty is the route attribute of the Auckland rail service layer.
	DefaultKeyProperty = "ROUTENUMBER"

	// ObjectIDProperty carries the synthetic per-run id of a dissolved route.
	ObjectIDProperty = "OBJECTID"

	// DefaultBufferMeters is the lateral distance used by the buffer strategy.
	DefaultBufferMeters = 10
)

// Strategy selects how the fragments of one route are combined.
type Strategy string

const (
	// StrategyCombine joins fragments whose endpoints touch and keeps the rest as parts.
	StrategyCombine Strategy = "combine"

	// StrategyBuffer buffers every fragment, unions the buffers and re-extracts
	// the boundary. Bridges small gaps but yields both sides of the corridor.
	StrategyBuffer Strategy = "buffer"
)

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyCombine:
		return StrategyCombine, nil
	case StrategyBuffer:
		return StrategyBuffer, nil
	default:
		return "", fmt.Errorf("unknown dissolve strategy %q", s)
	}
}

// Options controls a dissolve run.
type Options struct {
	// KeyProperty is the attribute the route key is read from and written back to.
	KeyProperty string
	Strategy    Strategy

	// SnapMeters treats endpoints closer than this as touching. Zero means exact.
	SnapMeters float64

	BufferMeters float64

	// SimplifyTolerance (degrees) applies Douglas-Peucker to buffer boundaries.
	SimplifyTolerance float64
}

// DefaultOptions returns the options used for the Auckland rail layer.
func DefaultOptions() Options {
	return Options{
		KeyProperty:  DefaultKeyProperty,
		Strategy:     StrategyCombine,
		BufferMeters: DefaultBufferMeters,
	}
}

// Stats summarises one dissolve run.
type Stats struct {
	Features  int `json:"features"`
	Routes    int `json:"routes"`
	Skipped   int `json:"skipped"`
	Connected int `json:"connected"`
	MultiPart int `json:"multi_part"`
}

// KeyFunc extracts the route key of a raw feature. An empty key excludes the feature.
type KeyFunc func(*geojson.Feature) string

// PropertyKey reads the route key from a named attribute.
func PropertyKey(name string) KeyFunc {
	return func(f *geojson.Feature) string {
		if f == nil || f.Properties == nil {
			return ""
		}
		v, ok := f.Properties[name]
		if !ok || v == nil {
			return ""
		}
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

type routeGroup struct {
	key      string
	features []*geojson.Feature
}

// groupByKey groups features by route key in first-seen key order.
func groupByKey(features []*geojson.Feature, key KeyFunc) ([]*routeGroup, int) {
	var groups []*routeGroup
	index := make(map[string]*routeGroup)
	skipped := 0

	for _, f := range features {
		if f == nil {
			skipped++
			continue
		}
		k := key(f)
		if k == "" {
			skipped++
			continue
		}
		g, ok := index[k]
		if !ok {
			g = &routeGroup{key: k}
			index[k] = g
			groups = append(groups, g)
		}
		g.features = append(g.features, f)
	}

	return groups, skipped
}

// Dissolve merges raw line fragments into one feature per route key using
// the key attribute named in opts.
func Dissolve(features []*geojson.Feature, opts Options) (*geojson.FeatureCollection, Stats) {
	if opts.KeyProperty == "" {
		opts.KeyProperty = DefaultKeyProperty
	}
	return DissolveBy(features, PropertyKey(opts.KeyProperty), opts)
}

// DissolveBy is Dissolve with a caller supplied route key accessor. ObjectIds
// are assigned from 1 in first-seen key order; the same ordered input always
// yields the same output.
func DissolveBy(features []*geojson.Feature, key KeyFunc, opts Options) (*geojson.FeatureCollection, Stats) {
	if opts.KeyProperty == "" {
		opts.KeyProperty = DefaultKeyProperty
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyCombine
	}

	stats := Stats{Features: len(features)}
	groups, skipped := groupByKey(features, key)
	stats.Skipped += skipped

	fc := geojson.NewFeatureCollection()
	objectID := 1

	for _, g := range groups {
		var (
			geom orb.Geometry
			bad  int
		)
		switch opts.Strategy {
		case StrategyBuffer:
			geom, bad = bufferGroup(g.features, opts)
		default:
			geom, bad = combineGroup(g.features, opts.SnapMeters)
		}
		stats.Skipped += bad

		if geom == nil {
			log.Printf("Warning: Dissolve: route %s has no usable geometry (%d fragments), skipping", g.key, len(g.features))
			continue
		}

		switch geom.(type) {
		case orb.LineString:
			stats.Connected++
		default:
			stats.MultiPart++
		}

		props := mergeProperties(g.features)
		props[opts.KeyProperty] = g.key
		props[ObjectIDProperty] = objectID

		out := geojson.NewFeature(geom)
		out.ID = objectID
		out.Properties = props
		fc.Append(out)

		objectID++
	}

	stats.Routes = len(fc.Features)
	return fc, stats
}

// mergeProperties keeps every attribute seen in the group; the first
// fragment to carry a key wins.
func mergeProperties(features []*geojson.Feature) geojson.Properties {
	props := geojson.Properties{}
	for _, f := range features {
		for k, v := range f.Properties {
			if _, ok := props[k]; !ok {
				props[k] = v
			}
		}
	}
	return props
}

// combineGroup joins the group's fragments. A single well-formed fragment is
// returned as is.
func combineGroup(features []*geojson.Feature, snapMeters float64) (orb.Geometry, int) {
	if len(features) == 1 {
		if g := features[0].Geometry; isWellFormed(g) {
			return orb.Clone(g), 0
		}
	}

	lines, bad := collectLines(features)
	if len(lines) == 0 {
		return nil, bad
	}
	return asGeometry(mergeLines(lines, snapMeters)), bad
}

// collectLines flattens the line parts of every fragment, dropping
// fragments that carry no usable line.
func collectLines(features []*geojson.Feature) ([]orb.LineString, int) {
	var lines []orb.LineString
	bad := 0

	for _, f := range features {
		parts := validParts(f.Geometry)
		if len(parts) == 0 {
			bad++
			continue
		}
		lines = append(lines, parts...)
	}

	return lines, bad
}

func asGeometry(chains []orb.LineString) orb.Geometry {
	switch len(chains) {
	case 0:
		return nil
	case 1:
		return chains[0]
	default:
		return orb.MultiLineString(chains)
	}
}

// lineParts returns every line part of g, well formed or not.
func lineParts(g orb.Geometry) []orb.LineString {
	switch t := g.(type) {
	case orb.LineString:
		return []orb.LineString{t}
	case orb.MultiLineString:
		return []orb.LineString(t)
	case orb.Collection:
		var parts []orb.LineString
		for _, c := range t {
			parts = append(parts, lineParts(c)...)
		}
		return parts
	default:
		return nil
	}
}

func validParts(g orb.Geometry) []orb.LineString {
	var parts []orb.LineString
	for _, ls := range lineParts(g) {
		if isValidLine(ls) {
			parts = append(parts, ls.Clone())
		}
	}
	return parts
}

func isWellFormed(g orb.Geometry) bool {
	parts := lineParts(g)
	if len(parts) == 0 {
		return false
	}
	for _, ls := range parts {
		if !isValidLine(ls) {
			return false
		}
	}
	return true
}

// isValidLine reports whether ls has finite coordinates and at least two
// distinct points.
func isValidLine(ls orb.LineString) bool {
	if len(ls) < 2 {
		return false
	}
	distinct := false
	for _, p := range ls {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			return false
		}
		if p != ls[0] {
			distinct = true
		}
	}
	return distinct
}
