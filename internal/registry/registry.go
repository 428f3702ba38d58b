package registry

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"

	"github.com/akl-rail-map/railmap/internal/dissolve"
)

// ObjectID addresses one rendered route line within a dataset.
type ObjectID int

// None is the id of no feature. Highlight filters match it to hide everything.
const None ObjectID = -1

// Entry is one registered route feature.
type Entry struct {
	ID       ObjectID
	RouteKey string
	Feature  *geojson.Feature
}

// Registry tracks the ObjectID to route key mapping of one dataset.
type Registry struct {
	keyProperty string
	entries     map[ObjectID]*Entry
	order       []ObjectID
	byRoute     map[string][]ObjectID
	next        ObjectID
}

// New creates an empty registry reading route keys from keyProperty.
func New(keyProperty string) *Registry {
	if keyProperty == "" {
		keyProperty = dissolve.DefaultKeyProperty
	}
	return &Registry{
		keyProperty: keyProperty,
		entries:     make(map[ObjectID]*Entry),
		byRoute:     make(map[string][]ObjectID),
		next:        1,
	}
}

// Register adds every feature of fc. Features that already carry a unique
// positive OBJECTID keep it; the rest are tagged with a fresh id, in order.
// Every registered feature leaves with an int OBJECTID and a trimmed route
// key so layer filters see the same values as lookups. The registry takes ownership of the features. It
// returns how many ids were assigned.
func (r *Registry) Register(fc *geojson.FeatureCollection) int {
	if fc == nil {
		return 0
	}

	// Reserve existing ids first so fresh ones never collide with a later feature.
	for _, f := range fc.Features {
		if id, ok := ObjectIDOf(f); ok && id >= r.next {
			r.next = id + 1
		}
	}

	assigned := 0
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		if f.Properties == nil {
			f.Properties = geojson.Properties{}
		}

		id, ok := ObjectIDOf(f)
		if _, taken := r.entries[id]; !ok || taken {
			id = r.next
			r.next++
			assigned++
		}
		f.Properties[dissolve.ObjectIDProperty] = int(id)
		f.ID = int(id)

		key := dissolve.PropertyKey(r.keyProperty)(f)
		if raw, ok := f.Properties[r.keyProperty].(string); ok && raw != key {
			f.Properties[r.keyProperty] = key
		}
		r.entries[id] = &Entry{ID: id, RouteKey: key, Feature: f}
		r.order = append(r.order, id)
		r.byRoute[key] = append(r.byRoute[key], id)
	}

	return assigned
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id ObjectID) (*Entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// RouteKey returns the route key of id.
func (r *Registry) RouteKey(id ObjectID) (string, bool) {
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.RouteKey, true
}

// IDs returns every registered id in registration order.
func (r *Registry) IDs() []ObjectID {
	out := make([]ObjectID, len(r.order))
	copy(out, r.order)
	return out
}

// IDsForRoute returns the ids registered under a route key.
func (r *Registry) IDsForRoute(key string) []ObjectID {
	ids := r.byRoute[key]
	out := make([]ObjectID, len(ids))
	copy(out, ids)
	return out
}

// Len returns the number of registered features.
func (r *Registry) Len() int {
	return len(r.order)
}

// KeyProperty is the attribute route keys are read from.
func (r *Registry) KeyProperty() string {
	return r.keyProperty
}

// Collection returns the registered features as a collection, in order.
func (r *Registry) Collection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, id := range r.order {
		fc.Append(r.entries[id].Feature)
	}
	return fc
}

// ObjectIDOf reads the OBJECTID attribute of f. Ids decoded from JSON arrive
// as float64 or strings and are accepted when they are positive integers.
func ObjectIDOf(f *geojson.Feature) (ObjectID, bool) {
	if f == nil || f.Properties == nil {
		return 0, false
	}
	var n int64
	switch v := f.Properties[dissolve.ObjectIDProperty].(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		n = int64(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		n = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		n = i
	default:
		return 0, false
	}
	if n <= 0 {
		return 0, false
	}
	return ObjectID(n), true
}
