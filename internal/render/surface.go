package render

import (
	"errors"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/akl-rail-map/railmap/internal/animate"
)

var (
	// ErrLayerExists is returned when adding a layer id twice.
	ErrLayerExists = errors.New("layer already exists")
	// ErrLayerMissing is returned for operations on an unknown layer.
	ErrLayerMissing = errors.New("layer does not exist")
	// ErrSourceMissing is returned when a layer references an unknown source.
	ErrSourceMissing = errors.New("source does not exist")
)

// LayerType is the MapLibre layer type.
type LayerType string

const (
	LineLayer   LayerType = "line"
	CircleLayer LayerType = "circle"
	SymbolLayer LayerType = "symbol"
)

// Layer describes a styled layer over a source.
type Layer struct {
	ID     string         `json:"id"`
	Type   LayerType      `json:"type"`
	Source string         `json:"source"`
	Paint  map[string]any `json:"paint,omitempty"`
	Layout map[string]any `json:"layout,omitempty"`
	Filter Filter         `json:"-"`
}

// EventType is a pointer event name.
type EventType string

const (
	MouseMove  EventType = "mousemove"
	MouseEnter EventType = "mouseenter"
	MouseLeave EventType = "mouseleave"
	MouseClick EventType = "click"
)

// PointerEvent is delivered to layer subscribers. Point is in container
// pixels; Features are the layer's features under the pointer.
type PointerEvent struct {
	Type     EventType
	Layer    string
	Point    orb.Point
	LngLat   orb.Point
	Features []*geojson.Feature
}

// Handler receives pointer events.
type Handler func(PointerEvent)

// Subscription is a registered handler.
type Subscription interface {
	Unsubscribe()
}

// Surface is the map renderer the interaction layer drives.
type Surface interface {
	// SetSource adds or replaces a GeoJSON source.
	SetSource(id string, fc *geojson.FeatureCollection) error
	// AddLayer adds a layer below beforeID, or on top when beforeID is empty.
	AddLayer(layer Layer, beforeID string) error
	SetPaintProperty(layerID, name string, value any) error
	SetLayoutProperty(layerID, name string, value any) error
	// SetFilter sets or, with nil, clears a layer filter.
	SetFilter(layerID string, f Filter) error
	// QueryFeatures hit-tests one layer at a container pixel.
	QueryFeatures(point orb.Point, layerID string) ([]*geojson.Feature, error)
	On(event EventType, layerID string, h Handler) Subscription
	// Scheduler runs per-frame callbacks.
	Scheduler() animate.Scheduler
	// ContainerOrigin is the page position of the map container.
	ContainerOrigin() orb.Point
}
