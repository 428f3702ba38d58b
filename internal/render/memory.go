package render

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"

	"github.com/akl-rail-map/railmap/internal/animate"
)

// Camera positions the map. Center is lng/lat, Width and Height are the
// container size in pixels.
type Camera struct {
	Center orb.Point `json:"center"`
	Zoom   float64   `json:"zoom"`
	Width  float64   `json:"width"`
	Height float64   `json:"height"`
}

// DefaultCamera frames the Auckland network.
func DefaultCamera() Camera {
	return Camera{Center: orb.Point{174.7633, -36.8485}, Zoom: 11, Width: 1024, Height: 768}
}

// scale returns pixels per Web Mercator meter.
func (c Camera) scale() float64 {
	return 256 * math.Pow(2, c.Zoom) / (2 * math.Pi * orb.EarthRadius)
}

// Project converts lng/lat to container pixels.
func (c Camera) Project(p orb.Point) orb.Point {
	m := project.WGS84.ToMercator(p)
	center := project.WGS84.ToMercator(c.Center)
	s := c.scale()
	return orb.Point{
		c.Width/2 + (m[0]-center[0])*s,
		c.Height/2 - (m[1]-center[1])*s,
	}
}

// Unproject converts container pixels to lng/lat.
func (c Camera) Unproject(px orb.Point) orb.Point {
	return project.Mercator.ToWGS84(c.mercator(px))
}

func (c Camera) mercator(px orb.Point) orb.Point {
	center := project.WGS84.ToMercator(c.Center)
	s := c.scale()
	return orb.Point{
		center[0] + (px[0]-c.Width/2)/s,
		center[1] - (px[1]-c.Height/2)/s,
	}
}

type memorySource struct {
	fc        *geojson.FeatureCollection
	projected []orb.Geometry
}

type memoryLayer struct {
	Layer
	inside bool
}

type subscription struct {
	m     *Memory
	id    uint64
	event EventType
	layer string
	h     Handler
}

func (s *subscription) Unsubscribe() {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.subs, s.id)
}

// Memory is an in-process Surface. It keeps layer state, hit-tests against a
// Web Mercator camera and dispatches synthetic pointer events.
type Memory struct {
	mu      sync.Mutex
	sources map[string]*memorySource
	layers  []*memoryLayer
	subs    map[uint64]*subscription
	nextSub uint64
	camera  Camera
	origin  orb.Point
	sched   animate.Scheduler
}

// MemoryOption configures a Memory surface.
type MemoryOption func(*Memory)

// WithScheduler replaces the default manual frame scheduler.
func WithScheduler(s animate.Scheduler) MemoryOption {
	return func(m *Memory) { m.sched = s }
}

// WithOrigin sets the container's page position.
func WithOrigin(p orb.Point) MemoryOption {
	return func(m *Memory) { m.origin = p }
}

// WithCamera sets the initial camera.
func WithCamera(c Camera) MemoryOption {
	return func(m *Memory) { m.camera = c }
}

// NewMemory creates an empty surface.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		sources: make(map[string]*memorySource),
		subs:    make(map[uint64]*subscription),
		camera:  DefaultCamera(),
		sched:   &animate.Frames{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetSource implements Surface.
func (m *Memory) SetSource(id string, fc *geojson.FeatureCollection) error {
	if fc == nil {
		return fmt.Errorf("source %s: nil feature collection", id)
	}
	src := &memorySource{fc: fc, projected: make([]orb.Geometry, len(fc.Features))}
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		src.projected[i] = project.Geometry(orb.Clone(f.Geometry), project.WGS84.ToMercator)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[id] = src
	return nil
}

// AddLayer implements Surface.
func (m *Memory) AddLayer(layer Layer, beforeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.layerIndex(layer.ID) >= 0 {
		return fmt.Errorf("add layer %s: %w", layer.ID, ErrLayerExists)
	}
	if _, ok := m.sources[layer.Source]; !ok {
		return fmt.Errorf("add layer %s: source %s: %w", layer.ID, layer.Source, ErrSourceMissing)
	}

	l := &memoryLayer{Layer: layer}
	l.Paint = cloneProps(layer.Paint)
	l.Layout = cloneProps(layer.Layout)

	if beforeID == "" {
		m.layers = append(m.layers, l)
		return nil
	}
	i := m.layerIndex(beforeID)
	if i < 0 {
		return fmt.Errorf("add layer %s before %s: %w", layer.ID, beforeID, ErrLayerMissing)
	}
	m.layers = slices.Insert(m.layers, i, l)
	return nil
}

// SetPaintProperty implements Surface.
func (m *Memory) SetPaintProperty(layerID, name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.layer(layerID)
	if err != nil {
		return err
	}
	l.Paint[name] = value
	return nil
}

// SetLayoutProperty implements Surface.
func (m *Memory) SetLayoutProperty(layerID, name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.layer(layerID)
	if err != nil {
		return err
	}
	l.Layout[name] = value
	return nil
}

// SetFilter implements Surface.
func (m *Memory) SetFilter(layerID string, f Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.layer(layerID)
	if err != nil {
		return err
	}
	l.Filter = f
	return nil
}

// QueryFeatures implements Surface.
func (m *Memory) QueryFeatures(point orb.Point, layerID string) ([]*geojson.Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.layer(layerID)
	if err != nil {
		return nil, err
	}
	return m.hits(l, point), nil
}

// On implements Surface.
func (m *Memory) On(event EventType, layerID string, h Handler) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSub++
	s := &subscription{m: m, id: m.nextSub, event: event, layer: layerID, h: h}
	m.subs[s.id] = s
	return s
}

// Scheduler implements Surface.
func (m *Memory) Scheduler() animate.Scheduler {
	return m.sched
}

// ContainerOrigin implements Surface.
func (m *Memory) ContainerOrigin() orb.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.origin
}

// Camera returns the current camera.
func (m *Memory) Camera() Camera {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.camera
}

// SetCamera moves the camera.
func (m *Memory) SetCamera(c Camera) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.camera = c
}

type dispatch struct {
	h  Handler
	ev PointerEvent
}

// PointerMove simulates the pointer moving to point. Layers gain
// mouseenter/mousemove while features are under the pointer and mouseleave
// when it moves off them.
func (m *Memory) PointerMove(point orb.Point) {
	m.mu.Lock()
	lngLat := m.camera.Unproject(point)
	var out []dispatch
	for _, l := range m.layers {
		if !m.hasSubscribers(l.ID, MouseMove, MouseEnter, MouseLeave) {
			continue
		}
		hits := m.hits(l, point)
		if len(hits) == 0 {
			if l.inside {
				l.inside = false
				out = m.collect(out, PointerEvent{Type: MouseLeave, Layer: l.ID, Point: point, LngLat: lngLat})
			}
			continue
		}
		if !l.inside {
			l.inside = true
			out = m.collect(out, PointerEvent{Type: MouseEnter, Layer: l.ID, Point: point, LngLat: lngLat, Features: hits})
		}
		out = m.collect(out, PointerEvent{Type: MouseMove, Layer: l.ID, Point: point, LngLat: lngLat, Features: hits})
	}
	m.mu.Unlock()

	run(out)
}

// PointerOut simulates the pointer leaving the map container.
func (m *Memory) PointerOut() {
	m.mu.Lock()
	var out []dispatch
	for _, l := range m.layers {
		if l.inside {
			l.inside = false
			out = m.collect(out, PointerEvent{Type: MouseLeave, Layer: l.ID})
		}
	}
	m.mu.Unlock()

	run(out)
}

// Click simulates a click at point on every layer with features under it.
func (m *Memory) Click(point orb.Point) {
	m.mu.Lock()
	lngLat := m.camera.Unproject(point)
	var out []dispatch
	for _, l := range m.layers {
		if !m.hasSubscribers(l.ID, MouseClick) {
			continue
		}
		if hits := m.hits(l, point); len(hits) > 0 {
			out = m.collect(out, PointerEvent{Type: MouseClick, Layer: l.ID, Point: point, LngLat: lngLat, Features: hits})
		}
	}
	m.mu.Unlock()

	run(out)
}

// LayerState is a serializable view of one layer.
type LayerState struct {
	ID     string         `json:"id"`
	Type   LayerType      `json:"type"`
	Source string         `json:"source"`
	Paint  map[string]any `json:"paint,omitempty"`
	Layout map[string]any `json:"layout,omitempty"`
	Filter []any          `json:"filter,omitempty"`
}

// Layers returns the layer stack bottom to top.
func (m *Memory) Layers() []LayerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LayerState, 0, len(m.layers))
	for _, l := range m.layers {
		out = append(out, LayerState{
			ID:     l.ID,
			Type:   l.Type,
			Source: l.Source,
			Paint:  cloneProps(l.Paint),
			Layout: cloneProps(l.Layout),
			Filter: ExpressionOf(l.Filter),
		})
	}
	return out
}

// LayerIDs returns layer ids bottom to top.
func (m *Memory) LayerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, len(m.layers))
	for i, l := range m.layers {
		ids[i] = l.ID
	}
	return ids
}

// Paint returns a layer's paint property.
func (m *Memory) Paint(layerID, name string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.layer(layerID)
	if err != nil {
		return nil, false
	}
	v, ok := l.Paint[name]
	return v, ok
}

// Layout returns a layer's layout property.
func (m *Memory) Layout(layerID, name string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.layer(layerID)
	if err != nil {
		return nil, false
	}
	v, ok := l.Layout[name]
	return v, ok
}

// FilterOf returns a layer's filter.
func (m *Memory) FilterOf(layerID string) (Filter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.layer(layerID)
	if err != nil {
		return nil, false
	}
	return l.Filter, true
}

// Subscribers returns the number of live handlers.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) layerIndex(id string) int {
	for i, l := range m.layers {
		if l.ID == id {
			return i
		}
	}
	return -1
}

func (m *Memory) layer(id string) (*memoryLayer, error) {
	i := m.layerIndex(id)
	if i < 0 {
		return nil, fmt.Errorf("layer %s: %w", id, ErrLayerMissing)
	}
	return m.layers[i], nil
}

// hits tests a layer at a pixel. The tolerance is half the rendered line
// width, or the circle radius, converted to Mercator meters.
func (m *Memory) hits(l *memoryLayer, point orb.Point) []*geojson.Feature {
	if v, ok := l.Layout["visibility"]; ok && v == "none" {
		return nil
	}
	src, ok := m.sources[l.Source]
	if !ok {
		return nil
	}

	var tolPx float64
	switch l.Type {
	case CircleLayer:
		tolPx = numberOr(l.Paint["circle-radius"], 5)
	default:
		tolPx = numberOr(l.Paint["line-width"], 1) / 2
	}
	tol := tolPx / m.camera.scale()
	at := m.camera.mercator(point)

	var out []*geojson.Feature
	for i, f := range src.fc.Features {
		g := src.projected[i]
		if g == nil {
			continue
		}
		if l.Filter != nil && !l.Filter.Match(f.Properties) {
			continue
		}
		if planar.DistanceFrom(g, at) <= tol {
			out = append(out, f)
		}
	}
	return out
}

func (m *Memory) hasSubscribers(layerID string, events ...EventType) bool {
	for _, s := range m.subs {
		if s.layer == layerID && slices.Contains(events, s.event) {
			return true
		}
	}
	return false
}

func (m *Memory) collect(out []dispatch, ev PointerEvent) []dispatch {
	ids := make([]uint64, 0, len(m.subs))
	for id, s := range m.subs {
		if s.layer == ev.Layer && s.event == ev.Type {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		out = append(out, dispatch{h: m.subs[id].h, ev: ev})
	}
	return out
}

func run(out []dispatch) {
	for _, d := range out {
		d.h(d.ev)
	}
}

func numberOr(v any, fallback float64) float64 {
	if f, ok := toFloat(v); ok {
		return f
	}
	return fallback
}

func cloneProps(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
