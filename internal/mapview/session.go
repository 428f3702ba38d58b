// Package mapview runs one interactive rail map over a render surface. A
// Session registers each dataset's layers, routes pointer events through the
// hover machine and applies the resulting effects and visibility toggles.
package mapview

import (
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/akl-rail-map/railmap/internal/animate"
	"github.com/akl-rail-map/railmap/internal/dissolve"
	"github.com/akl-rail-map/railmap/internal/hover"
	"github.com/akl-rail-map/railmap/internal/metrics"
	"github.com/akl-rail-map/railmap/internal/registry"
	"github.com/akl-rail-map/railmap/internal/render"
	"github.com/akl-rail-map/railmap/internal/style"
	"github.com/akl-rail-map/railmap/internal/visibility"
)

var (
	// ErrClosed is returned by a session after Close.
	ErrClosed = errors.New("session closed")
	// ErrDatasetAttached is returned when a dataset is attached twice.
	ErrDatasetAttached = errors.New("dataset already attached")
)

const (
	stationsSource      = "stations"
	stationsPointsLayer = "stations-points"
	stationsLabelsLayer = "stations-labels"
)

// SourceID is the GeoJSON source holding a dataset's routes.
func SourceID(d visibility.Dataset) string { return string(d) + "-routes" }

// LinesLayerID is a dataset's visible line layer.
func LinesLayerID(d visibility.Dataset) string { return string(d) + "-lines" }

// HitboxLayerID is a dataset's wide invisible hit-test layer.
func HitboxLayerID(d visibility.Dataset) string { return string(d) + "-hitbox" }

// HighlightLayerID is a dataset's breathing highlight layer.
func HighlightLayerID(d visibility.Dataset) string { return string(d) + "-highlight" }

// Config tunes a session.
type Config struct {
	KeyProperty      string
	LineWidth        float64
	HitboxWidth      float64
	HighlightOpacity float64
	Breathing        animate.Config
	TooltipOffset    orb.Point
	Styles           *style.Table
	Families         []visibility.Family
	HiddenFamilies   []string
	DefaultDataset   visibility.Dataset

	// Rand breaks ties between overlapping lines. Nil uses the global source.
	Rand *rand.Rand
	Now  func() time.Time

	// Dwell, if set, receives the duration of every highlight.
	Dwell *metrics.Dwell
}

// DefaultConfig returns the standard map look.
func DefaultConfig() Config {
	return Config{
		KeyProperty:      dissolve.DefaultKeyProperty,
		LineWidth:        3,
		HitboxWidth:      20,
		HighlightOpacity: 0.8,
		Breathing:        animate.DefaultConfig(),
		TooltipOffset:    hover.DefaultTooltipOffset,
		DefaultDataset:   visibility.Primary,
	}
}

// view is one attached dataset with its own ids, hover state and animator.
type view struct {
	dataset  visibility.Dataset
	registry *registry.Registry
	machine  *hover.Machine
	animator *animate.Animator
	state    hover.State
	subs     []render.Subscription
}

// Session is one map instance.
type Session struct {
	ID string

	surface  render.Surface
	cfg      Config
	styles   *style.Table
	controls *visibility.Controller
	chrome   Chrome
	recorder *Recorder

	// input serializes admitted pointer events with their delivery. It is
	// taken before mu and never while holding it.
	input sync.Mutex

	mu       sync.Mutex
	views    map[visibility.Dataset]*view
	stations bool
	lastSeq  uint64
	lastUsed time.Time
	closed   bool
}

// New creates a session over surface. Hidden families and the default
// dataset come from cfg.
func New(surface render.Surface, cfg Config, chrome Chrome) *Session {
	def := DefaultConfig()
	if cfg.KeyProperty == "" {
		cfg.KeyProperty = def.KeyProperty
	}
	if cfg.LineWidth <= 0 {
		cfg.LineWidth = def.LineWidth
	}
	if cfg.HitboxWidth <= 0 {
		cfg.HitboxWidth = def.HitboxWidth
	}
	if cfg.HighlightOpacity <= 0 {
		cfg.HighlightOpacity = def.HighlightOpacity
	}
	if cfg.Breathing.Period <= 0 {
		cfg.Breathing = def.Breathing
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	styles := cfg.Styles
	if styles == nil {
		styles = style.Default()
	}

	recorder := NewRecorder()
	if chrome.Tooltip == nil {
		chrome.Tooltip = recorder
	}
	if chrome.Popup == nil {
		chrome.Popup = recorder
	}
	if chrome.Cursor == nil {
		chrome.Cursor = recorder
	}

	controls := visibility.New(cfg.Families, cfg.DefaultDataset)
	for _, name := range cfg.HiddenFamilies {
		if _, err := controls.SetFamilyVisible(name, false); err != nil {
			log.Printf("Warning: ignoring hidden family: %v", err)
		}
	}

	return &Session{
		ID:       uuid.New().String(),
		surface:  surface,
		cfg:      cfg,
		styles:   styles,
		controls: controls,
		chrome:   chrome,
		recorder: recorder,
		views:    make(map[visibility.Dataset]*view),
		lastUsed: cfg.Now(),
	}
}

// Surface returns the session's render surface.
func (s *Session) Surface() render.Surface {
	return s.surface
}

// AttachDataset registers a dataset's source, line, hitbox and highlight
// layers, in that order, then subscribes to hitbox pointer events. Datasets
// may arrive in any order and from any goroutine.
func (s *Session) AttachDataset(d visibility.Dataset, fc *geojson.FeatureCollection) error {
	if fc == nil {
		return fmt.Errorf("failed to attach %s: nil feature collection", d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.views[d]; ok {
		return fmt.Errorf("failed to attach %s: %w", d, ErrDatasetAttached)
	}

	reg := registry.New(s.cfg.KeyProperty)
	if assigned := reg.Register(fc); assigned > 0 {
		log.Printf("Session %s: assigned %d object ids in %s", s.ID, assigned, d)
	}

	if err := s.surface.SetSource(SourceID(d), reg.Collection()); err != nil {
		return fmt.Errorf("failed to add source for %s: %w", d, err)
	}

	before := ""
	if s.stations {
		before = stationsPointsLayer
	}
	for _, layer := range s.datasetLayers(d) {
		if err := s.surface.AddLayer(layer, before); err != nil {
			return fmt.Errorf("failed to add layer %s: %w", layer.ID, err)
		}
	}

	highlight := HighlightLayerID(d)
	sink := func(width float64) {
		if err := s.surface.SetPaintProperty(highlight, "line-width", width); err != nil {
			log.Printf("Warning: Session %s: breathing %s: %v", s.ID, highlight, err)
		}
	}

	v := &view{
		dataset:  d,
		registry: reg,
		animator: animate.New(s.cfg.Breathing, s.surface.Scheduler(), sink),
		state:    hover.Initial(),
	}
	opts := []hover.Option{
		hover.WithEligibility(s.controls.RouteVisible),
		hover.WithTooltipOffset(s.cfg.TooltipOffset),
		hover.WithContainerOrigin(s.surface.ContainerOrigin),
		hover.WithClock(s.cfg.Now),
	}
	if s.cfg.Rand != nil {
		opts = append(opts, hover.WithRand(s.cfg.Rand))
	}
	v.machine = hover.NewMachine(reg, s.styles, opts...)

	hitbox := HitboxLayerID(d)
	v.subs = []render.Subscription{
		s.surface.On(render.MouseMove, hitbox, func(ev render.PointerEvent) {
			s.Dispatch(d, hover.PointerMove{Point: ev.Point, Candidates: objectIDs(ev.Features)})
		}),
		s.surface.On(render.MouseLeave, hitbox, func(render.PointerEvent) {
			s.Dispatch(d, hover.PointerLeave{})
		}),
		s.surface.On(render.MouseClick, hitbox, func(ev render.PointerEvent) {
			s.Dispatch(d, hover.Click{Point: ev.Point, LngLat: ev.LngLat, Candidates: objectIDs(ev.Features)})
		}),
	}

	s.views[d] = v
	log.Printf("Session %s: attached %s with %d routes", s.ID, d, reg.Len())
	return nil
}

func (s *Session) datasetLayers(d visibility.Dataset) []render.Layer {
	family := s.controls.Filter(s.cfg.KeyProperty)
	visible := s.controls.LayerVisibility(d)
	color := s.styles.ColorExpression(s.cfg.KeyProperty)

	lines := render.Layer{
		ID:     LinesLayerID(d),
		Type:   render.LineLayer,
		Source: SourceID(d),
		Paint:  map[string]any{"line-color": color, "line-width": s.cfg.LineWidth},
		Layout: map[string]any{"visibility": visible, "line-join": "round", "line-cap": "round"},
		Filter: family,
	}
	if offset := s.styles.OffsetExpression(s.cfg.KeyProperty); offset != nil {
		lines.Paint["line-offset"] = offset
	}

	hitbox := render.Layer{
		ID:     HitboxLayerID(d),
		Type:   render.LineLayer,
		Source: SourceID(d),
		Paint:  map[string]any{"line-color": "#000000", "line-width": s.cfg.HitboxWidth, "line-opacity": 0},
		Layout: map[string]any{"visibility": visible},
		Filter: family,
	}

	highlight := render.Layer{
		ID:     HighlightLayerID(d),
		Type:   render.LineLayer,
		Source: SourceID(d),
		Paint:  map[string]any{"line-color": color, "line-width": 0, "line-opacity": s.cfg.HighlightOpacity},
		Layout: map[string]any{"visibility": visible, "line-join": "round", "line-cap": "round"},
		Filter: s.highlightFilter(registry.None),
	}

	return []render.Layer{lines, hitbox, highlight}
}

// AttachStations adds the station points and labels above every dataset.
func (s *Session) AttachStations(fc *geojson.FeatureCollection) error {
	if fc == nil {
		return errors.New("failed to attach stations: nil feature collection")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.stations {
		return fmt.Errorf("failed to attach stations: %w", ErrDatasetAttached)
	}

	if err := s.surface.SetSource(stationsSource, fc); err != nil {
		return fmt.Errorf("failed to add stations source: %w", err)
	}
	layers := []render.Layer{
		{
			ID:     stationsPointsLayer,
			Type:   render.CircleLayer,
			Source: stationsSource,
			Paint: map[string]any{
				"circle-radius":       4,
				"circle-color":        "#ffffff",
				"circle-stroke-color": "#333333",
				"circle-stroke-width": 1.5,
			},
		},
		{
			ID:     stationsLabelsLayer,
			Type:   render.SymbolLayer,
			Source: stationsSource,
			Layout: map[string]any{
				"text-field":  []any{"get", "name"},
				"text-size":   11,
				"text-offset": []any{0, 1.2},
				"text-anchor": "top",
			},
			Paint: map[string]any{
				"text-color":      "#222222",
				"text-halo-color": "#ffffff",
				"text-halo-width": 1,
			},
		},
	}
	for _, layer := range layers {
		if err := s.surface.AddLayer(layer, ""); err != nil {
			return fmt.Errorf("failed to add layer %s: %w", layer.ID, err)
		}
	}

	s.stations = true
	return nil
}

// Admit accepts a client sequence number. Numbers must increase; a stale or
// repeated one is rejected so a late event cannot overwrite a newer
// selection. Zero is always admitted.
func (s *Session) Admit(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastUsed = s.cfg.Now()
	if seq == 0 {
		return true
	}
	if seq <= s.lastSeq {
		return false
	}
	s.lastSeq = seq
	return true
}

// Pointer admits seq and, when accepted, runs deliver before any later
// event can be admitted. deliver typically feeds the surface, whose
// handlers call back into Dispatch.
func (s *Session) Pointer(seq uint64, deliver func()) bool {
	s.input.Lock()
	defer s.input.Unlock()

	if !s.Admit(seq) {
		return false
	}
	deliver()
	return true
}

// Dispatch feeds one event to a dataset's hover machine and applies the
// resulting effects.
func (s *Session) Dispatch(d visibility.Dataset, ev hover.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	v, ok := s.views[d]
	if !ok {
		return
	}
	s.lastUsed = s.cfg.Now()
	s.step(v, ev)
}

func (s *Session) step(v *view, ev hover.Event) {
	prev := v.state
	next, effects := v.machine.Step(prev, ev)

	if prev.Phase == hover.Selected && s.cfg.Dwell != nil &&
		(next.Phase != hover.Selected || next.Selected != prev.Selected) {
		s.cfg.Dwell.Observe(string(v.dataset), prev.RouteKey, s.cfg.Now().Sub(prev.AnimationStart))
	}

	v.state = next
	s.apply(v, effects)
}

func (s *Session) apply(v *view, effects []hover.Effect) {
	highlight := HighlightLayerID(v.dataset)

	for _, effect := range effects {
		var err error
		switch e := effect.(type) {
		case hover.Highlight:
			err = s.surface.SetFilter(highlight, s.highlightFilter(e.ID))
		case hover.StartBreathing:
			v.animator.Start(e.Start)
		case hover.StopBreathing:
			v.animator.Stop()
		case hover.SetHighlightWidth:
			err = s.surface.SetPaintProperty(highlight, "line-width", e.Width)
		case hover.ShowTooltip:
			s.chrome.Tooltip.Show(e.Text, e.Color, e.Position)
		case hover.MoveTooltip:
			s.chrome.Tooltip.Move(e.Position)
		case hover.HideTooltip:
			s.chrome.Tooltip.Hide()
		case hover.SetCursor:
			s.chrome.Cursor.SetCursor(e.Style)
		case hover.Inspect:
			s.chrome.Popup.Open(e.Anchor, e.LngLat, Rows(e.Properties))
		}
		if err != nil {
			log.Printf("Warning: Session %s: %T on %s: %v", s.ID, effect, v.dataset, err)
		}
	}
}

// highlightFilter shows id on the highlight layer, still subject to the
// family filter so a hidden route can never be highlighted.
func (s *Session) highlightFilter(id registry.ObjectID) render.Filter {
	return render.Combine(
		render.Eq{Property: dissolve.ObjectIDProperty, Value: int(id)},
		s.controls.Filter(s.cfg.KeyProperty),
	)
}

// SetFamilyVisible toggles a route family on every dataset's line, hitbox
// and highlight layers together. A selection on a newly hidden route is
// torn down.
func (s *Session) SetFamilyVisible(name string, visible bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	changed, err := s.controls.SetFamilyVisible(name, visible)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	family := s.controls.Filter(s.cfg.KeyProperty)
	for _, d := range visibility.Datasets() {
		v, ok := s.views[d]
		if !ok {
			continue
		}
		if v.state.Phase == hover.Selected && !s.controls.RouteVisible(v.state.RouteKey) {
			s.step(v, hover.VisibilityChanged{})
		}
		s.setFilter(LinesLayerID(d), family)
		s.setFilter(HitboxLayerID(d), family)
		s.setFilter(HighlightLayerID(d), s.highlightFilter(v.state.Selected))
	}
	return nil
}

// SelectDataset makes d the only visible dataset. Any selection on the
// dataset being hidden is torn down first.
func (s *Session) SelectDataset(d visibility.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	prev := s.controls.Dataset()
	changed, err := s.controls.SelectDataset(d)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if v, ok := s.views[prev]; ok {
		s.step(v, hover.VisibilityChanged{})
	}
	for _, ds := range visibility.Datasets() {
		if _, ok := s.views[ds]; !ok {
			continue
		}
		value := s.controls.LayerVisibility(ds)
		for _, id := range []string{LinesLayerID(ds), HitboxLayerID(ds), HighlightLayerID(ds)} {
			if err := s.surface.SetLayoutProperty(id, "visibility", value); err != nil {
				log.Printf("Warning: Session %s: visibility %s: %v", s.ID, id, err)
			}
		}
	}
	return nil
}

func (s *Session) setFilter(layerID string, f render.Filter) {
	if err := s.surface.SetFilter(layerID, f); err != nil {
		log.Printf("Warning: Session %s: filter %s: %v", s.ID, layerID, err)
	}
}

// LastUsed returns when the session last handled input.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Touch marks the session as used.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = s.cfg.Now()
}

// Close tears down every selection, stops the animators and unsubscribes
// from the surface. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for _, d := range visibility.Datasets() {
		v, ok := s.views[d]
		if !ok {
			continue
		}
		s.step(v, hover.PointerLeave{})
		v.animator.Stop()
		for _, sub := range v.subs {
			sub.Unsubscribe()
		}
		v.subs = nil
	}
	s.closed = true
}

// DatasetState describes one attached dataset.
type DatasetState struct {
	Routes int         `json:"routes"`
	Hover  hover.State `json:"hover"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID       string                              `json:"id"`
	Dataset  visibility.Dataset                  `json:"dataset"`
	Families map[string]bool                     `json:"families"`
	Datasets map[visibility.Dataset]DatasetState `json:"datasets"`
	Stations bool                                `json:"stations"`
	Chrome   ChromeState                         `json:"chrome"`
	Layers   []render.LayerState                 `json:"layers,omitempty"`
	Closed   bool                                `json:"closed"`
}

type layerLister interface {
	Layers() []render.LayerState
}

// Snapshot returns the session state. Layers are included when the surface
// can list them.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:       s.ID,
		Dataset:  s.controls.Dataset(),
		Families: make(map[string]bool),
		Datasets: make(map[visibility.Dataset]DatasetState),
		Stations: s.stations,
		Chrome:   s.recorder.State(),
		Closed:   s.closed,
	}
	for _, f := range s.controls.Families() {
		snap.Families[f.Name] = s.controls.FamilyVisible(f.Name)
	}
	for d, v := range s.views {
		snap.Datasets[d] = DatasetState{Routes: v.registry.Len(), Hover: v.state}
	}
	if l, ok := s.surface.(layerLister); ok {
		snap.Layers = l.Layers()
	}
	return snap
}

// HoverState returns a dataset's hover state.
func (s *Session) HoverState(d visibility.Dataset) (hover.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.views[d]
	if !ok {
		return hover.State{}, false
	}
	return v.state, true
}

// Animating reports whether a dataset's breathing animation is running.
func (s *Session) Animating(d visibility.Dataset) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.views[d]
	return ok && v.animator.Running()
}

func objectIDs(features []*geojson.Feature) []registry.ObjectID {
	ids := make([]registry.ObjectID, 0, len(features))
	for _, f := range features {
		if id, ok := registry.ObjectIDOf(f); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
