package hover

import (
	"math/rand/v2"
	"time"

	"github.com/paulmach/orb"

	"github.com/akl-rail-map/railmap/internal/registry"
	"github.com/akl-rail-map/railmap/internal/style"
)

// DefaultTooltipOffset keeps the tooltip clear of the cursor.
var DefaultTooltipOffset = orb.Point{12, -24}

// Features resolves ids to registered route features.
type Features interface {
	Lookup(id registry.ObjectID) (*registry.Entry, bool)
}

// Eligibility reports whether a route may currently be hovered.
type Eligibility func(routeKey string) bool

// Machine computes hover transitions for one dataset. It holds no selection
// state of its own; callers thread State through Step.
type Machine struct {
	features Features
	styles   *style.Table
	eligible Eligibility
	offset   orb.Point
	origin   func() orb.Point
	now      func() time.Time
	rng      *rand.Rand
}

// Option configures a Machine.
type Option func(*Machine)

// WithEligibility filters candidates by route key.
func WithEligibility(fn Eligibility) Option {
	return func(m *Machine) { m.eligible = fn }
}

// WithTooltipOffset sets the pixel offset of the tooltip from the pointer.
func WithTooltipOffset(offset orb.Point) Option {
	return func(m *Machine) { m.offset = offset }
}

// WithContainerOrigin supplies the page position of the map container, so
// tooltips are placed in page coordinates.
func WithContainerOrigin(fn func() orb.Point) Option {
	return func(m *Machine) { m.origin = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithRand sets the source used to break ties between overlapping lines.
func WithRand(r *rand.Rand) Option {
	return func(m *Machine) { m.rng = r }
}

// NewMachine creates a machine over features. A nil style table uses the
// built-in Auckland table.
func NewMachine(features Features, styles *style.Table, opts ...Option) *Machine {
	if styles == nil {
		styles = style.Default()
	}
	m := &Machine{
		features: features,
		styles:   styles,
		offset:   DefaultTooltipOffset,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Step applies ev to s and returns the next state with the effects to apply,
// in order.
func (m *Machine) Step(s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case PointerMove:
		return m.move(s, e)
	case PointerLeave:
		return Exit(s)
	case VisibilityChanged:
		return Exit(s)
	case Click:
		return s, m.click(s, e)
	default:
		return s, nil
	}
}

func (m *Machine) move(s State, e PointerMove) (State, []Effect) {
	candidates := m.Eligible(e.Candidates)

	if s.Phase == Selected {
		if contains(candidates, s.Selected) {
			return s, []Effect{MoveTooltip{Position: m.tooltipPosition(e.Point)}}
		}
		// Empty or lost: reset without re-rolling in the same event.
		return Exit(s)
	}

	if len(candidates) == 0 {
		return s, nil
	}

	s.Phase = Selecting
	id := Pick(candidates, s.Previous, m.rng)
	return m.enter(s, id, e.Point)
}

func (m *Machine) enter(s State, id registry.ObjectID, point orb.Point) (State, []Effect) {
	key := ""
	if entry, ok := m.features.Lookup(id); ok {
		key = entry.RouteKey
	}
	rs := m.styles.Lookup(key)

	s.Phase = Selected
	s.Selected = id
	s.RouteKey = key
	s.Animating = true
	s.AnimationStart = m.now()

	return s, []Effect{
		Highlight{ID: id},
		StartBreathing{Start: s.AnimationStart},
		ShowTooltip{Text: rs.DisplayName, Color: rs.DisplayColor, Position: m.tooltipPosition(point)},
		SetCursor{Style: "pointer"},
	}
}

// Exit tears down a selection. It is a no-op outside the Selected phase, so
// repeated leave events are harmless.
func Exit(s State) (State, []Effect) {
	if s.Phase != Selected {
		return s, nil
	}

	s.Previous = s.Selected
	s.Selected = registry.None
	s.RouteKey = ""
	s.Phase = Idle
	s.Animating = false
	s.AnimationStart = time.Time{}

	return s, []Effect{
		StopBreathing{},
		SetHighlightWidth{Width: 0},
		Highlight{ID: registry.None},
		HideTooltip{},
		SetCursor{Style: ""},
	}
}

func (m *Machine) click(s State, e Click) []Effect {
	candidates := m.Eligible(e.Candidates)
	if len(candidates) == 0 {
		return nil
	}

	id := candidates[0]
	if s.Phase == Selected && contains(candidates, s.Selected) {
		id = s.Selected
	}

	entry, ok := m.features.Lookup(id)
	if !ok {
		return nil
	}

	props := make(map[string]any, len(entry.Feature.Properties))
	for k, v := range entry.Feature.Properties {
		props[k] = v
	}

	return []Effect{Inspect{ID: id, Anchor: e.Point, LngLat: e.LngLat, Properties: props}}
}

// Eligible removes unknown, duplicate and hidden ids, keeping hit-test order.
func (m *Machine) Eligible(ids []registry.ObjectID) []registry.ObjectID {
	var out []registry.ObjectID
	seen := make(map[registry.ObjectID]bool, len(ids))

	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		entry, ok := m.features.Lookup(id)
		if !ok {
			continue
		}
		if m.eligible != nil && !m.eligible(entry.RouteKey) {
			continue
		}
		out = append(out, id)
	}

	return out
}

func (m *Machine) tooltipPosition(p orb.Point) orb.Point {
	var origin orb.Point
	if m.origin != nil {
		origin = m.origin()
	}
	return orb.Point{p[0] + origin[0] + m.offset[0], p[1] + origin[1] + m.offset[1]}
}

// Pick chooses one of candidates uniformly at random, avoiding previous
// unless it is the only choice. A nil r uses the global source.
func Pick(candidates []registry.ObjectID, previous registry.ObjectID, r *rand.Rand) registry.ObjectID {
	if len(candidates) == 0 {
		return registry.None
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	pool := make([]registry.ObjectID, 0, len(candidates))
	for _, id := range candidates {
		if id != previous {
			pool = append(pool, id)
		}
	}
	if len(pool) == 0 {
		pool = candidates
	}

	if r == nil {
		return pool[rand.IntN(len(pool))]
	}
	return pool[r.IntN(len(pool))]
}

func contains(ids []registry.ObjectID, id registry.ObjectID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
