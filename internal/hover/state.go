package hover

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/akl-rail-map/railmap/internal/registry"
)

// Phase is the hover state of a map.
type Phase int

const (
	// Idle means nothing is selected.
	Idle Phase = iota
	// Selecting is the transient phase while a candidate is being picked.
	Selecting
	// Selected means one line is highlighted with a tooltip shown.
	Selected
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Selecting:
		return "selecting"
	case Selected:
		return "selected"
	default:
		return "unknown"
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is the selection state of one map.
type State struct {
	Phase          Phase             `json:"phase"`
	Selected       registry.ObjectID `json:"selected"`
	Previous       registry.ObjectID `json:"previous"`
	RouteKey       string            `json:"routeKey,omitempty"`
	Animating      bool              `json:"animating"`
	AnimationStart time.Time         `json:"animationStart,omitempty"`
}

// Initial returns the idle state with no previous selection.
func Initial() State {
	return State{Phase: Idle, Selected: registry.None, Previous: registry.None}
}

// Event is a pointer or visibility event fed to the machine.
type Event interface {
	event()
}

// PointerMove reports the features hit-tested under the pointer. Point is
// in map container pixels.
type PointerMove struct {
	Point      orb.Point
	Candidates []registry.ObjectID
}

// PointerLeave reports that the pointer left the hitbox layer.
type PointerLeave struct{}

// Click reports a click with the features under the pointer.
type Click struct {
	Point      orb.Point
	LngLat     orb.Point
	Candidates []registry.ObjectID
}

// VisibilityChanged reports a family or dataset toggle.
type VisibilityChanged struct{}

func (PointerMove) event()       {}
func (PointerLeave) event()      {}
func (Click) event()             {}
func (VisibilityChanged) event() {}

// Effect is a side effect requested by a transition.
type Effect interface {
	effect()
}

// Highlight restricts the highlight layer to one id. None hides it.
type Highlight struct {
	ID registry.ObjectID
}

// StartBreathing starts the width animation from Start.
type StartBreathing struct {
	Start time.Time
}

// StopBreathing cancels the width animation.
type StopBreathing struct{}

// SetHighlightWidth sets the highlight line width directly.
type SetHighlightWidth struct {
	Width float64
}

// ShowTooltip shows the tooltip at Position in page pixels.
type ShowTooltip struct {
	Text     string
	Color    string
	Position orb.Point
}

// MoveTooltip repositions a visible tooltip.
type MoveTooltip struct {
	Position orb.Point
}

// HideTooltip removes the tooltip.
type HideTooltip struct{}

// SetCursor changes the map cursor. An empty style restores the default.
type SetCursor struct {
	Style string
}

// Inspect asks for a popup listing every attribute of a clicked feature.
type Inspect struct {
	ID         registry.ObjectID
	Anchor     orb.Point
	LngLat     orb.Point
	Properties map[string]any
}

func (Highlight) effect()         {}
func (StartBreathing) effect()    {}
func (StopBreathing) effect()     {}
func (SetHighlightWidth) effect() {}
func (ShowTooltip) effect()       {}
func (MoveTooltip) effect()       {}
func (HideTooltip) effect()       {}
func (SetCursor) effect()         {}
func (Inspect) effect()           {}
