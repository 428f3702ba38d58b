package mapview

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/paulmach/orb"
)

// Tooltip is the floating route label next to the pointer.
type Tooltip interface {
	Show(text, color string, pos orb.Point)
	Move(pos orb.Point)
	Hide()
}

// Popup shows a clicked feature's attributes.
type Popup interface {
	Open(anchor, lngLat orb.Point, rows []Row)
}

// Cursor controls the map container's pointer style.
type Cursor interface {
	SetCursor(style string)
}

// Chrome bundles the UI elements a session drives. Nil members are
// replaced by the session's own Recorder.
type Chrome struct {
	Tooltip Tooltip
	Popup   Popup
	Cursor  Cursor
}

// Row is one attribute line of a popup.
type Row struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Rows formats properties as popup rows sorted by key.
func Rows(props map[string]any) []Row {
	rows := make([]Row, 0, len(props))
	for k, v := range props {
		value := ""
		if v != nil {
			value = fmt.Sprint(v)
		}
		rows = append(rows, Row{Key: k, Value: value})
	}
	slices.SortFunc(rows, func(a, b Row) int { return cmp.Compare(a.Key, b.Key) })
	return rows
}

// TooltipState is what a Recorder's tooltip currently shows.
type TooltipState struct {
	Visible  bool      `json:"visible"`
	Text     string    `json:"text,omitempty"`
	Color    string    `json:"color,omitempty"`
	Position orb.Point `json:"position"`
}

// PopupState is the last popup a Recorder opened.
type PopupState struct {
	Anchor orb.Point `json:"anchor"`
	LngLat orb.Point `json:"lngLat"`
	Rows   []Row     `json:"rows"`
}

// ChromeState is a copy of a Recorder's state.
type ChromeState struct {
	Tooltip TooltipState `json:"tooltip"`
	Cursor  string       `json:"cursor"`
	Popup   *PopupState  `json:"popup,omitempty"`
	Shows   int          `json:"shows"`
}

// Recorder implements Tooltip, Popup and Cursor by remembering the latest
// state. Sessions served over HTTP use it to report UI state to clients.
type Recorder struct {
	mu    sync.Mutex
	state ChromeState
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Show(text, color string, pos orb.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Tooltip = TooltipState{Visible: true, Text: text, Color: color, Position: pos}
	r.state.Shows++
}

func (r *Recorder) Move(pos orb.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Tooltip.Visible {
		r.state.Tooltip.Position = pos
	}
}

func (r *Recorder) Hide() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Tooltip = TooltipState{}
}

func (r *Recorder) Open(anchor, lngLat orb.Point, rows []Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Popup = &PopupState{Anchor: anchor, LngLat: lngLat, Rows: slices.Clone(rows)}
}

func (r *Recorder) SetCursor(style string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Cursor = style
}

// State returns a copy of the recorded state.
func (r *Recorder) State() ChromeState {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.state
	if s.Popup != nil {
		p := *s.Popup
		p.Rows = slices.Clone(p.Rows)
		s.Popup = &p
	}
	return s
}
