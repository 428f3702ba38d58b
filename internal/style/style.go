package style

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultColor is the accent used for routes without a style entry.
const DefaultColor = "#e63946"

// RouteStyle describes how one route is drawn and labelled.
type RouteStyle struct {
	Key           string   `yaml:"key" json:"key" validate:"required"`
	DisplayName   string   `yaml:"name" json:"name" validate:"required"`
	DisplayColor  string   `yaml:"color" json:"color" validate:"required,hexcolor"`
	LateralOffset float64  `yaml:"offset" json:"offset"`
	Aliases       []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// Table is a read-only route style lookup.
type Table struct {
	routes       []RouteStyle
	byKey        map[string]int
	DefaultColor string
}

// document is the YAML layout of a style file.
type document struct {
	DefaultColor string       `yaml:"default_color" validate:"omitempty,hexcolor"`
	Routes       []RouteStyle `yaml:"routes" validate:"required,min=1,dive"`
}

// AucklandRoutes is the built-in Auckland rail network table.
var AucklandRoutes = []RouteStyle{
	{Key: "EAST", DisplayName: "Eastern Line", DisplayColor: "#FFD100"},
	{Key: "WEST", DisplayName: "Western Line", DisplayColor: "#009A44"},
	{Key: "SOUTH", DisplayName: "Southern Line", DisplayColor: "#E4002B", Aliases: []string{"STH"}},
	{Key: "ONE", DisplayName: "Onehunga Line", DisplayColor: "#4FC3F7"},
	{Key: "PUKE", DisplayName: "Pukekohe Line", DisplayColor: "#A7A9AC"},
	{Key: "HUIA", DisplayName: "Te Huia", DisplayColor: "#6C3483"},
}

// NewTable indexes routes by key and alias. Later entries override earlier ones.
func NewTable(routes []RouteStyle, defaultColor string) *Table {
	if defaultColor == "" {
		defaultColor = DefaultColor
	}
	t := &Table{
		byKey:        make(map[string]int),
		DefaultColor: defaultColor,
	}
	for _, r := range routes {
		idx := len(t.routes)
		t.routes = append(t.routes, r)
		t.byKey[normalize(r.Key)] = idx
		for _, a := range r.Aliases {
			t.byKey[normalize(a)] = idx
		}
	}
	return t
}

// Default returns the built-in Auckland table.
func Default() *Table {
	return NewTable(AucklandRoutes, DefaultColor)
}

// LoadFile reads and validates a YAML style table.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read style file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML style table.
func Parse(data []byte) (*Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse style file: %w", err)
	}
	if err := validator.New().Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid style file: %w", err)
	}
	return NewTable(doc.Routes, doc.DefaultColor), nil
}

// Lookup returns the style for key, falling back to the raw key as its name
// and the default colour.
func (t *Table) Lookup(key string) RouteStyle {
	if idx, ok := t.byKey[normalize(key)]; ok {
		return t.routes[idx]
	}
	return RouteStyle{Key: key, DisplayName: key, DisplayColor: t.DefaultColor}
}

// Has reports whether key has an explicit entry.
func (t *Table) Has(key string) bool {
	_, ok := t.byKey[normalize(key)]
	return ok
}

// Routes returns the table entries in declaration order.
func (t *Table) Routes() []RouteStyle {
	out := make([]RouteStyle, len(t.routes))
	copy(out, t.routes)
	return out
}

// ColorExpression builds the MapLibre match expression colouring lines by
// the route key attribute. Keys match case-insensitively, like Lookup.
func (t *Table) ColorExpression(property string) []any {
	expr := []any{"match", keyInput(property)}
	for idx, r := range t.routes {
		labels := t.labels(idx)
		switch len(labels) {
		case 0:
			continue
		case 1:
			expr = append(expr, labels[0], r.DisplayColor)
		default:
			expr = append(expr, labels, r.DisplayColor)
		}
	}
	return append(expr, t.DefaultColor)
}

// OffsetExpression builds the line-offset expression from LateralOffset.
func (t *Table) OffsetExpression(property string) []any {
	expr := []any{"match", keyInput(property)}
	n := 0
	for idx, r := range t.routes {
		if r.LateralOffset == 0 {
			continue
		}
		labels := t.labels(idx)
		switch len(labels) {
		case 0:
			continue
		case 1:
			expr = append(expr, labels[0], r.LateralOffset)
		default:
			expr = append(expr, labels, r.LateralOffset)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	return append(expr, 0.0)
}

// labels returns the normalized key and aliases that resolve to routes[idx].
// A label overridden by a later entry, or repeated, appears only once.
func (t *Table) labels(idx int) []string {
	r := t.routes[idx]
	var out []string
	for _, l := range append([]string{r.Key}, r.Aliases...) {
		l = normalize(l)
		if t.byKey[l] != idx || slices.Contains(out, l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

func keyInput(property string) []any {
	return []any{"upcase", []any{"to-string", []any{"get", property}}}
}

func normalize(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
