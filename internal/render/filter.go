package render

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb/geojson"
)

// Filter is a layer filter that can be evaluated in process and rendered as
// a MapLibre expression.
type Filter interface {
	Match(props geojson.Properties) bool
	Expression() []any
}

// Eq matches features whose property equals Value.
type Eq struct {
	Property string
	Value    any
}

// Match implements Filter.
func (f Eq) Match(props geojson.Properties) bool {
	return equalValues(props[f.Property], f.Value)
}

// Expression implements Filter.
func (f Eq) Expression() []any {
	return []any{"==", []any{"get", f.Property}, f.Value}
}

// In matches features whose property is one of Values. With Fold set the
// property is upper-cased as a string first, so Values should be upper case.
type In struct {
	Property string
	Values   []any
	Fold     bool
}

// Match implements Filter.
func (f In) Match(props geojson.Properties) bool {
	v := props[f.Property]
	if f.Fold {
		v = upcase(v)
	}
	for _, want := range f.Values {
		if equalValues(v, want) {
			return true
		}
	}
	return false
}

// Expression implements Filter.
func (f In) Expression() []any {
	values := make([]any, len(f.Values))
	copy(values, f.Values)
	input := []any{"get", f.Property}
	if f.Fold {
		input = []any{"upcase", []any{"to-string", input}}
	}
	return []any{"in", input, []any{"literal", values}}
}

// Not negates a filter.
type Not struct {
	Filter Filter
}

// Match implements Filter.
func (f Not) Match(props geojson.Properties) bool {
	return !f.Filter.Match(props)
}

// Expression implements Filter.
func (f Not) Expression() []any {
	return []any{"!", f.Filter.Expression()}
}

// All matches when every filter matches.
type All []Filter

// Match implements Filter.
func (f All) Match(props geojson.Properties) bool {
	for _, sub := range f {
		if !sub.Match(props) {
			return false
		}
	}
	return true
}

// Expression implements Filter.
func (f All) Expression() []any {
	expr := []any{"all"}
	for _, sub := range f {
		expr = append(expr, sub.Expression())
	}
	return expr
}

// None matches when no filter matches.
type None []Filter

// Match implements Filter.
func (f None) Match(props geojson.Properties) bool {
	for _, sub := range f {
		if sub.Match(props) {
			return false
		}
	}
	return true
}

// Expression implements Filter.
func (f None) Expression() []any {
	expr := []any{"none"}
	for _, sub := range f {
		expr = append(expr, sub.Expression())
	}
	return expr
}

// Combine ands the non-nil filters together. It returns nil when there are none.
func Combine(filters ...Filter) Filter {
	var all All
	for _, f := range filters {
		if f != nil {
			all = append(all, f)
		}
	}
	switch len(all) {
	case 0:
		return nil
	case 1:
		return all[0]
	default:
		return all
	}
}

// ExpressionOf renders f, or nil for no filter.
func ExpressionOf(f Filter) []any {
	if f == nil {
		return nil
	}
	return f.Expression()
}

// equalValues compares attribute values the way style expressions do:
// numbers by value regardless of their Go type.
func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// upcase mirrors ["upcase", ["to-string", v]]: null becomes "".
func upcase(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.ToUpper(s)
	default:
		return strings.ToUpper(fmt.Sprint(s))
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
