package dissolve

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func lineFeature(route string, coords ...orb.Point) *geojson.Feature {
	f := geojson.NewFeature(orb.LineString(coords))
	f.Properties["ROUTENUMBER"] = route
	return f
}

func TestDissolveEastWestScenario(t *testing.T) {
	l1 := []orb.Point{{174.76, -36.84}, {174.77, -36.85}}
	l2 := []orb.Point{{174.77, -36.85}, {174.78, -36.86}, {174.79, -36.86}}
	l3 := []orb.Point{{174.70, -36.88}, {174.65, -36.90}}

	input := []*geojson.Feature{
		lineFeature("EAST", l1...),
		lineFeature("EAST", l2...),
		lineFeature("WEST", l3...),
	}

	fc, stats := Dissolve(input, DefaultOptions())

	if len(fc.Features) != 2 {
		t.Fatalf("expected 2 features, got %d", len(fc.Features))
	}

	east := fc.Features[0]
	if got := east.Properties[ObjectIDProperty]; got != 1 {
		t.Errorf("EAST OBJECTID = %v, want 1", got)
	}
	if got := east.Properties["ROUTENUMBER"]; got != "EAST" {
		t.Errorf("first feature route = %v, want EAST", got)
	}
	ls, ok := east.Geometry.(orb.LineString)
	if !ok {
		t.Fatalf("EAST geometry = %T, want orb.LineString", east.Geometry)
	}
	want := orb.LineString{l1[0], l1[1], l2[1], l2[2]}
	if !ls.Equal(want) {
		t.Errorf("EAST geometry = %v, want %v", ls, want)
	}

	west := fc.Features[1]
	if got := west.Properties[ObjectIDProperty]; got != 2 {
		t.Errorf("WEST OBJECTID = %v, want 2", got)
	}
	if !orb.Equal(west.Geometry, orb.LineString(l3)) {
		t.Errorf("WEST geometry changed: %v", west.Geometry)
	}

	if stats.Routes != 2 || stats.Connected != 2 || stats.MultiPart != 0 || stats.Skipped != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestDissolveDeterministic(t *testing.T) {
	input := []*geojson.Feature{
		lineFeature("SOUTH", orb.Point{1, 1}, orb.Point{2, 2}),
		lineFeature("ONE", orb.Point{5, 5}, orb.Point{6, 6}),
		lineFeature("SOUTH", orb.Point{3, 3}, orb.Point{2, 2}),
		lineFeature("PUKE", orb.Point{9, 9}, orb.Point{8, 8}),
		lineFeature("SOUTH", orb.Point{7, 7}, orb.Point{7.5, 7}),
	}

	first, _ := Dissolve(input, DefaultOptions())
	want, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	for i := 0; i < 10; i++ {
		fc, _ := Dissolve(input, DefaultOptions())
		got, err := json.Marshal(fc)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(got) != string(want) {
			t.Fatalf("run %d differs:\n got %s\nwant %s", i, got, want)
		}
	}
}

func TestDissolveCompleteness(t *testing.T) {
	routes := []string{"WEST", "EAST", "WEST", "HUIA", "ONE", "EAST", "HUIA", "PUKE"}
	var input []*geojson.Feature
	for i, r := range routes {
		x := float64(i * 10)
		input = append(input, lineFeature(r, orb.Point{x, 0}, orb.Point{x + 1, 0}))
	}

	fc, _ := Dissolve(input, DefaultOptions())

	wantOrder := []string{"WEST", "EAST", "HUIA", "ONE", "PUKE"}
	if len(fc.Features) != len(wantOrder) {
		t.Fatalf("got %d features, want %d", len(fc.Features), len(wantOrder))
	}

	seen := make(map[string]bool)
	for i, f := range fc.Features {
		key := f.Properties.MustString("ROUTENUMBER")
		if seen[key] {
			t.Errorf("route %s appears twice", key)
		}
		seen[key] = true

		if key != wantOrder[i] {
			t.Errorf("feature %d route = %s, want %s", i, key, wantOrder[i])
		}
		if got := f.Properties[ObjectIDProperty]; got != i+1 {
			t.Errorf("route %s OBJECTID = %v, want %d", key, got, i+1)
		}
	}
}

func TestDissolveSingleFragmentIdentity(t *testing.T) {
	tests := []struct {
		name string
		geom orb.Geometry
	}{
		{"line", orb.LineString{{0, 0}, {1, 1}, {2, 1}}},
		{"disconnected multi-part", orb.MultiLineString{
			{{0, 0}, {1, 0}},
			{{5, 5}, {6, 5}},
		}},
		{"touching multi-part kept as is", orb.MultiLineString{
			{{0, 0}, {1, 0}},
			{{1, 0}, {2, 0}},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := geojson.NewFeature(tc.geom)
			f.Properties["ROUTENUMBER"] = "WEST"
			f.Properties["OPERATOR"] = "AT Metro"

			fc, _ := Dissolve([]*geojson.Feature{f}, DefaultOptions())
			if len(fc.Features) != 1 {
				t.Fatalf("got %d features, want 1", len(fc.Features))
			}
			out := fc.Features[0]
			if !orb.Equal(out.Geometry, tc.geom) {
				t.Errorf("geometry = %v, want %v", out.Geometry, tc.geom)
			}
			if out.Properties["OPERATOR"] != "AT Metro" {
				t.Errorf("extra attribute not preserved: %v", out.Properties)
			}
		})
	}
}

func TestDissolveDoesNotMutateInput(t *testing.T) {
	f1 := lineFeature("EAST", orb.Point{0, 0}, orb.Point{1, 0})
	f2 := lineFeature("EAST", orb.Point{1, 0}, orb.Point{2, 0})

	Dissolve([]*geojson.Feature{f1, f2}, DefaultOptions())

	if _, ok := f1.Properties[ObjectIDProperty]; ok {
		t.Error("input properties were tagged with OBJECTID")
	}
	if !orb.Equal(f1.Geometry, orb.LineString{{0, 0}, {1, 0}}) {
		t.Errorf("input geometry modified: %v", f1.Geometry)
	}
}

func TestDissolveDisconnectedStaysMultiPart(t *testing.T) {
	input := []*geojson.Feature{
		lineFeature("ONE", orb.Point{0, 0}, orb.Point{1, 0}),
		lineFeature("ONE", orb.Point{3, 0}, orb.Point{4, 0}),
		lineFeature("ONE", orb.Point{1, 0}, orb.Point{2, 0}),
	}

	fc, stats := Dissolve(input, DefaultOptions())

	mls, ok := fc.Features[0].Geometry.(orb.MultiLineString)
	if !ok {
		t.Fatalf("geometry = %T, want orb.MultiLineString", fc.Features[0].Geometry)
	}
	want := orb.MultiLineString{
		{{0, 0}, {1, 0}, {2, 0}},
		{{3, 0}, {4, 0}},
	}
	if !mls.Equal(want) {
		t.Errorf("geometry = %v, want %v", mls, want)
	}
	if stats.MultiPart != 1 {
		t.Errorf("MultiPart = %d, want 1", stats.MultiPart)
	}
}

func TestDissolveSkipsMalformedFragments(t *testing.T) {
	point := geojson.NewFeature(orb.Point{1, 1})
	point.Properties["ROUTENUMBER"] = "EAST"

	noKey := geojson.NewFeature(orb.LineString{{0, 0}, {1, 1}})

	input := []*geojson.Feature{
		lineFeature("EAST", orb.Point{0, 0}),
		lineFeature("EAST", orb.Point{0, 0}, orb.Point{1, 0}),
		point,
		lineFeature("EAST", orb.Point{2, 2}, orb.Point{2, 2}),
		lineFeature("EAST", orb.Point{1, 0}, orb.Point{math.NaN(), 0}),
		lineFeature("EAST", orb.Point{1, 0}, orb.Point{2, 0}),
		noKey,
		nil,
		lineFeature("BROKEN", orb.Point{5, 5}),
		lineFeature("WEST", orb.Point{9, 9}, orb.Point{8, 8}),
	}

	fc, stats := Dissolve(input, DefaultOptions())

	if len(fc.Features) != 2 {
		t.Fatalf("got %d features, want 2 (EAST, WEST)", len(fc.Features))
	}
	if !orb.Equal(fc.Features[0].Geometry, orb.LineString{{0, 0}, {1, 0}, {2, 0}}) {
		t.Errorf("EAST geometry = %v", fc.Features[0].Geometry)
	}
	if got := fc.Features[1].Properties[ObjectIDProperty]; got != 2 {
		t.Errorf("WEST OBJECTID = %v, want 2", got)
	}
	// four bad EAST fragments, the keyless feature, nil, and BROKEN
	if stats.Skipped != 7 {
		t.Errorf("Skipped = %d, want 7", stats.Skipped)
	}
}

func TestDissolveCustomKeyFunc(t *testing.T) {
	f1 := geojson.NewFeature(orb.LineString{{0, 0}, {1, 0}})
	f1.Properties["line"] = "stH "
	f2 := geojson.NewFeature(orb.LineString{{1, 0}, {2, 0}})
	f2.Properties["line"] = "STH"

	upper := func(f *geojson.Feature) string {
		s := PropertyKey("line")(f)
		if s == "stH" {
			return "STH"
		}
		return s
	}

	fc, _ := DissolveBy([]*geojson.Feature{f1, f2}, upper, DefaultOptions())
	if len(fc.Features) != 1 {
		t.Fatalf("got %d features, want 1", len(fc.Features))
	}
	if got := fc.Features[0].Properties["ROUTENUMBER"]; got != "STH" {
		t.Errorf("route key = %v, want STH", got)
	}
}

func TestPropertyKeyNumeric(t *testing.T) {
	f := geojson.NewFeature(orb.LineString{{0, 0}, {1, 0}})
	f.Properties["ROUTE"] = 42.0
	if got := PropertyKey("ROUTE")(f); got != "42" {
		t.Errorf("PropertyKey = %q, want 42", got)
	}
}

func TestMergeLinesOrientation(t *testing.T) {
	tests := []struct {
		name  string
		lines []orb.LineString
		want  orb.LineString
	}{
		{
			name:  "tail to head",
			lines: []orb.LineString{{{0, 0}, {1, 0}}, {{1, 0}, {2, 0}}},
			want:  orb.LineString{{0, 0}, {1, 0}, {2, 0}},
		},
		{
			name:  "tail to tail",
			lines: []orb.LineString{{{0, 0}, {1, 0}}, {{2, 0}, {1, 0}}},
			want:  orb.LineString{{0, 0}, {1, 0}, {2, 0}},
		},
		{
			name:  "head to tail",
			lines: []orb.LineString{{{1, 0}, {2, 0}}, {{0, 0}, {1, 0}}},
			want:  orb.LineString{{0, 0}, {1, 0}, {2, 0}},
		},
		{
			name:  "head to head",
			lines: []orb.LineString{{{1, 0}, {2, 0}}, {{1, 0}, {0, 0}}},
			want:  orb.LineString{{0, 0}, {1, 0}, {2, 0}},
		},
		{
			name: "out of order chain",
			lines: []orb.LineString{
				{{2, 0}, {3, 0}},
				{{0, 0}, {1, 0}},
				{{1, 0}, {2, 0}},
			},
			want: orb.LineString{{0, 0}, {1, 0}, {2, 0}, {3, 0}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chains := mergeLines(tc.lines, 0)
			if len(chains) != 1 {
				t.Fatalf("got %d chains, want 1: %v", len(chains), chains)
			}
			if !chains[0].Equal(tc.want) {
				t.Errorf("chain = %v, want %v", chains[0], tc.want)
			}
		})
	}
}

func TestMergeLinesSnapTolerance(t *testing.T) {
	// About 1.1 m apart at the equator.
	lines := []orb.LineString{
		{{0, 0}, {0.001, 0}},
		{{0.00101, 0}, {0.002, 0}},
	}

	if got := mergeLines(lines, 0); len(got) != 2 {
		t.Errorf("exact matching merged a gap: %v", got)
	}
	if got := mergeLines(lines, 5); len(got) != 1 {
		t.Errorf("snap tolerance of 5 m did not bridge the gap: %v", got)
	}
}

func TestDissolveBufferStrategy(t *testing.T) {
	// Two fragments with a ~5 m gap; a 10 m buffer bridges them.
	input := []*geojson.Feature{
		lineFeature("HUIA", orb.Point{174.7600, -36.8500}, orb.Point{174.7620, -36.8500}),
		lineFeature("HUIA", orb.Point{174.76205, -36.8500}, orb.Point{174.7640, -36.8500}),
	}

	opts := DefaultOptions()
	opts.Strategy = StrategyBuffer

	fc, stats := Dissolve(input, opts)
	if len(fc.Features) != 1 {
		t.Fatalf("got %d features, want 1", len(fc.Features))
	}
	if stats.Skipped != 0 {
		t.Errorf("Skipped = %d, want 0", stats.Skipped)
	}

	ls, ok := fc.Features[0].Geometry.(orb.LineString)
	if !ok {
		t.Fatalf("geometry = %T, want a single boundary line", fc.Features[0].Geometry)
	}
	if ls[0] != ls[len(ls)-1] {
		t.Error("boundary line is not closed")
	}

	b := ls.Bound()
	if b.Min[0] > 174.7600 || b.Max[0] < 174.7640 {
		t.Errorf("boundary %v does not cover both fragments", b)
	}
	if b.Max[1]-b.Min[1] <= 0 {
		t.Errorf("boundary %v has no lateral extent", b)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", StrategyCombine, false},
		{"combine", StrategyCombine, false},
		{" Buffer ", StrategyBuffer, false},
		{"medial-axis", "", true},
	}
	for _, tc := range tests {
		got, err := ParseStrategy(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseStrategy(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
