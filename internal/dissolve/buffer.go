package dissolve

import (
	"fmt"
	"log"
	"math"

	"github.com/ctessum/geom"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"
)

// joinSides is the number of vertices used to approximate a round join.
const joinSides = 8

var metersPerDegree = 2 * math.Pi * orb.EarthRadius / 360

// bufferGroup buffers every fragment of the group, unions the buffers and
// turns the union boundary back into lines. Fragments whose buffer cannot be
// unioned are skipped.
func bufferGroup(features []*geojson.Feature, opts Options) (orb.Geometry, int) {
	meters := opts.BufferMeters
	if meters <= 0 {
		meters = DefaultBufferMeters
	}

	var (
		union geom.Polygon
		bad   int
	)

	for _, f := range features {
		parts := validParts(f.Geometry)
		if len(parts) == 0 {
			bad++
			continue
		}

		next, err := unionFragment(union, parts, meters)
		if err != nil {
			log.Printf("Warning: Dissolve: skipping fragment during buffer union: %v", err)
			bad++
			continue
		}
		union = next
	}

	if len(union) == 0 {
		return nil, bad
	}

	boundary := boundaryLines(union, opts.SimplifyTolerance)
	if len(boundary) == 0 {
		return nil, bad
	}
	return asGeometry(mergeLines(boundary, 0)), bad
}

// unionFragment adds the buffer of one fragment to acc. Polygon clipping
// panics on some degenerate inputs, which is reported as an error so the
// caller can drop just this fragment.
func unionFragment(acc geom.Polygon, parts []orb.LineString, meters float64) (out geom.Polygon, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to union buffer: %v", r)
		}
	}()

	out = acc
	for _, ls := range parts {
		for _, piece := range bufferLine(ls, meters) {
			if len(out) == 0 {
				out = piece
				continue
			}
			out = out.Union(piece).(geom.Polygon)
		}
	}
	return out, nil
}

// bufferLine covers ls with one quad per segment and one disc per vertex.
func bufferLine(ls orb.LineString, meters float64) []geom.Polygon {
	pieces := make([]geom.Polygon, 0, 2*len(ls))

	for i, p := range ls {
		dx, dy := degreeOffsets(p, meters)
		pieces = append(pieces, disc(p, dx, dy))

		if i == 0 {
			continue
		}
		prev := ls[i-1]
		if prev == p {
			continue
		}
		pieces = append(pieces, segmentQuad(prev, p, dx, dy))
	}

	return pieces
}

// degreeOffsets converts a distance in metres to degrees of longitude and
// latitude at p.
func degreeOffsets(p orb.Point, meters float64) (float64, float64) {
	dy := meters / metersPerDegree
	cos := math.Cos(p[1] * math.Pi / 180)
	if cos < 1e-6 {
		cos = 1e-6
	}
	return dy / cos, dy
}

func segmentQuad(a, b orb.Point, dx, dy float64) geom.Polygon {
	// Normal of the segment in metre-scaled space.
	vx := (b[0] - a[0]) / dx
	vy := (b[1] - a[1]) / dy
	n := math.Hypot(vx, vy)
	nx, ny := -vy/n*dx, vx/n*dy

	return geom.Polygon{geom.Path{
		{X: a[0] + nx, Y: a[1] + ny},
		{X: b[0] + nx, Y: b[1] + ny},
		{X: b[0] - nx, Y: b[1] - ny},
		{X: a[0] - nx, Y: a[1] - ny},
	}}
}

func disc(c orb.Point, dx, dy float64) geom.Polygon {
	path := make(geom.Path, joinSides)
	for i := range path {
		a := 2 * math.Pi * float64(i) / joinSides
		path[i] = geom.Point{X: c[0] + dx*math.Cos(a), Y: c[1] + dy*math.Sin(a)}
	}
	return geom.Polygon{path}
}

// boundaryLines converts every ring of the union to a closed line.
func boundaryLines(p geom.Polygon, tolerance float64) []orb.LineString {
	var lines []orb.LineString
	for _, ring := range p {
		if len(ring) < 3 {
			continue
		}
		ls := make(orb.LineString, 0, len(ring)+1)
		for _, pt := range ring {
			ls = append(ls, orb.Point{pt.X, pt.Y})
		}
		if ls[0] != ls[len(ls)-1] {
			ls = append(ls, ls[0])
		}

		if tolerance > 0 {
			if s, ok := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone()).(orb.LineString); ok && len(s) >= 4 {
				ls = s
			}
		}
		lines = append(lines, ls)
	}
	return lines
}
