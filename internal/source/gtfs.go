package source

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"slices"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/akl-rail-map/railmap/internal/dissolve"
)

// routeTypeRail is the GTFS route_type for rail services.
const routeTypeRail = 2

// Feed is the part of a GTFS static feed the map draws.
type Feed struct {
	Routes []Route
	Trips  []Trip
	Stops  []Stop
	Shapes map[string][]ShapePoint // keyed by shape_id
}

// Route is a row of routes.txt.
type Route struct {
	RouteID        string
	RouteShortName string
	RouteLongName  string
	RouteType      int
	RouteColor     string
}

// Trip is a row of trips.txt.
type Trip struct {
	RouteID string
	TripID  string
	ShapeID string
}

// Stop is a row of stops.txt.
type Stop struct {
	StopID        string
	StopName      string
	StopLat       float64
	StopLon       float64
	LocationType  int
	ParentStation string
}

// ShapePoint is a row of shapes.txt.
type ShapePoint struct {
	ShapeID  string
	Lat      float64
	Lon      float64
	Sequence int
}

// ParseGTFS reads routes, trips, stops and shapes from a GTFS zip. Missing or
// unreadable files are logged and left empty.
func ParseGTFS(zipPath string) (*Feed, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	files := make(map[string]*zip.File)
	for _, f := range r.File {
		files[f.Name] = f
	}

	feed := &Feed{Shapes: make(map[string][]ShapePoint)}

	if err := eachRecord(files, "routes.txt", func(get field) {
		routeType, _ := strconv.Atoi(get("route_type"))
		feed.Routes = append(feed.Routes, Route{
			RouteID:        get("route_id"),
			RouteShortName: get("route_short_name"),
			RouteLongName:  get("route_long_name"),
			RouteType:      routeType,
			RouteColor:     get("route_color"),
		})
	}); err != nil {
		log.Printf("Warning: failed to parse routes.txt: %v", err)
	}

	if err := eachRecord(files, "trips.txt", func(get field) {
		feed.Trips = append(feed.Trips, Trip{
			RouteID: get("route_id"),
			TripID:  get("trip_id"),
			ShapeID: get("shape_id"),
		})
	}); err != nil {
		log.Printf("Warning: failed to parse trips.txt: %v", err)
	}

	if err := eachRecord(files, "stops.txt", func(get field) {
		lat, _ := strconv.ParseFloat(get("stop_lat"), 64)
		lon, _ := strconv.ParseFloat(get("stop_lon"), 64)
		locType, _ := strconv.Atoi(get("location_type"))
		feed.Stops = append(feed.Stops, Stop{
			StopID:        get("stop_id"),
			StopName:      get("stop_name"),
			StopLat:       lat,
			StopLon:       lon,
			LocationType:  locType,
			ParentStation: get("parent_station"),
		})
	}); err != nil {
		log.Printf("Warning: failed to parse stops.txt: %v", err)
	}

	if err := eachRecord(files, "shapes.txt", func(get field) {
		id := get("shape_id")
		lat, _ := strconv.ParseFloat(get("shape_pt_lat"), 64)
		lon, _ := strconv.ParseFloat(get("shape_pt_lon"), 64)
		seq, _ := strconv.Atoi(get("shape_pt_sequence"))
		feed.Shapes[id] = append(feed.Shapes[id], ShapePoint{ShapeID: id, Lat: lat, Lon: lon, Sequence: seq})
	}); err != nil {
		log.Printf("Warning: failed to parse shapes.txt: %v", err)
	}

	for id := range feed.Shapes {
		slices.SortStableFunc(feed.Shapes[id], func(a, b ShapePoint) int { return a.Sequence - b.Sequence })
	}

	log.Printf("GTFS parsed: %d routes, %d trips, %d stops, %d shapes",
		len(feed.Routes), len(feed.Trips), len(feed.Stops), len(feed.Shapes))

	return feed, nil
}

// Lines returns one line feature per distinct rail shape, tagged with the
// route short name under the default route key. Features keep route order
// then first-trip order.
func (f *Feed) Lines() *geojson.FeatureCollection {
	shapesByRoute := make(map[string][]string)
	seen := make(map[string]bool)
	for _, t := range f.Trips {
		if t.ShapeID == "" || seen[t.ShapeID] {
			continue
		}
		seen[t.ShapeID] = true
		shapesByRoute[t.RouteID] = append(shapesByRoute[t.RouteID], t.ShapeID)
	}

	fc := geojson.NewFeatureCollection()
	for _, route := range f.Routes {
		if route.RouteType != routeTypeRail {
			continue
		}
		key := strings.ToUpper(route.RouteShortName)
		if key == "" {
			key = strings.ToUpper(route.RouteID)
		}

		for _, shapeID := range shapesByRoute[route.RouteID] {
			points := f.Shapes[shapeID]
			if len(points) < 2 {
				continue
			}
			ls := make(orb.LineString, len(points))
			for i, p := range points {
				ls[i] = orb.Point{p.Lon, p.Lat}
			}

			feature := geojson.NewFeature(ls)
			feature.Properties[dissolve.DefaultKeyProperty] = key
			feature.Properties["route_id"] = route.RouteID
			feature.Properties["shape_id"] = shapeID
			if route.RouteLongName != "" {
				feature.Properties["route_long_name"] = route.RouteLongName
			}
			if route.RouteColor != "" {
				feature.Properties["route_color"] = "#" + route.RouteColor
			}
			fc.Append(feature)
		}
	}
	return fc
}

// Stations returns the feed's parent stations as point features.
func (f *Feed) Stations() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, s := range f.Stops {
		if s.LocationType != 1 {
			continue
		}
		feature := geojson.NewFeature(orb.Point{s.StopLon, s.StopLat})
		feature.Properties["stop_id"] = s.StopID
		feature.Properties["stop_name"] = s.StopName
		fc.Append(feature)
	}
	return fc
}

// LoadGTFSLines parses zipPath and returns its rail shapes as lines.
func LoadGTFSLines(zipPath string) (*geojson.FeatureCollection, error) {
	feed, err := ParseGTFS(zipPath)
	if err != nil {
		return nil, err
	}
	return feed.Lines(), nil
}

type field func(name string) string

func eachRecord(files map[string]*zip.File, name string, row func(get field)) error {
	f, ok := files[name]
	if !ok {
		return nil
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return err
	}
	idx := makeIndex(header)

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		row(func(name string) string { return getField(record, idx, name) })
	}
	return nil
}

func makeIndex(header []string) map[string]int {
	idx := make(map[string]int)
	for i, h := range header {
		idx[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}
	return idx
}

func getField(record []string, idx map[string]int, name string) string {
	if i, ok := idx[name]; ok && i < len(record) {
		return strings.TrimSpace(record[i])
	}
	return ""
}
