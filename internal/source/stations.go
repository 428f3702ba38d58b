package source

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// NameProperty holds the normalized station label.
const NameProperty = "name"

var labelSuffixes = []string{"train station", "railway station", "station"}

// NormalizeLabel trims a raw station label, drops a trailing "Station" or
// "Train Station" and title-cases labels given in all caps.
func NormalizeLabel(raw string) string {
	label := strings.Join(strings.Fields(raw), " ")

	lower := strings.ToLower(label)
	for _, suffix := range labelSuffixes {
		if strings.HasSuffix(lower, " "+suffix) {
			label = strings.TrimSpace(label[:len(label)-len(suffix)])
			break
		}
	}

	if isAllCaps(label) {
		label = titleCase(label)
	}
	return label
}

func isAllCaps(s string) bool {
	letters := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters = true
			if unicode.IsLower(r) {
				return false
			}
		}
	}
	return letters
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		parts := strings.Split(w, "-")
		for j, p := range parts {
			if p == "" {
				continue
			}
			runes := []rune(p)
			runes[0] = unicode.ToUpper(runes[0])
			parts[j] = string(runes)
		}
		words[i] = strings.Join(parts, "-")
	}
	return strings.Join(words, " ")
}

// Stations keeps the point features of fc and writes each one's normalized
// label from labelProperty to NameProperty.
func Stations(fc *geojson.FeatureCollection, labelProperty string) *geojson.FeatureCollection {
	out := geojson.NewFeatureCollection()
	skipped := 0

	for _, f := range fc.Features {
		if f == nil {
			continue
		}
		if _, ok := f.Geometry.(orb.Point); !ok {
			skipped++
			continue
		}
		props := f.Properties.Clone()
		if props == nil {
			props = geojson.Properties{}
		}
		props[NameProperty] = NormalizeLabel(props.MustString(labelProperty, ""))

		station := geojson.NewFeature(f.Geometry)
		station.ID = f.ID
		station.Properties = props
		out.Append(station)
	}

	if skipped > 0 {
		log.Printf("Warning: skipped %d non-point station features", skipped)
	}
	return out
}

// LoadStations reads station points from GeoJSON, or from a GTFS zip's
// parent stations when the location ends in .zip.
func LoadStations(ctx context.Context, location, labelProperty string) (*geojson.FeatureCollection, error) {
	if IsGTFS(location) && !IsURL(location) {
		feed, err := ParseGTFS(location)
		if err != nil {
			return nil, err
		}
		return Stations(feed.Stations(), "stop_name"), nil
	}

	fc, err := LoadFeatureCollection(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to load stations: %w", err)
	}
	return Stations(fc, labelProperty), nil
}
