package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/akl-rail-map/railmap/internal/dissolve"
	"github.com/akl-rail-map/railmap/internal/source"
)

func main() {
	in := flag.String("in", "data/train_lines.geojson", "Input GeoJSON file, URL or GTFS zip")
	out := flag.String("out", "data/train_lines_dissolved.geojson", "Output GeoJSON file")
	key := flag.String("key", dissolve.DefaultKeyProperty, "Route key attribute")
	strategy := flag.String("strategy", string(dissolve.StrategyCombine), "Dissolve strategy: combine or buffer")
	buffer := flag.Float64("buffer", dissolve.DefaultBufferMeters, "Buffer distance in meters (buffer strategy)")
	snap := flag.Float64("snap", 0, "Endpoint snap tolerance in meters")
	simplify := flag.Float64("simplify", 0, "Douglas-Peucker tolerance in degrees (buffer strategy)")
	flag.Parse()

	s, err := dissolve.ParseStrategy(*strategy)
	if err != nil {
		log.Fatalf("Invalid strategy: %v", err)
	}
	opts := dissolve.Options{
		KeyProperty:       *key,
		Strategy:          s,
		SnapMeters:        *snap,
		BufferMeters:      *buffer,
		SimplifyTolerance: *simplify,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	log.Printf("Reading %s...", *in)
	raw, err := source.LoadLines(ctx, *in)
	if err != nil {
		log.Fatalf("Failed to read input: %v", err)
	}

	start := time.Now()
	fc, stats := dissolve.Dissolve(raw.Features, opts)
	log.Printf("Dissolved %d fragments into %d routes in %v", stats.Features, stats.Routes, time.Since(start))
	log.Printf("  connected=%d multi_part=%d skipped=%d", stats.Connected, stats.MultiPart, stats.Skipped)

	data, err := json.Marshal(fc)
	if err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
	if dir := filepath.Dir(*out); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}
	if err := os.WriteFile(*out, data, 0644); err != nil {
		log.Fatalf("Failed to write output: %v", err)
	}

	log.Printf("Wrote %s (%d bytes)", *out, len(data))
}
