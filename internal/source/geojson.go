// Package source loads route lines and stations from GeoJSON files, URLs
// and GTFS static feeds.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
)

var client = &http.Client{
	Timeout: 30 * time.Second,
}

// IsURL reports whether location is fetched over http(s) rather than read
// from disk.
func IsURL(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// IsGTFS reports whether location names a GTFS static zip.
func IsGTFS(location string) bool {
	return strings.HasSuffix(strings.ToLower(location), ".zip")
}

// Read returns the raw bytes at location.
func Read(ctx context.Context, location string) ([]byte, error) {
	if !IsURL(location) {
		data, err := os.ReadFile(location)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", location, err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", location, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", location, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// LoadFeatureCollection reads a GeoJSON FeatureCollection from a file path
// or http(s) URL.
func LoadFeatureCollection(ctx context.Context, location string) (*geojson.FeatureCollection, error) {
	data, err := Read(ctx, location)
	if err != nil {
		return nil, err
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", location, err)
	}
	return fc, nil
}

// LoadLines reads route lines from GeoJSON, or from a GTFS zip when the
// location ends in .zip.
func LoadLines(ctx context.Context, location string) (*geojson.FeatureCollection, error) {
	if IsGTFS(location) && !IsURL(location) {
		return LoadGTFSLines(location)
	}
	return LoadFeatureCollection(ctx, location)
}

// Checksum returns the hex sha256 of the collection's JSON encoding.
func Checksum(fc *geojson.FeatureCollection) (string, error) {
	data, err := json.Marshal(fc)
	if err != nil {
		return "", fmt.Errorf("failed to encode collection: %w", err)
	}
	return sha256Sum(data), nil
}

func sha256Sum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
