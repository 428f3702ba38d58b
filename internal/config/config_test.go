package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/akl-rail-map/railmap/internal/dissolve"
	"github.com/akl-rail-map/railmap/internal/visibility"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "BREATH_PERIOD", "HIDDEN_FAMILIES", "ALLOWED_ORIGINS", "DISSOLVE_STRATEGY"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Port != "8081" {
		t.Errorf("Port = %q, want 8081", cfg.Port)
	}
	if cfg.BreathPeriod != 2*time.Second {
		t.Errorf("BreathPeriod = %v, want 2s", cfg.BreathPeriod)
	}
	if cfg.TooltipOffsetX != 12 || cfg.TooltipOffsetY != -24 {
		t.Errorf("tooltip offset = (%f, %f)", cfg.TooltipOffsetX, cfg.TooltipOffsetY)
	}
	if cfg.HiddenFamilies != nil {
		t.Errorf("HiddenFamilies = %v, want none", cfg.HiddenFamilies)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"http://localhost:5173"}) {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.DissolveStrategy != "combine" || cfg.DissolveBufferMeters != 10 {
		t.Errorf("dissolve = %s/%f", cfg.DissolveStrategy, cfg.DissolveBufferMeters)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("BREATH_PERIOD", "1500ms")
	t.Setenv("FRAME_INTERVAL", "33")
	t.Setenv("HITBOX_WIDTH", "24.5")
	t.Setenv("HIDDEN_FAMILIES", "huia, extra ,")
	t.Setenv("RANDOM_SEED", "42")
	t.Setenv("SESSION_IDLE_TIMEOUT", "not-a-duration")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.BreathPeriod != 1500*time.Millisecond {
		t.Errorf("BreathPeriod = %v", cfg.BreathPeriod)
	}
	if cfg.FrameInterval != 33*time.Millisecond {
		t.Errorf("FrameInterval = %v, plain numbers are milliseconds", cfg.FrameInterval)
	}
	if cfg.HitboxWidth != 24.5 {
		t.Errorf("HitboxWidth = %f", cfg.HitboxWidth)
	}
	if !reflect.DeepEqual(cfg.HiddenFamilies, []string{"huia", "extra"}) {
		t.Errorf("HiddenFamilies = %v", cfg.HiddenFamilies)
	}
	if cfg.RandomSeed != 42 {
		t.Errorf("RandomSeed = %d", cfg.RandomSeed)
	}
	if cfg.SessionIdleTimeout != 30*time.Minute {
		t.Errorf("invalid duration should fall back, got %v", cfg.SessionIdleTimeout)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("LINES_SOURCE=base.geojson\nSTATIONS_SOURCE=stations.geojson\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env.local"), []byte("LINES_SOURCE=local.geojson\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Register cleanup for the variables the files set.
	t.Setenv("LINES_SOURCE", "")
	t.Setenv("STATIONS_SOURCE", "")
	os.Unsetenv("LINES_SOURCE")
	os.Unsetenv("STATIONS_SOURCE")

	LoadEnvFiles(dir)
	cfg := Load()

	if cfg.LinesSource != "local.geojson" {
		t.Errorf("LinesSource = %q, .env.local should override", cfg.LinesSource)
	}
	if cfg.StationsSource != "stations.geojson" {
		t.Errorf("StationsSource = %q", cfg.StationsSource)
	}
}

func TestDissolveOptions(t *testing.T) {
	tests := []struct {
		strategy string
		want     dissolve.Strategy
		wantErr  bool
	}{
		{"combine", dissolve.StrategyCombine, false},
		{"BUFFER", dissolve.StrategyBuffer, false},
		{"", dissolve.StrategyCombine, false},
		{"union", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			cfg := &Config{DissolveStrategy: tt.strategy, RouteKeyProperty: "ROUTENUMBER", DissolveBufferMeters: 12}
			opts, err := cfg.DissolveOptions()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (opts.Strategy != tt.want || opts.BufferMeters != 12) {
				t.Errorf("opts = %+v", opts)
			}
		})
	}
}

func TestMapConfig(t *testing.T) {
	cfg := &Config{
		RouteKeyProperty: "ROUTENUMBER",
		HitboxWidth:      24,
		BreathPeriod:     time.Second,
		BreathBaseWidth:  4,
		BreathAmplitude:  2,
		FrameInterval:    20 * time.Millisecond,
		TooltipOffsetX:   12,
		TooltipOffsetY:   -24,
		OptionalFamilies: "huia=HUIA",
		HiddenFamilies:   []string{"huia"},
		DefaultDataset:   "alternate",
	}
	styles, err := cfg.Styles()
	if err != nil {
		t.Fatal(err)
	}

	m, err := cfg.MapConfig(styles)
	if err != nil {
		t.Fatalf("MapConfig: %v", err)
	}
	if m.DefaultDataset != visibility.Alternate {
		t.Errorf("DefaultDataset = %s", m.DefaultDataset)
	}
	if len(m.Families) != 1 || m.Families[0].Routes[0] != "HUIA" {
		t.Errorf("Families = %+v", m.Families)
	}
	if m.TooltipOffset != (orb.Point{12, -24}) || m.HitboxWidth != 24 {
		t.Errorf("offset %v hitbox %f", m.TooltipOffset, m.HitboxWidth)
	}
	if m.Breathing.Period != time.Second || m.Breathing.Interval != 20*time.Millisecond {
		t.Errorf("Breathing = %+v", m.Breathing)
	}

	cfg.DefaultDataset = "tram"
	if _, err := cfg.MapConfig(styles); err == nil {
		t.Error("unknown dataset should fail")
	}
	cfg.DefaultDataset = ""
	cfg.OptionalFamilies = "broken"
	if _, err := cfg.MapConfig(styles); err == nil {
		t.Error("malformed families should fail")
	}
}
