package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/paulmach/orb"

	"github.com/akl-rail-map/railmap/internal/animate"
	"github.com/akl-rail-map/railmap/internal/dissolve"
	"github.com/akl-rail-map/railmap/internal/mapview"
	"github.com/akl-rail-map/railmap/internal/style"
	"github.com/akl-rail-map/railmap/internal/visibility"
)

// Config holds all configuration for the map server
type Config struct {
	// HTTP
	Port           string
	AllowedOrigins []string

	// Data sources
	LinesSource          string
	StationsSource       string
	AlternateSource      string
	RouteKeyProperty     string
	StationLabelProperty string

	// Dissolve
	DissolveStrategy          string
	DissolveBufferMeters      float64
	DissolveSimplifyTolerance float64
	SnapToleranceMeters       float64

	// Hover and animation
	BreathPeriod    time.Duration
	BreathBaseWidth float64
	BreathAmplitude float64
	FrameInterval   time.Duration
	TooltipOffsetX  float64
	TooltipOffsetY  float64
	HitboxWidth     float64

	// Visibility
	OptionalFamilies string
	HiddenFamilies   []string
	DefaultDataset   string

	// Styles
	StylesPath string

	// Storage
	DatabasePath string
	DatabaseURL  string

	// Sessions
	SessionIdleTimeout time.Duration
	RandomSeed         int
}

// LoadEnvFiles loads .env and then .env.local, which overrides it.
func LoadEnvFiles(dir string) {
	if err := godotenv.Load(dir + "/.env"); err == nil {
		log.Printf("Loaded %s/.env", dir)
	}
	_ = godotenv.Overload(dir + "/.env.local")
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	return &Config{
		// HTTP
		Port:           getEnv("PORT", "8081"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:5173"}),

		// Data sources
		LinesSource:          getEnv("LINES_SOURCE", "data/train_lines.geojson"),
		StationsSource:       getEnv("STATIONS_SOURCE", "data/train_stations.geojson"),
		AlternateSource:      getEnv("ALTERNATE_SOURCE", ""),
		RouteKeyProperty:     getEnv("ROUTE_KEY_PROPERTY", "ROUTENUMBER"),
		StationLabelProperty: getEnv("STATION_LABEL_PROPERTY", "STOPNAME"),

		// Dissolve
		DissolveStrategy:          getEnv("DISSOLVE_STRATEGY", "combine"),
		DissolveBufferMeters:      getEnvFloat("DISSOLVE_BUFFER_METERS", 10),
		DissolveSimplifyTolerance: getEnvFloat("DISSOLVE_SIMPLIFY_TOLERANCE", 0),
		SnapToleranceMeters:       getEnvFloat("SNAP_TOLERANCE_METERS", 0),

		// Hover and animation
		BreathPeriod:    getEnvDuration("BREATH_PERIOD", 2*time.Second),
		BreathBaseWidth: getEnvFloat("BREATH_BASE_WIDTH", 6),
		BreathAmplitude: getEnvFloat("BREATH_AMPLITUDE", 6),
		FrameInterval:   getEnvDuration("FRAME_INTERVAL", 16*time.Millisecond),
		TooltipOffsetX:  getEnvFloat("TOOLTIP_OFFSET_X", 12),
		TooltipOffsetY:  getEnvFloat("TOOLTIP_OFFSET_Y", -24),
		HitboxWidth:     getEnvFloat("HITBOX_WIDTH", 20),

		// Visibility
		OptionalFamilies: getEnv("OPTIONAL_FAMILIES", "huia=HUIA"),
		HiddenFamilies:   getEnvList("HIDDEN_FAMILIES", nil),
		DefaultDataset:   getEnv("DEFAULT_DATASET", "primary"),

		// Styles
		StylesPath: getEnv("STYLES_PATH", ""),

		// Storage
		DatabasePath: getEnv("SQLITE_DATABASE", "data/railmap.db"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),

		// Sessions
		SessionIdleTimeout: getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		RandomSeed:         getEnvInt("RANDOM_SEED", 0),
	}
}

// DissolveOptions returns the dissolve settings.
func (c *Config) DissolveOptions() (dissolve.Options, error) {
	strategy, err := dissolve.ParseStrategy(c.DissolveStrategy)
	if err != nil {
		return dissolve.Options{}, err
	}
	return dissolve.Options{
		KeyProperty:       c.RouteKeyProperty,
		Strategy:          strategy,
		SnapMeters:        c.SnapToleranceMeters,
		BufferMeters:      c.DissolveBufferMeters,
		SimplifyTolerance: c.DissolveSimplifyTolerance,
	}, nil
}

// Styles loads the style table from StylesPath, or the built-in table.
func (c *Config) Styles() (*style.Table, error) {
	if c.StylesPath == "" {
		return style.Default(), nil
	}
	return style.LoadFile(c.StylesPath)
}

// MapConfig returns the session settings shared by every map.
func (c *Config) MapConfig(styles *style.Table) (mapview.Config, error) {
	families, err := visibility.ParseFamilies(c.OptionalFamilies)
	if err != nil {
		return mapview.Config{}, fmt.Errorf("failed to parse OPTIONAL_FAMILIES: %w", err)
	}
	dataset, err := visibility.ParseDataset(c.DefaultDataset)
	if err != nil {
		return mapview.Config{}, fmt.Errorf("failed to parse DEFAULT_DATASET: %w", err)
	}

	cfg := mapview.DefaultConfig()
	cfg.KeyProperty = c.RouteKeyProperty
	cfg.HitboxWidth = c.HitboxWidth
	cfg.Breathing = animate.Config{
		Period:    c.BreathPeriod,
		BaseWidth: c.BreathBaseWidth,
		Amplitude: c.BreathAmplitude,
		Interval:  c.FrameInterval,
	}
	cfg.TooltipOffset = orb.Point{c.TooltipOffsetX, c.TooltipOffsetY}
	cfg.Styles = styles
	cfg.Families = families
	cfg.HiddenFamilies = c.HiddenFamilies
	cfg.DefaultDataset = dataset
	return cfg, nil
}

// DatasetSources maps each dataset to its configured location.
func (c *Config) DatasetSources() map[visibility.Dataset]string {
	return map[visibility.Dataset]string{
		visibility.Primary:   c.LinesSource,
		visibility.Alternate: c.AlternateSource,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("1500ms") or plain milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
