// Package config loads and validates the static run configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tilefetch/internal/tile"
)

// Source kinds.
const (
	KindHTTP  = "http"
	KindLocal = "local"
)

// Tile payload kinds.
const (
	TileKindRaster = "raster"
	TileKindVector = "vector"
)

// Defaults applied when the config file omits a value.
const (
	DefaultWorkersPerSource = 8
	DefaultRetryAttempts    = 3
	DefaultTimeout          = 30 * time.Second
	DefaultUserAgent        = "tilefetch/1.0"
)

// Region describes a named download region.
type Region struct {
	Bbox        [4]float64 `mapstructure:"bbox"`
	MinZoom     uint32     `mapstructure:"minZoom"`
	MaxZoom     uint32     `mapstructure:"maxZoom"`
	Description string     `mapstructure:"description"`
}

// BboxValue returns the region's bounding box as a tile.Bbox.
func (r Region) BboxValue() tile.Bbox {
	return tile.NewBbox(r.Bbox)
}

// Source describes one tile source in fallback order.
type Source struct {
	Name        string            `mapstructure:"name"`
	Kind        string            `mapstructure:"kind"`     // http | local
	TileKind    string            `mapstructure:"tileKind"` // raster | vector
	URLTemplate string            `mapstructure:"urlTemplate"`
	Path        string            `mapstructure:"path"`
	Headers     map[string]string `mapstructure:"headers"`
	MinZoom     *uint32           `mapstructure:"minZoom"`
	MaxZoom     *uint32           `mapstructure:"maxZoom"`
}

// Config is the immutable configuration for one run.
type Config struct {
	Regions           map[string]Region `mapstructure:"regions"`
	Sources           []Source          `mapstructure:"sources"`
	OutputDir         string            `mapstructure:"outputDir"`
	WorkersPerSource  int               `mapstructure:"workersPerSource"`
	RetryAttempts     int               `mapstructure:"retryAttempts"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	UserAgent         string            `mapstructure:"userAgent"`
	VectorFirst       bool              `mapstructure:"vectorFirst"`
	EmptyFingerprints []string          `mapstructure:"emptyFingerprints"` // hex MD5 of known blank payloads
}

// Load reads the config file at path, applies defaults and validates the
// result. Unknown fields are ignored.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("TILEFETCH")
	v.AutomaticEnv()

	v.SetDefault("outputDir", "tiles")
	v.SetDefault("workersPerSource", DefaultWorkersPerSource)
	v.SetDefault("retryAttempts", DefaultRetryAttempts)
	v.SetDefault("timeout", DefaultTimeout)
	v.SetDefault("userAgent", DefaultUserAgent)
	v.SetDefault("vectorFirst", true)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("outputDir must not be empty")
	}
	if c.WorkersPerSource < 1 {
		return fmt.Errorf("workersPerSource must be >= 1, got %d", c.WorkersPerSource)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retryAttempts must be >= 1, got %d", c.RetryAttempts)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}

	for name, region := range c.Regions {
		if err := c.validateRegion(name, region); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if err := validateSource(i, src); err != nil {
			return err
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
	}

	return nil
}

func (c *Config) validateRegion(name string, region Region) error {
	if name == "" {
		return fmt.Errorf("region with empty name")
	}
	if err := region.BboxValue().Validate(); err != nil {
		return fmt.Errorf("region %q: %w", name, err)
	}
	if region.MinZoom > region.MaxZoom {
		return fmt.Errorf("region %q: minZoom (%d) > maxZoom (%d)", name, region.MinZoom, region.MaxZoom)
	}
	if region.MaxZoom > tile.MaxZoom {
		return fmt.Errorf("region %q: maxZoom %d exceeds limit %d", name, region.MaxZoom, tile.MaxZoom)
	}
	return nil
}

func validateSource(i int, src Source) error {
	if src.Name == "" {
		return fmt.Errorf("source #%d has no name", i)
	}
	switch src.Kind {
	case KindHTTP:
		if src.URLTemplate == "" {
			return fmt.Errorf("source %q: http sources need a urlTemplate", src.Name)
		}
	case KindLocal:
		if src.Path == "" {
			return fmt.Errorf("source %q: local sources need a path", src.Name)
		}
	default:
		return fmt.Errorf("source %q: unknown kind %q (want %s or %s)", src.Name, src.Kind, KindHTTP, KindLocal)
	}
	switch src.TileKind {
	case TileKindRaster, TileKindVector:
	default:
		return fmt.Errorf("source %q: unknown tileKind %q (want %s or %s)", src.Name, src.TileKind, TileKindRaster, TileKindVector)
	}
	if src.MinZoom != nil && src.MaxZoom != nil && *src.MinZoom > *src.MaxZoom {
		return fmt.Errorf("source %q: minZoom (%d) > maxZoom (%d)", src.Name, *src.MinZoom, *src.MaxZoom)
	}
	if src.MaxZoom != nil && *src.MaxZoom > tile.MaxZoom {
		return fmt.Errorf("source %q: maxZoom %d exceeds limit %d", src.Name, *src.MaxZoom, tile.MaxZoom)
	}
	return nil
}

// SourceByName returns the named source, or an error listing what exists.
func (c *Config) SourceByName(name string) (Source, error) {
	for _, src := range c.Sources {
		if src.Name == name {
			return src, nil
		}
	}
	names := make([]string, 0, len(c.Sources))
	for _, src := range c.Sources {
		names = append(names, src.Name)
	}
	return Source{}, fmt.Errorf("unknown source %q (configured: %v)", name, names)
}
