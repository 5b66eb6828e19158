package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"regions": {
			"istanbul": {"bbox": [28.5, 40.8, 29.5, 41.2], "minZoom": 10, "maxZoom": 11, "description": "Istanbul"}
		},
		"sources": [
			{"name": "osm", "kind": "http", "tileKind": "raster", "urlTemplate": "https://tile.example.com/{z}/{x}/{y}.png"}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, DefaultWorkersPerSource, cfg.WorkersPerSource)
	require.Equal(t, DefaultRetryAttempts, cfg.RetryAttempts)
	require.Equal(t, 30*time.Second, cfg.Timeout)
	require.True(t, cfg.VectorFirst)
	require.Equal(t, "tiles", cfg.OutputDir)

	region := cfg.Regions["istanbul"]
	require.Equal(t, uint32(10), region.MinZoom)
	require.Equal(t, uint32(11), region.MaxZoom)
	require.Equal(t, [4]float64{28.5, 40.8, 29.5, 41.2}, region.Bbox)
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeConfig(t, `{
		"outputDir": "/data/tiles",
		"workersPerSource": 4,
		"retryAttempts": 5,
		"timeout": "10s",
		"userAgent": "custom/2.0",
		"vectorFirst": false,
		"emptyFingerprints": ["deadbeefdeadbeefdeadbeefdeadbeef"],
		"regions": {},
		"sources": [
			{"name": "vec", "kind": "local", "tileKind": "vector", "path": "vec.mbtiles", "minZoom": 4, "maxZoom": 14},
			{"name": "ras", "kind": "http", "tileKind": "raster", "urlTemplate": "https://x/{z}/{x}/{y}", "headers": {"Referer": "https://example.com"}}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/data/tiles", cfg.OutputDir)
	require.Equal(t, 4, cfg.WorkersPerSource)
	require.Equal(t, 5, cfg.RetryAttempts)
	require.Equal(t, 10*time.Second, cfg.Timeout)
	require.Equal(t, "custom/2.0", cfg.UserAgent)
	require.False(t, cfg.VectorFirst)
	require.Len(t, cfg.EmptyFingerprints, 1)

	vec, err := cfg.SourceByName("vec")
	require.NoError(t, err)
	require.Equal(t, KindLocal, vec.Kind)
	require.NotNil(t, vec.MinZoom)
	require.Equal(t, uint32(4), *vec.MinZoom)
	require.NotNil(t, vec.MaxZoom)
	require.Equal(t, uint32(14), *vec.MaxZoom)

	ras, err := cfg.SourceByName("ras")
	require.NoError(t, err)
	require.Nil(t, ras.MinZoom)
	require.Equal(t, "https://example.com", ras.Headers["Referer"])

	_, err = cfg.SourceByName("nope")
	require.Error(t, err)
}

func TestLoadIgnoresUnknownFields(t *testing.T) {
	path := writeConfig(t, `{
		"regions": {},
		"sources": [],
		"someFutureKnob": 42
	}`)

	_, err := Load(path)
	require.NoError(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad json", `{not json`},
		{"http without template", `{"sources": [{"name": "a", "kind": "http", "tileKind": "raster"}]}`},
		{"local without path", `{"sources": [{"name": "a", "kind": "local", "tileKind": "vector"}]}`},
		{"unknown kind", `{"sources": [{"name": "a", "kind": "ftp", "tileKind": "raster", "urlTemplate": "x"}]}`},
		{"unknown tile kind", `{"sources": [{"name": "a", "kind": "http", "tileKind": "terrain", "urlTemplate": "x"}]}`},
		{"duplicate source", `{"sources": [
			{"name": "a", "kind": "http", "tileKind": "raster", "urlTemplate": "x"},
			{"name": "a", "kind": "http", "tileKind": "raster", "urlTemplate": "y"}]}`},
		{"inverted region zooms", `{"regions": {"r": {"bbox": [0,0,1,1], "minZoom": 9, "maxZoom": 3}}}`},
		{"region zoom too deep", `{"regions": {"r": {"bbox": [0,0,1,1], "minZoom": 0, "maxZoom": 25}}}`},
		{"bad bbox latitude", `{"regions": {"r": {"bbox": [0,-95,1,0], "minZoom": 0, "maxZoom": 1}}}`},
		{"inverted source zooms", `{"sources": [{"name": "a", "kind": "http", "tileKind": "raster", "urlTemplate": "x", "minZoom": 9, "maxZoom": 2}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
