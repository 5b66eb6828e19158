package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tilefetch/internal/config"
	"github.com/MeKo-Tech/tilefetch/internal/tile"
)

func testConfig() *config.Config {
	return &config.Config{
		OutputDir:        "tiles",
		WorkersPerSource: 2,
		RetryAttempts:    3,
		Timeout:          time.Second,
		Regions: map[string]config.Region{
			"istanbul": {Bbox: [4]float64{28.5, 40.8, 29.5, 41.2}, MinZoom: 10, MaxZoom: 11},
		},
		Sources: []config.Source{
			{Name: "omt", Kind: config.KindHTTP, TileKind: config.TileKindVector, URLTemplate: "https://v/{z}/{x}/{y}.pbf"},
			{Name: "osm", Kind: config.KindHTTP, TileKind: config.TileKindRaster, URLTemplate: "https://r/{z}/{x}/{y}.png"},
			{Name: "offline", Kind: config.KindLocal, TileKind: config.TileKindVector, Path: "offline.mbtiles"},
		},
	}
}

func TestResolveSelectionRegion(t *testing.T) {
	cfg := testConfig()

	name, bbox, minZoom, maxZoom, err := resolveSelection(cfg, "istanbul", "", -1, -1)
	require.NoError(t, err)
	require.Equal(t, "istanbul", name)
	require.Equal(t, 28.5, bbox.MinLng)
	require.Equal(t, uint32(10), minZoom)
	require.Equal(t, uint32(11), maxZoom)
}

func TestResolveSelectionZoomOverride(t *testing.T) {
	cfg := testConfig()

	_, _, minZoom, maxZoom, err := resolveSelection(cfg, "istanbul", "", 12, 13)
	require.NoError(t, err)
	require.Equal(t, uint32(12), minZoom)
	require.Equal(t, uint32(13), maxZoom)
}

func TestResolveSelectionBbox(t *testing.T) {
	cfg := testConfig()

	name, bbox, minZoom, maxZoom, err := resolveSelection(cfg, "", "9.7,52.3,9.9,52.4", 8, 10)
	require.NoError(t, err)
	require.Equal(t, adHocRegion, name)
	require.Equal(t, 9.7, bbox.MinLng)
	require.Equal(t, uint32(8), minZoom)
	require.Equal(t, uint32(10), maxZoom)
}

func TestResolveSelectionErrors(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name             string
		region, bbox     string
		minZoom, maxZoom int
	}{
		{"both region and bbox", "istanbul", "1,2,3,4", 1, 2},
		{"neither", "", "", 1, 2},
		{"unknown region", "atlantis", "", -1, -1},
		{"bbox without zooms", "", "9.7,52.3,9.9,52.4", -1, -1},
		{"inverted zooms", "", "9.7,52.3,9.9,52.4", 10, 8},
		{"zoom too deep", "", "9.7,52.3,9.9,52.4", 10, 25},
		{"malformed bbox", "", "9.7,52.3,9.9", 8, 10},
		{"bbox bad latitude", "", "9.7,-95,9.9,52.4", 8, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, _, err := resolveSelection(cfg, tt.region, tt.bbox, tt.minZoom, tt.maxZoom)
			require.Error(t, err)
		})
	}
}

func TestSelectSourcesDefaultsToAll(t *testing.T) {
	cfg := testConfig()

	specs, err := selectSources(cfg, nil, nil)
	require.NoError(t, err)
	require.Len(t, specs, 3)
	// Configured order is preserved.
	require.Equal(t, "omt", specs[0].Name)
	require.Equal(t, "osm", specs[1].Name)
}

func TestSelectSourcesUnion(t *testing.T) {
	cfg := testConfig()

	specs, err := selectSources(cfg, []string{"osm"}, []string{"offline"})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	require.Equal(t, "osm", specs[0].Name)
	require.Equal(t, "offline", specs[1].Name)
}

func TestSelectSourcesRejectsKindMismatch(t *testing.T) {
	cfg := testConfig()

	// A local archive cannot be selected via --servers.
	_, err := selectSources(cfg, []string{"offline"}, nil)
	require.Error(t, err)

	// A remote server cannot be selected via --sources.
	_, err = selectSources(cfg, nil, []string{"osm"})
	require.Error(t, err)
}

func TestSelectSourcesUnknownName(t *testing.T) {
	cfg := testConfig()

	_, err := selectSources(cfg, []string{"nope"}, nil)
	require.Error(t, err)
}

func TestParseTilePath(t *testing.T) {
	tests := []struct {
		rel    string
		coords tile.Coords
		ext    string
		ok     bool
	}{
		{"10/593/383.png", tile.NewCoords(10, 593, 383), "png", true},
		{"11/1186/766.pbf", tile.NewCoords(11, 1186, 766), "pbf", true},
		{"10/593/383.png.tmp", tile.Coords{}, "", false},
		{"593/383.png", tile.Coords{}, "", false},
		{"abc/def/ghi.png", tile.Coords{}, "", false},
		{"10/9999999/1.png", tile.Coords{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			coords, ext, ok := parseTilePath(tt.rel)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				require.Equal(t, tt.coords, coords)
				require.Equal(t, tt.ext, ext)
			}
		})
	}
}

func TestExitCodeMapping(t *testing.T) {
	require.Equal(t, ExitCancelled, exitCode(context.Canceled))
	require.Equal(t, ExitCancelled, exitCode(wrap(context.Canceled)))
	require.Equal(t, ExitAllFailed, exitCode(errAllTilesFailed))
	require.Equal(t, ExitAllFailed, exitCode(wrap(errAllTilesFailed)))
	require.Equal(t, ExitConfig, exitCode(assertError("bad config")))
}

func wrap(err error) error {
	return &wrappedError{err}
}

type wrappedError struct{ inner error }

func (w *wrappedError) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrappedError) Unwrap() error { return w.inner }

type assertError string

func (e assertError) Error() string { return string(e) }
