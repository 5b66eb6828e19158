package mbtiles

import (
	"bytes"
	"compress/gzip"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testMetadata(format string) Metadata {
	m := Metadata{
		Name:    "test",
		Format:  format,
		MinZoom: 10,
		MaxZoom: 11,
		Bounds:  [4]float64{28.5, 40.8, 29.5, 41.2},
		Center:  [3]float64{29.0, 41.0, 10},
	}
	if format == "pbf" {
		m.Layers = []string{"roads", "water"}
	}
	return m
}

func TestWriterReaderRoundTripRaster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.mbtiles")

	w, err := New(path, testMetadata("png"))
	require.NoError(t, err)

	payload := []byte("\x89PNG\r\n\x1a\nfake-png-payload")
	require.NoError(t, w.WriteTile(10, 593, 383, payload))
	require.NoError(t, w.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	data, ok, err := r.GetTile(10, 593, 383)
	require.NoError(t, err)
	require.True(t, ok)
	// Raster data is stored uncompressed.
	require.Equal(t, payload, data)

	_, ok, err = r.GetTile(10, 593, 384)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriterCompressesVectorTiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vec.mbtiles")

	w, err := New(path, testMetadata("pbf"))
	require.NoError(t, err)

	payload := []byte("\x1a\x0bfake-mvt-layer-data")
	require.NoError(t, w.WriteTile(11, 1186, 766, payload))
	require.NoError(t, w.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	data, ok, err := r.GetTile(11, 1186, 766)
	require.NoError(t, err)
	require.True(t, ok)

	// Stored blob must be gzipped and round back to the payload.
	require.True(t, len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b, "vector blob should be gzipped")
	gr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	plain, err := io.ReadAll(gr)
	require.NoError(t, err)
	require.Equal(t, payload, plain)
}

func TestReaderMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.mbtiles")

	w, err := New(path, testMetadata("pbf"))
	require.NoError(t, err)
	require.NoError(t, w.WriteTile(10, 1, 2, []byte("data")))
	require.NoError(t, w.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	meta, err := r.Metadata()
	require.NoError(t, err)
	require.Equal(t, "test", meta.Name)
	require.Equal(t, "pbf", meta.Format)
	require.Equal(t, [4]float64{28.5, 40.8, 29.5, 41.2}, meta.Bounds)

	minZoom, maxZoom, err := r.ZoomRange()
	require.NoError(t, err)
	require.Equal(t, 10, minZoom)
	require.Equal(t, 11, maxZoom)

	bounds, ok, err := r.Bounds()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 28.5, bounds[0])

	layers, err := r.LayerNames()
	require.NoError(t, err)
	require.Equal(t, []string{"roads", "water"}, layers)
}

func TestZoomRangeFallsBackToTiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nozoom.mbtiles")

	w, err := New(path, Metadata{Name: "bare", Format: "png"})
	require.NoError(t, err)
	require.NoError(t, w.WriteTile(7, 1, 1, []byte("a")))
	require.NoError(t, w.WriteTile(9, 2, 2, []byte("b")))
	require.NoError(t, w.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	minZoom, maxZoom, err := r.ZoomRange()
	require.NoError(t, err)
	require.Equal(t, 7, minZoom)
	require.Equal(t, 9, maxZoom)
}

func TestOpenReaderRejectsNonMbtiles(t *testing.T) {
	_, err := OpenReader(filepath.Join(t.TempDir(), "missing.mbtiles"))
	require.Error(t, err)
}
