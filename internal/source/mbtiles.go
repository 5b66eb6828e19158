package source

import (
	"context"
	"fmt"

	"github.com/MeKo-Tech/tilefetch/internal/config"
	"github.com/MeKo-Tech/tilefetch/internal/mbtiles"
	"github.com/MeKo-Tech/tilefetch/internal/tile"
	"github.com/MeKo-Tech/tilefetch/internal/validate"
)

// LocalSource serves tiles from an MBTiles archive on disk. The archive is
// opened once and shared; reads are safe for concurrent use.
type LocalSource struct {
	name      string
	tileKind  string
	reader    *mbtiles.Reader
	validator *validate.Validator

	minZoom, maxZoom uint32
	bounds           tile.Bbox
	hasBounds        bool
	layers           []string
}

// NewLocal opens the archive behind a local source spec. The declared zoom
// range is the archive's, narrowed by any explicit config override.
func NewLocal(spec config.Source, opts Options) (*LocalSource, error) {
	reader, err := mbtiles.OpenReader(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", spec.Name, err)
	}

	minZoom, maxZoom, err := reader.ZoomRange()
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("source %q: %w", spec.Name, err)
	}
	lo, hi := uint32(minZoom), uint32(maxZoom)
	if spec.MinZoom != nil && *spec.MinZoom > lo {
		lo = *spec.MinZoom
	}
	if spec.MaxZoom != nil && *spec.MaxZoom < hi {
		hi = *spec.MaxZoom
	}

	s := &LocalSource{
		name:      spec.Name,
		tileKind:  spec.TileKind,
		reader:    reader,
		validator: opts.Validator,
		minZoom:   lo,
		maxZoom:   hi,
	}

	if bounds, ok, err := reader.Bounds(); err == nil && ok {
		s.bounds = tile.NewBbox(bounds)
		s.hasBounds = true
	}
	if layers, err := reader.LayerNames(); err == nil {
		s.layers = layers
	}

	return s, nil
}

func (s *LocalSource) Name() string     { return s.name }
func (s *LocalSource) TileKind() string { return s.tileKind }

// LayerNames returns the vector layers the archive declares.
func (s *LocalSource) LayerNames() []string { return s.layers }

// Bounds returns the archive's declared bounding box, if any.
func (s *LocalSource) Bounds() (tile.Bbox, bool) { return s.bounds, s.hasBounds }

// Accepts prefilters by the archive's zoom range and declared bounds.
func (s *LocalSource) Accepts(c tile.Coords) bool {
	if c.Z < s.minZoom || c.Z > s.maxZoom {
		return false
	}
	if !s.hasBounds {
		return true
	}
	for _, part := range s.bounds.Split() {
		if c.Bounds().Intersects(part) {
			return true
		}
	}
	return false
}

// Fetch looks the tile up in the archive. Out-of-range and absent rows are
// authoritative misses; present blobs run through the validator (which also
// strips the gzip framing MBTiles applies to vector data).
func (s *LocalSource) Fetch(ctx context.Context, c tile.Coords) Result {
	if err := ctx.Err(); err != nil {
		return Result{Status: StatusTransient, Source: s.name, Reason: "cancelled"}
	}
	if !s.Accepts(c) {
		return Result{Status: StatusNotFound, Source: s.name}
	}

	data, ok, err := s.reader.GetTile(int(c.Z), int(c.X), int(c.Y))
	if err != nil {
		return Result{Status: StatusTransient, Source: s.name, Reason: err.Error()}
	}
	if !ok {
		return Result{Status: StatusNotFound, Source: s.name}
	}
	if len(data) == 0 {
		return Result{Status: StatusEmpty, Source: s.name}
	}

	if s.tileKind == config.TileKindVector {
		class, stored := s.validator.Vector(data)
		switch class {
		case validate.Valid:
			return Result{Status: StatusGot, Data: stored, Source: s.name}
		case validate.Empty:
			return Result{Status: StatusEmpty, Source: s.name}
		default:
			return Result{Status: StatusInvalid, Source: s.name, Reason: "archive blob failed vector validation"}
		}
	}

	switch s.validator.Raster(data) {
	case validate.Valid:
		return Result{Status: StatusGot, Data: data, Source: s.name}
	case validate.Empty:
		return Result{Status: StatusEmpty, Source: s.name}
	default:
		return Result{Status: StatusInvalid, Source: s.name, Reason: "archive blob failed raster validation"}
	}
}

// Close releases the archive handle.
func (s *LocalSource) Close() error {
	return s.reader.Close()
}
