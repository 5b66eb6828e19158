// Package metadata derives per-region summary documents from the tile tree.
package metadata

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/tilefetch/internal/config"
	"github.com/MeKo-Tech/tilefetch/internal/store"
	"github.com/MeKo-Tech/tilefetch/internal/tile"
)

// RegionInfo describes the region a metadata document covers.
type RegionInfo struct {
	Bbox        [4]float64 `json:"bbox"`
	Center      [2]float64 `json:"center"` // [lng, lat]
	MinZoom     uint32     `json:"min_zoom"`
	MaxZoom     uint32     `json:"max_zoom"`
	Description string     `json:"description,omitempty"`
}

// SourceSummary aggregates one source's stored tiles.
type SourceSummary struct {
	TileCount      int   `json:"tile_count"`
	AvailableZooms []int `json:"available_zooms"`
	MinZoom        int   `json:"min_zoom"`
	MaxZoom        int   `json:"max_zoom"`
}

// RegionMetadata is the per-region document written next to the tile tree.
type RegionMetadata struct {
	RegionInfo RegionInfo               `json:"region_info"`
	Raster     map[string]SourceSummary `json:"raster"`
	Vector     map[string]SourceSummary `json:"vector"`
}

// Builder scans a region's tile tree and writes its metadata document.
// The result is a pure function of the tree: rebuilding without new tiles
// yields a byte-identical document.
type Builder struct {
	store *store.Store
}

// NewBuilder creates a builder over the given store.
func NewBuilder(st *store.Store) *Builder {
	return &Builder{store: st}
}

// Build scans <out>/<region>/{raster,vector}/ and assembles the document.
func (b *Builder) Build(region string, info RegionInfo) (*RegionMetadata, error) {
	meta := &RegionMetadata{
		RegionInfo: info,
		Raster:     make(map[string]SourceSummary),
		Vector:     make(map[string]SourceSummary),
	}

	for _, kind := range []string{config.TileKindRaster, config.TileKindVector} {
		summaries, err := b.scanKind(region, kind)
		if err != nil {
			return nil, err
		}
		if kind == config.TileKindRaster {
			meta.Raster = summaries
		} else {
			meta.Vector = summaries
		}
	}

	return meta, nil
}

// Write builds the document and stores it atomically under
// metadata/regions/<region>.json.
func (b *Builder) Write(region string, info RegionInfo) (*RegionMetadata, error) {
	meta, err := b.Build(region, info)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata for %s: %w", region, err)
	}
	data = append(data, '\n')

	rel := filepath.Join("metadata", "regions", url.PathEscape(region)+".json")
	if err := b.store.WriteJSON(rel, data); err != nil {
		return nil, err
	}
	return meta, nil
}

// Path returns where the region's metadata document lives.
func (b *Builder) Path(region string) string {
	return filepath.Join(b.store.Root(), "metadata", "regions", url.PathEscape(region)+".json")
}

// InfoForRegion derives the region_info block from a region spec.
func InfoForRegion(spec config.Region) RegionInfo {
	bbox := spec.BboxValue()
	lng, lat := bbox.Center()
	return RegionInfo{
		Bbox:        spec.Bbox,
		Center:      [2]float64{lng, lat},
		MinZoom:     spec.MinZoom,
		MaxZoom:     spec.MaxZoom,
		Description: spec.Description,
	}
}

// InfoForBbox derives the region_info block for an ad-hoc bbox run.
func InfoForBbox(bbox tile.Bbox, minZoom, maxZoom uint32) RegionInfo {
	lng, lat := bbox.Center()
	return RegionInfo{
		Bbox:    bbox.Array(),
		Center:  [2]float64{lng, lat},
		MinZoom: minZoom,
		MaxZoom: maxZoom,
	}
}

// scanKind walks <region>/<kind>/ and summarizes every source directory.
func (b *Builder) scanKind(region, kind string) (map[string]SourceSummary, error) {
	summaries := make(map[string]SourceSummary)

	kindDir := filepath.Join(b.store.RegionDir(region), kind)
	sources, err := os.ReadDir(kindDir)
	if os.IsNotExist(err) {
		return summaries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", kindDir, err)
	}

	for _, src := range sources {
		if !src.IsDir() {
			continue
		}
		summary, err := scanSource(filepath.Join(kindDir, src.Name()))
		if err != nil {
			return nil, err
		}
		if summary.TileCount == 0 {
			continue
		}
		name, err := url.PathUnescape(src.Name())
		if err != nil {
			name = src.Name()
		}
		summaries[name] = summary
	}

	return summaries, nil
}

// scanSource counts tiles per zoom under one source directory.
func scanSource(dir string) (SourceSummary, error) {
	perZoom := make(map[int]int)

	zoomDirs, err := os.ReadDir(dir)
	if err != nil {
		return SourceSummary{}, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	for _, zd := range zoomDirs {
		if !zd.IsDir() {
			continue
		}
		z, err := strconv.Atoi(zd.Name())
		if err != nil || z < 0 || z > tile.MaxZoom {
			continue
		}

		count := 0
		walkErr := filepath.Walk(filepath.Join(dir, zd.Name()), func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && isTileFile(path) {
				count++
			}
			return nil
		})
		if walkErr != nil {
			return SourceSummary{}, fmt.Errorf("failed to walk %s: %w", dir, walkErr)
		}
		if count > 0 {
			perZoom[z] += count
		}
	}

	summary := SourceSummary{AvailableZooms: make([]int, 0, len(perZoom))}
	for z, count := range perZoom {
		summary.AvailableZooms = append(summary.AvailableZooms, z)
		summary.TileCount += count
	}
	sort.Ints(summary.AvailableZooms)
	if len(summary.AvailableZooms) > 0 {
		summary.MinZoom = summary.AvailableZooms[0]
		summary.MaxZoom = summary.AvailableZooms[len(summary.AvailableZooms)-1]
	}

	return summary, nil
}

func isTileFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".webp", ".pbf":
		return true
	}
	return false
}
