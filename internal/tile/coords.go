// Package tile provides Web Mercator tile coordinate math.
package tile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// MaxZoom is the highest zoom level the tile system addresses.
const MaxZoom = 22

// maxMercatorLat is the latitude bound of the Web Mercator projection.
// Latitudes beyond it are clamped before projecting.
const maxMercatorLat = 85.05

// Coords represents a tile coordinate in the Web Mercator tile system (z/x/y).
type Coords struct {
	Z uint32 // Zoom level (0-22)
	X uint32 // X coordinate (column, west to east)
	Y uint32 // Y coordinate (row, north to south)
}

// NewCoords creates a new Coords from zoom, x, y values.
func NewCoords(z, x, y uint32) Coords {
	return Coords{Z: z, X: x, Y: y}
}

// String returns the tile coordinate in "z/x/y" form, matching the on-disk layout.
func (c Coords) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// Valid reports whether the coordinate addresses an existing tile.
func (c Coords) Valid() bool {
	if c.Z > MaxZoom {
		return false
	}
	n := uint32(1) << c.Z
	return c.X < n && c.Y < n
}

// Bounds returns the geographic bounding box of this tile in WGS84.
func (c Coords) Bounds() Bbox {
	n := math.Exp2(float64(c.Z))

	minLng := float64(c.X)/n*360.0 - 180.0
	maxLng := float64(c.X+1)/n*360.0 - 180.0

	minLat := mercatorToLat(math.Pi * (1 - 2*float64(c.Y+1)/n))
	maxLat := mercatorToLat(math.Pi * (1 - 2*float64(c.Y)/n))

	return Bbox{MinLng: minLng, MinLat: minLat, MaxLng: maxLng, MaxLat: maxLat}
}

// mercatorToLat converts a Web Mercator Y angle to latitude in degrees.
func mercatorToLat(mercatorY float64) float64 {
	return 180.0 / math.Pi * math.Atan(math.Sinh(mercatorY))
}

// At returns the tile containing the given point at the given zoom.
// Latitude is clamped to the Mercator bound, longitude to [-180, 180].
func At(lng, lat float64, z uint32) Coords {
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	lng = math.Max(-180.0, math.Min(180.0, lng))

	n := math.Exp2(float64(z))
	x := math.Floor((lng + 180.0) / 360.0 * n)
	y := math.Floor((1.0 - math.Asinh(math.Tan(lat*math.Pi/180.0))/math.Pi) / 2.0 * n)

	// lng=180 lands exactly on the grid edge; keep it on the last tile.
	max := n - 1
	x = math.Max(0, math.Min(max, x))
	y = math.Max(0, math.Min(max, y))

	return Coords{Z: z, X: uint32(x), Y: uint32(y)}
}

// Bbox is a geographic bounding box in WGS84: [minLng, minLat, maxLng, maxLat].
// MinLng > MaxLng means the box crosses the antimeridian.
type Bbox struct {
	MinLng float64
	MinLat float64
	MaxLng float64
	MaxLat float64
}

// NewBbox creates a Bbox from a [minLng, minLat, maxLng, maxLat] array.
func NewBbox(b [4]float64) Bbox {
	return Bbox{MinLng: b[0], MinLat: b[1], MaxLng: b[2], MaxLat: b[3]}
}

// Array returns the box as [minLng, minLat, maxLng, maxLat].
func (b Bbox) Array() [4]float64 {
	return [4]float64{b.MinLng, b.MinLat, b.MaxLng, b.MaxLat}
}

// Center returns the midpoint of the box (lng, lat).
func (b Bbox) Center() (float64, float64) {
	lng := (b.MinLng + b.MaxLng) / 2
	if b.CrossesAntimeridian() {
		lng = (b.MinLng + b.MaxLng + 360) / 2
		if lng > 180 {
			lng -= 360
		}
	}
	return lng, (b.MinLat + b.MaxLat) / 2
}

// Bound returns the box as an orb.Bound. Antimeridian-crossing boxes must be
// split first; Bound on such a box returns the western half.
func (b Bbox) Bound() orb.Bound {
	if b.CrossesAntimeridian() {
		return orb.Bound{Min: orb.Point{b.MinLng, b.MinLat}, Max: orb.Point{180, b.MaxLat}}
	}
	return orb.Bound{Min: orb.Point{b.MinLng, b.MinLat}, Max: orb.Point{b.MaxLng, b.MaxLat}}
}

// CrossesAntimeridian reports whether the box wraps across lng=±180.
func (b Bbox) CrossesAntimeridian() bool {
	return b.MinLng > b.MaxLng
}

// Split returns the box as one or two non-wrapping boxes.
func (b Bbox) Split() []Bbox {
	if !b.CrossesAntimeridian() {
		return []Bbox{b}
	}
	return []Bbox{
		{MinLng: b.MinLng, MinLat: b.MinLat, MaxLng: 180, MaxLat: b.MaxLat},
		{MinLng: -180, MinLat: b.MinLat, MaxLng: b.MaxLng, MaxLat: b.MaxLat},
	}
}

// Validate checks that the box describes a usable region.
func (b Bbox) Validate() error {
	if b.MinLat > b.MaxLat {
		return fmt.Errorf("minLat (%.4f) must be <= maxLat (%.4f)", b.MinLat, b.MaxLat)
	}
	if b.MinLat < -90 || b.MaxLat > 90 {
		return fmt.Errorf("latitude out of range: [%.4f, %.4f]", b.MinLat, b.MaxLat)
	}
	if b.MinLng < -180 || b.MinLng > 180 || b.MaxLng < -180 || b.MaxLng > 180 {
		return fmt.Errorf("longitude out of range: [%.4f, %.4f]", b.MinLng, b.MaxLng)
	}
	return nil
}

// Contains reports whether the point lies inside the box.
func (b Bbox) Contains(lng, lat float64) bool {
	if lat < b.MinLat || lat > b.MaxLat {
		return false
	}
	if b.CrossesAntimeridian() {
		return lng >= b.MinLng || lng <= b.MaxLng
	}
	return lng >= b.MinLng && lng <= b.MaxLng
}

// Intersects reports whether two boxes overlap. Neither may wrap.
func (b Bbox) Intersects(o Bbox) bool {
	return b.MinLng <= o.MaxLng && o.MinLng <= b.MaxLng &&
		b.MinLat <= o.MaxLat && o.MinLat <= b.MaxLat
}

// Range is the inclusive tile rectangle covering a bounding box at one zoom.
type Range struct {
	Z          uint32
	MinX, MaxX uint32
	MinY, MaxY uint32
}

// RangeForBbox computes the covering tile rectangle at the given zoom.
// The box must not cross the antimeridian. The north edge maps to MinY,
// the south edge to MaxY. Degenerate boxes still cover one tile.
func RangeForBbox(b Bbox, z uint32) Range {
	nw := At(b.MinLng, b.MaxLat, z)
	se := At(b.MaxLng, b.MinLat, z)
	return Range{Z: z, MinX: nw.X, MaxX: se.X, MinY: nw.Y, MaxY: se.Y}
}

// Count returns the number of tiles in the rectangle.
func (r Range) Count() int {
	return int(r.MaxX-r.MinX+1) * int(r.MaxY-r.MinY+1)
}

// ForEach calls fn for every tile in the rectangle, column by column (x
// outer, y inner).
func (r Range) ForEach(fn func(Coords)) {
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			fn(Coords{Z: r.Z, X: x, Y: y})
		}
	}
}

// rangesAt returns the covering rectangles at one zoom, splitting a wrapping
// box into two. When the halves meet around the back of the world the eastern
// rectangle is trimmed so no tile appears twice.
func rangesAt(b Bbox, z uint32) []Range {
	parts := b.Split()
	if len(parts) == 1 {
		return []Range{RangeForBbox(b, z)}
	}

	west := RangeForBbox(parts[0], z)
	east := RangeForBbox(parts[1], z)
	if east.MaxX >= west.MinX {
		if west.MinX == 0 {
			return []Range{west}
		}
		east.MaxX = west.MinX - 1
	}
	return []Range{west, east}
}

// Coverage enumerates every tile whose square intersects the box for each
// zoom in [minZoom, maxZoom].
func Coverage(b Bbox, minZoom, maxZoom uint32) []Coords {
	tiles := make([]Coords, 0, CoverageCount(b, minZoom, maxZoom))
	for z := minZoom; z <= maxZoom; z++ {
		for _, r := range rangesAt(b, z) {
			r.ForEach(func(c Coords) {
				tiles = append(tiles, c)
			})
		}
	}
	return tiles
}

// CoverageCount returns the coverage size without allocating the tile list.
// Useful for progress estimation before a run.
func CoverageCount(b Bbox, minZoom, maxZoom uint32) int {
	count := 0
	for z := minZoom; z <= maxZoom; z++ {
		for _, r := range rangesAt(b, z) {
			count += r.Count()
		}
	}
	return count
}
