// Package store persists validated tiles in the content-addressed output tree.
package store

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MeKo-Tech/tilefetch/internal/config"
	"github.com/MeKo-Tech/tilefetch/internal/tile"
)

// rasterExts lists every extension a raster tile may have been stored under,
// in probe order for resume checks.
var rasterExts = []string{"png", "jpg", "webp"}

// ExtForContentType maps an HTTP content type onto the stored file extension.
// Unrecognized raster types default to png; vector tiles are always pbf.
func ExtForContentType(tileKind, contentType string) string {
	if tileKind == config.TileKindVector {
		return "pbf"
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "jpeg") || strings.Contains(ct, "jpg"):
		return "jpg"
	case strings.Contains(ct, "webp"):
		return "webp"
	default:
		return "png"
	}
}

// Store writes tiles under <root>/<region>/<kind>/<source>/<z>/<x>/<y>.<ext>.
// Writes go to a temp file first and are renamed into place, so a file that
// exists is always a complete, validated payload. Safe for concurrent use;
// each tile has a single writer at any moment by pipeline construction.
type Store struct {
	root string

	// dirs caches directories already created this run.
	mu   sync.Mutex
	dirs map[string]bool
}

// New creates a store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir, dirs: make(map[string]bool)}
}

// Root returns the output directory the store writes under.
func (s *Store) Root() string { return s.root }

// RegionDir returns the directory holding one region's tiles.
func (s *Store) RegionDir(region string) string {
	return filepath.Join(s.root, url.PathEscape(region))
}

// TilePath returns the final path for a tile.
func (s *Store) TilePath(region, tileKind, source string, c tile.Coords, ext string) string {
	return filepath.Join(
		s.RegionDir(region),
		tileKind,
		url.PathEscape(source),
		fmt.Sprintf("%d", c.Z),
		fmt.Sprintf("%d", c.X),
		fmt.Sprintf("%d.%s", c.Y, ext),
	)
}

// Exists reports whether the tile is already stored under the given source,
// probing every extension the kind can produce.
func (s *Store) Exists(region, tileKind, source string, c tile.Coords) bool {
	_, ok := s.ExistingPath(region, tileKind, source, c)
	return ok
}

// ExistingPath returns the stored file for a tile, if any.
func (s *Store) ExistingPath(region, tileKind, source string, c tile.Coords) (string, bool) {
	exts := rasterExts
	if tileKind == config.TileKindVector {
		exts = []string{"pbf"}
	}
	for _, ext := range exts {
		path := s.TilePath(region, tileKind, source, c, ext)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// Write persists a tile payload. The write is atomic: the payload lands in a
// temp file next to the target and is renamed over it, and the parent
// directory chain is created on demand.
func (s *Store) Write(region, tileKind, source string, c tile.Coords, ext string, data []byte) error {
	final := s.TilePath(region, tileKind, source, c, ext)

	if err := s.mkdirAll(filepath.Dir(final)); err != nil {
		return fmt.Errorf("failed to create tile directory: %w", err)
	}

	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write tile %s: %w", c, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize tile %s: %w", c, err)
	}
	return nil
}

// WriteJSON atomically writes a JSON document under the store root.
func (s *Store) WriteJSON(relPath string, data []byte) error {
	final := filepath.Join(s.root, relPath)
	if err := s.mkdirAll(filepath.Dir(final)); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", relPath, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", relPath, err)
	}
	return nil
}

// mkdirAll creates a directory chain once per run. Concurrent creates of the
// same directory are serialized by the cache lock.
func (s *Store) mkdirAll(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirs[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	s.dirs[dir] = true
	return nil
}
