package mbtiles

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

// Reader reads tiles from an MBTiles database. It is safe for concurrent use;
// the database/sql connection pool runs concurrent queries on separate
// connections to the read-only database.
type Reader struct {
	db   *sql.DB
	path string
}

// OpenReader opens an MBTiles database for reading.
func OpenReader(path string) (*Reader, error) {
	// Open in read-only mode with immutable flag
	db, err := sql.Open("sqlite", path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify schema exists
	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE (type='table' OR type='view') AND name='tiles'").Scan(&count)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify schema: %w", err)
	}
	if count == 0 {
		db.Close()
		return nil, fmt.Errorf("database does not contain tiles table")
	}

	return &Reader{
		db:   db,
		path: path,
	}, nil
}

// GetTile reads the raw tile blob for XYZ coordinates. The row is stored in
// TMS order, so y is flipped internally. The second return is false when the
// archive has no such tile. Blobs are returned as stored; vector tilesets
// usually hold gzipped data and the caller is expected to sniff for it.
func (r *Reader) GetTile(z, x, y int) ([]byte, bool, error) {
	tmsY := (1 << z) - 1 - y

	var data []byte
	err := r.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?",
		z, x, tmsY,
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query tile %d/%d/%d: %w", z, x, y, err)
	}

	return data, true, nil
}

// ZoomRange returns the zoom span of the archive. Metadata is preferred;
// archives without minzoom/maxzoom rows fall back to scanning the tiles table.
func (r *Reader) ZoomRange() (int, int, error) {
	meta, err := r.Metadata()
	if err != nil {
		return 0, 0, err
	}
	if meta.MaxZoom > 0 || meta.MinZoom > 0 {
		return meta.MinZoom, meta.MaxZoom, nil
	}

	var min, max sql.NullInt64
	err = r.db.QueryRow("SELECT MIN(zoom_level), MAX(zoom_level) FROM tiles").Scan(&min, &max)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scan zoom range: %w", err)
	}
	if !min.Valid || !max.Valid {
		return 0, 0, fmt.Errorf("archive %s contains no tiles", r.path)
	}
	return int(min.Int64), int(max.Int64), nil
}

// Bounds returns the declared bounding box. The second return is false when
// the archive declares none.
func (r *Reader) Bounds() ([4]float64, bool, error) {
	meta, err := r.Metadata()
	if err != nil {
		return [4]float64{}, false, err
	}
	if meta.Bounds == ([4]float64{}) {
		return [4]float64{}, false, nil
	}
	return meta.Bounds, true, nil
}

// LayerNames returns the vector layer ids declared in the archive metadata.
// Raster archives return an empty list.
func (r *Reader) LayerNames() ([]string, error) {
	meta, err := r.Metadata()
	if err != nil {
		return nil, err
	}
	return meta.Layers, nil
}

// Metadata reads metadata from the database.
func (r *Reader) Metadata() (Metadata, error) {
	rows, err := r.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to query metadata: %w", err)
	}
	defer rows.Close()

	meta := Metadata{}
	metaMap := make(map[string]string)

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return Metadata{}, fmt.Errorf("failed to scan metadata row: %w", err)
		}
		metaMap[name] = value
	}

	if err := rows.Err(); err != nil {
		return Metadata{}, fmt.Errorf("error iterating metadata: %w", err)
	}

	// Parse metadata fields
	meta.Name = metaMap["name"]
	meta.Format = metaMap["format"]
	meta.Attribution = metaMap["attribution"]
	meta.Description = metaMap["description"]
	meta.Type = metaMap["type"]
	meta.Version = metaMap["version"]
	meta.Layers = parseLayers(metaMap["json"])

	if v, ok := metaMap["minzoom"]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			meta.MinZoom = i
		}
	}
	if v, ok := metaMap["maxzoom"]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			meta.MaxZoom = i
		}
	}

	// Parse bounds: "minLon,minLat,maxLon,maxLat"
	if v, ok := metaMap["bounds"]; ok {
		parts := strings.Split(v, ",")
		if len(parts) == 4 {
			for i, part := range parts {
				if f, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil {
					meta.Bounds[i] = f
				}
			}
		}
	}

	// Parse center: "lon,lat,zoom"
	if v, ok := metaMap["center"]; ok {
		parts := strings.Split(v, ",")
		if len(parts) == 3 {
			for i, part := range parts {
				if f, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil {
					meta.Center[i] = f
				}
			}
		}
	}

	return meta, nil
}

// Close closes the database connection.
func (r *Reader) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
