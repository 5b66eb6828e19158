package cmd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tilefetch/internal/config"
	"github.com/MeKo-Tech/tilefetch/internal/mbtiles"
	"github.com/MeKo-Tech/tilefetch/internal/store"
	"github.com/MeKo-Tech/tilefetch/internal/tile"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Bundle a fetched region into an MBTiles archive",
	Long: `Pack collects the stored tiles of one (region, source) pair into a single
MBTiles archive. The archive round-trips with local sources, so a packed
region can serve as the offline fallback of a later run.`,
	RunE: runPack,
}

func init() {
	rootCmd.AddCommand(packCmd)

	packCmd.Flags().String("region", "", "Region to pack")
	packCmd.Flags().String("source", "", "Source whose tiles to pack")
	packCmd.Flags().StringP("output", "o", "", "Output MBTiles path")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"pack.region", "region"},
		{"pack.source", "source"},
		{"pack.output", "output"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, packCmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

// packedTile is one stored tile scheduled for the archive.
type packedTile struct {
	coords tile.Coords
	path   string
}

func runPack(cmd *cobra.Command, args []string) error {
	regionName := viper.GetString("pack.region")
	sourceName := viper.GetString("pack.source")
	output := viper.GetString("pack.output")

	if logger == nil {
		initLogging()
	}

	if regionName == "" || sourceName == "" || output == "" {
		return fmt.Errorf("--region, --source and --output are required")
	}
	if _, err := os.Stat(output); err == nil {
		return fmt.Errorf("output %s already exists and will not be overwritten", output)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	spec, err := cfg.SourceByName(sourceName)
	if err != nil {
		return err
	}

	st := store.New(cfg.OutputDir)
	srcDir := filepath.Join(st.RegionDir(regionName), spec.TileKind, url.PathEscape(sourceName))

	tiles, format, err := collectTiles(srcDir, spec.TileKind)
	if err != nil {
		return err
	}
	if len(tiles) == 0 {
		return fmt.Errorf("no tiles stored under %s", srcDir)
	}

	meta := archiveMetadata(cfg, regionName, sourceName, format, tiles)

	writer, err := mbtiles.New(output, meta)
	if err != nil {
		return err
	}

	for _, pt := range tiles {
		data, err := os.ReadFile(pt.path)
		if err != nil {
			writer.Close()
			return fmt.Errorf("failed to read %s: %w", pt.path, err)
		}
		if err := writer.WriteTile(int(pt.coords.Z), int(pt.coords.X), int(pt.coords.Y), data); err != nil {
			writer.Close()
			return err
		}
	}

	if err := writer.Close(); err != nil {
		return err
	}

	logger.Info("archive written",
		"output", output,
		"region", regionName,
		"source", sourceName,
		"tiles", len(tiles),
		"format", format,
	)
	return nil
}

// collectTiles walks one source subtree and parses z/x/y out of the layout.
// The archive format is taken from the stored extensions; mixed raster
// extensions fall back to png.
func collectTiles(dir, tileKind string) ([]packedTile, string, error) {
	var tiles []packedTile
	format := ""

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if os.IsNotExist(err) {
			return filepath.SkipAll
		}
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		coords, ext, ok := parseTilePath(rel)
		if !ok {
			return nil
		}

		switch {
		case format == "":
			format = ext
		case format != ext:
			format = "png"
		}

		tiles = append(tiles, packedTile{coords: coords, path: path})
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	if tileKind == config.TileKindVector {
		format = "pbf"
	}
	return tiles, format, nil
}

// parseTilePath parses "z/x/y.ext" into coordinates.
func parseTilePath(rel string) (tile.Coords, string, bool) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return tile.Coords{}, "", false
	}

	ext := strings.TrimPrefix(filepath.Ext(parts[2]), ".")
	base := strings.TrimSuffix(parts[2], filepath.Ext(parts[2]))

	z, errZ := strconv.ParseUint(parts[0], 10, 32)
	x, errX := strconv.ParseUint(parts[1], 10, 32)
	y, errY := strconv.ParseUint(base, 10, 32)
	if errZ != nil || errX != nil || errY != nil || ext == "" {
		return tile.Coords{}, "", false
	}

	c := tile.NewCoords(uint32(z), uint32(x), uint32(y))
	if !c.Valid() {
		return tile.Coords{}, "", false
	}
	return c, ext, true
}

// archiveMetadata derives the MBTiles metadata block. The configured region
// bbox is preferred; ad-hoc regions get the union of their tile bounds.
func archiveMetadata(cfg *config.Config, regionName, sourceName, format string, tiles []packedTile) mbtiles.Metadata {
	minZoom, maxZoom := int(tiles[0].coords.Z), int(tiles[0].coords.Z)
	bound := tiles[0].coords.Bounds().Bound()
	for _, pt := range tiles[1:] {
		z := int(pt.coords.Z)
		if z < minZoom {
			minZoom = z
		}
		if z > maxZoom {
			maxZoom = z
		}
		bound = bound.Union(pt.coords.Bounds().Bound())
	}

	bounds := [4]float64{bound.Min.Lon(), bound.Min.Lat(), bound.Max.Lon(), bound.Max.Lat()}
	if spec, ok := cfg.Regions[regionName]; ok {
		bounds = spec.Bbox
	}

	center := orb.Bound{
		Min: orb.Point{bounds[0], bounds[1]},
		Max: orb.Point{bounds[2], bounds[3]},
	}.Center()

	return mbtiles.Metadata{
		Name:        fmt.Sprintf("%s-%s", regionName, sourceName),
		Format:      format,
		Type:        "baselayer",
		Version:     "1.0",
		Bounds:      bounds,
		Center:      [3]float64{center.Lon(), center.Lat(), float64((minZoom + maxZoom) / 2)},
		MinZoom:     minZoom,
		MaxZoom:     maxZoom,
		Description: fmt.Sprintf("tilefetch archive of %s from %s", regionName, sourceName),
	}
}
