package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tilefetch/internal/config"
	"github.com/MeKo-Tech/tilefetch/internal/metadata"
	"github.com/MeKo-Tech/tilefetch/internal/store"
)

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Rebuild region metadata from the tile tree",
	Long: `Metadata rescans the stored tiles of one or all configured regions and
rewrites their metadata documents. The documents are a pure function of the
tile tree, so this is safe to run at any time.`,
	RunE: runMetadata,
}

func init() {
	rootCmd.AddCommand(metadataCmd)

	metadataCmd.Flags().String("region", "", "Rebuild a single region (default: all configured regions)")

	if err := viper.BindPFlag("metadata.region", metadataCmd.Flags().Lookup("region")); err != nil {
		panic(fmt.Sprintf("failed to bind flag region: %v", err))
	}
}

func runMetadata(cmd *cobra.Command, args []string) error {
	regionName := viper.GetString("metadata.region")

	if logger == nil {
		initLogging()
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	builder := metadata.NewBuilder(store.New(cfg.OutputDir))

	rebuild := func(name string, spec config.Region) error {
		meta, err := builder.Write(name, metadata.InfoForRegion(spec))
		if err != nil {
			return err
		}
		logger.Info("region metadata written",
			"region", name,
			"path", builder.Path(name),
			"raster_sources", len(meta.Raster),
			"vector_sources", len(meta.Vector),
		)
		return nil
	}

	if regionName != "" {
		spec, ok := cfg.Regions[regionName]
		if !ok {
			return fmt.Errorf("unknown region %q", regionName)
		}
		return rebuild(regionName, spec)
	}

	if len(cfg.Regions) == 0 {
		return fmt.Errorf("no regions configured")
	}
	for name, spec := range cfg.Regions {
		if err := rebuild(name, spec); err != nil {
			return err
		}
	}
	return nil
}
