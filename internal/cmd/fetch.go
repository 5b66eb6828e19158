package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tilefetch/internal/config"
	"github.com/MeKo-Tech/tilefetch/internal/fetch"
	"github.com/MeKo-Tech/tilefetch/internal/metadata"
	"github.com/MeKo-Tech/tilefetch/internal/source"
	"github.com/MeKo-Tech/tilefetch/internal/store"
	"github.com/MeKo-Tech/tilefetch/internal/tile"
	"github.com/MeKo-Tech/tilefetch/internal/validate"
)

// adHocRegion names the output subtree for --bbox runs.
const adHocRegion = "custom"

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the tiles covering a region",
	Long: `Fetch enumerates the coverage of a configured region or an ad-hoc bounding
box, downloads every tile through the configured source chain, and writes the
region metadata document.`,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().String("region", "", "Configured region name (mutually exclusive with --bbox)")
	fetchCmd.Flags().String("bbox", "", "Bounding box: minLng,minLat,maxLng,maxLat (e.g. \"28.5,40.8,29.5,41.2\")")
	fetchCmd.Flags().Int("min-zoom", -1, "Minimum zoom level (overrides the region spec)")
	fetchCmd.Flags().Int("max-zoom", -1, "Maximum zoom level (overrides the region spec)")
	fetchCmd.Flags().String("servers", "", "Comma-separated remote source names to use")
	fetchCmd.Flags().String("sources", "", "Comma-separated local archive source names to use")
	fetchCmd.Flags().Bool("progress", true, "Show a progress bar during the run")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"fetch.region", "region"},
		{"fetch.bbox", "bbox"},
		{"fetch.min_zoom", "min-zoom"},
		{"fetch.max_zoom", "max-zoom"},
		{"fetch.servers", "servers"},
		{"fetch.sources", "sources"},
		{"fetch.progress", "progress"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, fetchCmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func runFetch(cmd *cobra.Command, args []string) error {
	regionName := viper.GetString("fetch.region")
	bboxStr := viper.GetString("fetch.bbox")
	minZoomFlag := viper.GetInt("fetch.min_zoom")
	maxZoomFlag := viper.GetInt("fetch.max_zoom")
	serverNames := splitNames(viper.GetString("fetch.servers"))
	localNames := splitNames(viper.GetString("fetch.sources"))
	showProgress := viper.GetBool("fetch.progress")
	verbose := viper.GetBool("verbose")

	if logger == nil {
		initLogging()
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	name, bbox, minZoom, maxZoom, err := resolveSelection(cfg, regionName, bboxStr, minZoomFlag, maxZoomFlag)
	if err != nil {
		return err
	}

	specs, err := selectSources(cfg, serverNames, localNames)
	if err != nil {
		return err
	}

	validator := validate.New(cfg.EmptyFingerprints)
	opts := source.Options{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
		Workers:   cfg.WorkersPerSource,
		Validator: validator,
	}

	sources := make([]source.Source, 0, len(specs))
	defer func() {
		for _, s := range sources {
			s.Close()
		}
	}()
	for _, spec := range specs {
		s, err := source.New(spec, opts)
		if err != nil {
			return err
		}
		sources = append(sources, s)
	}

	st := store.New(cfg.OutputDir)

	retry := fetch.DefaultRetryConfig()
	retry.MaxRetries = cfg.RetryAttempts

	pipeline := fetch.New(sources, st, fetch.Options{
		WorkersPerSource: cfg.WorkersPerSource,
		Retry:            retry,
		VectorFirst:      cfg.VectorFirst,
		ShowProgress:     showProgress,
		Logger:           logger,
	})

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received interrupt signal, cancelling...")
		cancel()
	}()

	result, runErr := pipeline.Run(ctx, name, bbox, minZoom, maxZoom)

	printSummary(os.Stderr, result)
	if verbose && len(result.FailedTiles) > 0 {
		fmt.Fprintln(os.Stderr, "failed tiles:")
		for _, c := range result.FailedTiles {
			fmt.Fprintf(os.Stderr, "  %s\n", c)
		}
	}

	if runErr != nil {
		return fmt.Errorf("acquisition cancelled: %w", runErr)
	}

	info := metadata.InfoForBbox(bbox, minZoom, maxZoom)
	if spec, ok := cfg.Regions[name]; ok {
		info.Description = spec.Description
	}

	builder := metadata.NewBuilder(st)
	if _, err := builder.Write(name, info); err != nil {
		return err
	}
	logger.Info("region metadata written", "path", builder.Path(name))

	counts := result.Counts
	total := counts.Terminal()
	if total > 0 && counts.Stored == 0 && counts.Skipped == 0 {
		return fmt.Errorf("%w: %d tiles failed, %d uncoverable", errAllTilesFailed, counts.Failed, counts.Uncoverable)
	}

	return nil
}

// resolveSelection turns the --region/--bbox flags into a concrete region
// name, bounding box and zoom range.
func resolveSelection(cfg *config.Config, regionName, bboxStr string, minZoomFlag, maxZoomFlag int) (string, tile.Bbox, uint32, uint32, error) {
	if regionName != "" && bboxStr != "" {
		return "", tile.Bbox{}, 0, 0, fmt.Errorf("--region and --bbox are mutually exclusive")
	}

	var name string
	var bbox tile.Bbox
	minZoom, maxZoom := -1, -1

	switch {
	case regionName != "":
		spec, ok := cfg.Regions[regionName]
		if !ok {
			return "", tile.Bbox{}, 0, 0, fmt.Errorf("unknown region %q", regionName)
		}
		name = regionName
		bbox = spec.BboxValue()
		minZoom, maxZoom = int(spec.MinZoom), int(spec.MaxZoom)
	case bboxStr != "":
		parsed, err := parseBbox(bboxStr)
		if err != nil {
			return "", tile.Bbox{}, 0, 0, fmt.Errorf("invalid bbox: %w", err)
		}
		name = adHocRegion
		bbox = parsed
	default:
		return "", tile.Bbox{}, 0, 0, fmt.Errorf("either --region or --bbox is required")
	}

	if minZoomFlag >= 0 {
		minZoom = minZoomFlag
	}
	if maxZoomFlag >= 0 {
		maxZoom = maxZoomFlag
	}
	if minZoom < 0 || maxZoom < 0 {
		return "", tile.Bbox{}, 0, 0, fmt.Errorf("--min-zoom and --max-zoom are required with --bbox")
	}
	if minZoom > maxZoom {
		return "", tile.Bbox{}, 0, 0, fmt.Errorf("--min-zoom (%d) must be <= --max-zoom (%d)", minZoom, maxZoom)
	}
	if maxZoom > tile.MaxZoom {
		return "", tile.Bbox{}, 0, 0, fmt.Errorf("--max-zoom %d exceeds limit %d", maxZoom, tile.MaxZoom)
	}

	return name, bbox, uint32(minZoom), uint32(maxZoom), nil
}

// selectSources resolves --servers and --sources into source specs, keeping
// configured order. With neither flag set, every configured source is used.
func selectSources(cfg *config.Config, serverNames, localNames []string) ([]config.Source, error) {
	if len(serverNames) == 0 && len(localNames) == 0 {
		if len(cfg.Sources) == 0 {
			return nil, fmt.Errorf("no sources configured")
		}
		return cfg.Sources, nil
	}

	wanted := make(map[string]string, len(serverNames)+len(localNames))
	for _, n := range serverNames {
		wanted[n] = config.KindHTTP
	}
	for _, n := range localNames {
		wanted[n] = config.KindLocal
	}

	var selected []config.Source
	for _, spec := range cfg.Sources {
		kind, ok := wanted[spec.Name]
		if !ok {
			continue
		}
		if spec.Kind != kind {
			flag := "--servers"
			if kind == config.KindLocal {
				flag = "--sources"
			}
			return nil, fmt.Errorf("source %q is %s, not selectable via %s", spec.Name, spec.Kind, flag)
		}
		selected = append(selected, spec)
		delete(wanted, spec.Name)
	}

	for name := range wanted {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no sources selected")
	}
	return selected, nil
}

// printSummary writes the per-source outcome table.
func printSummary(w *os.File, result *fetch.Result) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "source\tstored\tfailed\ttransient\tinvalid\tempty\tnot_found")
	for name, stats := range result.PerSource {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			name, stats.Stored, stats.Failed, stats.TransientErrors, stats.Invalid, stats.Empty, stats.NotFound)
	}
	tw.Flush()

	counts := result.Counts
	fmt.Fprintf(w, "tiles: %d stored, %d failed, %d skipped, %d uncoverable (%d attempts)\n",
		counts.Stored, counts.Failed, counts.Skipped, counts.Uncoverable, counts.Attempted)
}

func parseBbox(s string) (tile.Bbox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return tile.Bbox{}, fmt.Errorf("expected 4 comma-separated values, got %d", len(parts))
	}

	var vals [4]float64
	for i, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return tile.Bbox{}, fmt.Errorf("invalid number at position %d: %w", i, err)
		}
		vals[i] = val
	}

	bbox := tile.NewBbox(vals)
	if err := bbox.Validate(); err != nil {
		return tile.Bbox{}, err
	}
	return bbox, nil
}

func splitNames(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}
