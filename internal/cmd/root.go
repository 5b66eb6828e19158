// Package cmd wires the tilefetch CLI together.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitConfig    = 1
	ExitAllFailed = 2
	ExitCancelled = 3
)

// errAllTilesFailed marks a run in which not a single tile could be obtained.
var errAllTilesFailed = errors.New("no tiles could be obtained")

var cfgFile string
var logger *slog.Logger

var rootCmd = &cobra.Command{
	Use:   "tilefetch",
	Short: "A bulk map-tile acquisition engine",
	Long: `Tilefetch materializes the XYZ tiles covering a geographic region onto disk.

It enumerates the coverage of a bounding box across a zoom range, pulls each
tile from an ordered list of sources (remote raster or vector tile servers and
local MBTiles archives) with retries and cross-source fallback, and writes a
per-region metadata document describing what was obtained.`,
	SilenceUsage: true,
}

// Execute runs the CLI and exits with the documented status code.
func Execute() {
	if logger == nil {
		initLogging() // fallback in case cobra init didn't fire
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.Is(err, errAllTilesFailed):
		return ExitAllFailed
	default:
		return ExitConfig
	}
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.json", "config file")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose output (per-tile failure dump)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		panic(fmt.Sprintf("failed to bind flag: %v", err))
	}
	if err := viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		panic(fmt.Sprintf("failed to bind flag: %v", err))
	}
}

func initLogging() {
	levelStr := strings.ToLower(viper.GetString("log-level"))
	level := slog.LevelInfo
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error", "err":
		level = slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "Unknown log level %q, defaulting to info\n", levelStr)
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}
