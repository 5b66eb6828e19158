// Package source provides the uniform fetch façade over HTTP tile servers
// and local MBTiles archives.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/MeKo-Tech/tilefetch/internal/config"
	"github.com/MeKo-Tech/tilefetch/internal/tile"
	"github.com/MeKo-Tech/tilefetch/internal/validate"
)

// Status tags the outcome of a single fetch.
type Status int

const (
	// StatusGot means a validated payload is ready to store.
	StatusGot Status = iota
	// StatusEmpty means the source answered with a blank tile.
	StatusEmpty
	// StatusNotFound means the source authoritatively has no such tile.
	StatusNotFound
	// StatusTransient means the attempt failed in a retryable way.
	StatusTransient
	// StatusInvalid means the payload or response was malformed; not retried.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusGot:
		return "got"
	case StatusEmpty:
		return "empty"
	case StatusNotFound:
		return "not_found"
	case StatusTransient:
		return "transient"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// Result is the outcome of one fetch attempt.
type Result struct {
	Status      Status
	Data        []byte // set for StatusGot; already validated and decompressed
	ContentType string // set for StatusGot on HTTP sources
	Source      string
	Reason      string // diagnostic for transient/invalid outcomes
}

// Source is a single tile provider in the fallback chain.
type Source interface {
	// Name returns the configured source name.
	Name() string
	// TileKind returns the payload kind (raster or vector).
	TileKind() string
	// Accepts reports whether the source can possibly serve the tile,
	// judged by its declared zoom range and bounds. The pipeline uses it
	// to prefilter work instead of issuing doomed requests.
	Accepts(c tile.Coords) bool
	// Fetch retrieves one tile. All failures are reported through the
	// Result status; an error is never returned for per-tile outcomes.
	Fetch(ctx context.Context, c tile.Coords) Result
	// Close releases any underlying handles.
	Close() error
}

// Options carries the run-wide settings adapters need.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	Workers   int
	Validator *validate.Validator
}

// New builds the adapter for a configured source.
func New(spec config.Source, opts Options) (Source, error) {
	switch spec.Kind {
	case config.KindHTTP:
		return NewHTTP(spec, opts)
	case config.KindLocal:
		return NewLocal(spec, opts)
	default:
		return nil, fmt.Errorf("source %q: unknown kind %q", spec.Name, spec.Kind)
	}
}

// zoomAccepts applies optional min/max zoom declarations.
func zoomAccepts(z uint32, minZoom, maxZoom *uint32) bool {
	if minZoom != nil && z < *minZoom {
		return false
	}
	if maxZoom != nil && z > *maxZoom {
		return false
	}
	return true
}
