package fetch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tilefetch/internal/config"
	"github.com/MeKo-Tech/tilefetch/internal/source"
	"github.com/MeKo-Tech/tilefetch/internal/store"
	"github.com/MeKo-Tech/tilefetch/internal/tile"
)

// fakeSource scripts fetch outcomes per tile for pipeline tests.
type fakeSource struct {
	name     string
	tileKind string
	minZoom  uint32
	maxZoom  uint32

	// respond returns the outcome for the given per-tile attempt (1-based).
	respond func(c tile.Coords, attempt int) source.Result

	mu       sync.Mutex
	attempts map[tile.Coords]int
	calls    atomic.Int64
}

func newFakeSource(name, kind string, respond func(c tile.Coords, attempt int) source.Result) *fakeSource {
	return &fakeSource{
		name:     name,
		tileKind: kind,
		maxZoom:  tile.MaxZoom,
		respond:  respond,
		attempts: make(map[tile.Coords]int),
	}
}

func (f *fakeSource) Name() string     { return f.name }
func (f *fakeSource) TileKind() string { return f.tileKind }
func (f *fakeSource) Close() error     { return nil }

func (f *fakeSource) Accepts(c tile.Coords) bool {
	return c.Z >= f.minZoom && c.Z <= f.maxZoom
}

func (f *fakeSource) Fetch(ctx context.Context, c tile.Coords) source.Result {
	f.calls.Add(1)
	f.mu.Lock()
	f.attempts[c]++
	attempt := f.attempts[c]
	f.mu.Unlock()
	res := f.respond(c, attempt)
	res.Source = f.name
	return res
}

func (f *fakeSource) attemptsFor(c tile.Coords) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[c]
}

func alwaysGot(data []byte, contentType string) func(tile.Coords, int) source.Result {
	return func(tile.Coords, int) source.Result {
		return source.Result{Status: source.StatusGot, Data: data, ContentType: contentType}
	}
}

func alwaysStatus(status source.Status) func(tile.Coords, int) source.Result {
	return func(tile.Coords, int) source.Result {
		return source.Result{Status: status}
	}
}

func testOpts() Options {
	return Options{
		WorkersPerSource: 4,
		Retry:            RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2},
		VectorFirst:      true,
		ReportInterval:   time.Hour,
	}
}

var istanbul = tile.Bbox{MinLng: 28.5, MinLat: 40.8, MaxLng: 29.5, MaxLat: 41.2}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	count := 0
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if os.IsNotExist(err) {
			return filepath.SkipAll
		}
		if err != nil {
			return err
		}
		if !info.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

func TestRunSingleSourceStoresCoverage(t *testing.T) {
	st := store.New(t.TempDir())
	src := newFakeSource("cdb", config.TileKindRaster, alwaysGot([]byte("png-bytes"), "image/png"))

	p := New([]source.Source{src}, st, testOpts())
	res, err := p.Run(context.Background(), "istanbul", istanbul, 10, 11)
	require.NoError(t, err)

	want := tile.CoverageCount(istanbul, 10, 11)
	require.Equal(t, int64(want), res.Counts.Stored)
	require.Zero(t, res.Counts.Failed)
	require.Zero(t, res.Counts.Skipped)
	require.Equal(t, int64(want), res.PerSource["cdb"].Stored)

	require.Equal(t, want, countFiles(t, filepath.Join(st.Root(), "istanbul", "raster", "cdb")))
}

func TestRunFallbackToSecondSource(t *testing.T) {
	st := store.New(t.TempDir())
	vec := newFakeSource("vec", config.TileKindVector, alwaysStatus(source.StatusNotFound))
	ras := newFakeSource("ras", config.TileKindRaster, alwaysGot([]byte("png-bytes"), "image/png"))

	p := New([]source.Source{vec, ras}, st, testOpts())
	res, err := p.Run(context.Background(), "istanbul", istanbul, 10, 10)
	require.NoError(t, err)

	want := tile.CoverageCount(istanbul, 10, 10)
	require.Equal(t, int64(want), res.Counts.Stored)
	require.Equal(t, int64(want), res.PerSource["vec"].NotFound)
	require.Equal(t, int64(want), res.PerSource["ras"].Stored)

	require.Equal(t, 0, countFiles(t, filepath.Join(st.Root(), "istanbul", "vector")))
	require.Equal(t, want, countFiles(t, filepath.Join(st.Root(), "istanbul", "raster", "ras")))
}

// When an earlier vector source and a later raster source can both serve a
// tile, the file ends up under the vector source.
func TestRunVectorPreferredOverRaster(t *testing.T) {
	st := store.New(t.TempDir())
	// Raster listed first in config; vector still wins the chain.
	ras := newFakeSource("ras", config.TileKindRaster, alwaysGot([]byte("png-bytes"), "image/png"))
	vec := newFakeSource("vec", config.TileKindVector, alwaysGot([]byte("mvt-bytes"), "application/x-protobuf"))

	p := New([]source.Source{ras, vec}, st, testOpts())
	res, err := p.Run(context.Background(), "r", istanbul, 10, 10)
	require.NoError(t, err)

	want := tile.CoverageCount(istanbul, 10, 10)
	require.Equal(t, int64(want), res.PerSource["vec"].Stored)
	require.Zero(t, res.PerSource["ras"].Stored)
	require.Zero(t, ras.calls.Load())

	require.Equal(t, want, countFiles(t, filepath.Join(st.Root(), "r", "vector", "vec")))
	require.Equal(t, 0, countFiles(t, filepath.Join(st.Root(), "r", "raster")))
}

func TestRunConfigOrderWhenVectorFirstDisabled(t *testing.T) {
	st := store.New(t.TempDir())
	ras := newFakeSource("ras", config.TileKindRaster, alwaysGot([]byte("png-bytes"), "image/png"))
	vec := newFakeSource("vec", config.TileKindVector, alwaysGot([]byte("mvt-bytes"), ""))

	opts := testOpts()
	opts.VectorFirst = false
	p := New([]source.Source{ras, vec}, st, opts)
	res, err := p.Run(context.Background(), "r", istanbul, 10, 10)
	require.NoError(t, err)

	require.Equal(t, int64(tile.CoverageCount(istanbul, 10, 10)), res.PerSource["ras"].Stored)
	require.Zero(t, vec.calls.Load())
}

func TestRunRetriesTransientThenStores(t *testing.T) {
	st := store.New(t.TempDir())
	src := newFakeSource("flaky", config.TileKindRaster, func(c tile.Coords, attempt int) source.Result {
		if attempt <= 3 {
			return source.Result{Status: source.StatusTransient, Reason: "500 Internal Server Error"}
		}
		return source.Result{Status: source.StatusGot, Data: []byte("png-bytes"), ContentType: "image/png"}
	})

	p := New([]source.Source{src}, st, testOpts()) // MaxRetries: 3 -> 4 attempts available
	res, err := p.Run(context.Background(), "r", istanbul, 10, 10)
	require.NoError(t, err)

	want := tile.CoverageCount(istanbul, 10, 10)
	require.Equal(t, int64(want), res.Counts.Stored)
	require.Equal(t, int64(3*want), res.PerSource["flaky"].TransientErrors)

	c := tile.NewCoords(10, 593, 383)
	require.Equal(t, 4, src.attemptsFor(c))
}

func TestRunExhaustedTransientAdvancesFallback(t *testing.T) {
	st := store.New(t.TempDir())
	flaky := newFakeSource("flaky", config.TileKindRaster, func(c tile.Coords, attempt int) source.Result {
		if attempt <= 3 {
			return source.Result{Status: source.StatusTransient, Reason: "500"}
		}
		return source.Result{Status: source.StatusGot, Data: []byte("late"), ContentType: "image/png"}
	})
	backup := newFakeSource("backup", config.TileKindRaster, alwaysGot([]byte("png-bytes"), "image/png"))

	opts := testOpts()
	opts.Retry.MaxRetries = 2 // only 3 attempts: flaky never succeeds
	p := New([]source.Source{flaky, backup}, st, opts)
	res, err := p.Run(context.Background(), "r", istanbul, 10, 10)
	require.NoError(t, err)

	want := tile.CoverageCount(istanbul, 10, 10)
	require.Equal(t, int64(want), res.Counts.Stored)
	require.Equal(t, int64(want), res.PerSource["flaky"].Failed)
	require.Equal(t, int64(want), res.PerSource["backup"].Stored)

	c := tile.NewCoords(10, 593, 383)
	require.Equal(t, 3, flaky.attemptsFor(c))
}

func TestRunEmptyNotRetriedAdvancesFallback(t *testing.T) {
	st := store.New(t.TempDir())
	blank := newFakeSource("blank", config.TileKindRaster, alwaysStatus(source.StatusEmpty))
	backup := newFakeSource("backup", config.TileKindRaster, alwaysGot([]byte("png-bytes"), "image/png"))

	p := New([]source.Source{blank, backup}, st, testOpts())
	res, err := p.Run(context.Background(), "r", istanbul, 10, 10)
	require.NoError(t, err)

	want := tile.CoverageCount(istanbul, 10, 10)
	require.Equal(t, int64(want), res.PerSource["blank"].Empty)
	require.Equal(t, int64(want), res.PerSource["backup"].Stored)

	// Empty outcomes are never retried on the same source.
	c := tile.NewCoords(10, 593, 383)
	require.Equal(t, 1, blank.attemptsFor(c))

	require.Equal(t, 0, countFiles(t, filepath.Join(st.Root(), "r", "raster", "blank")))
}

func TestRunAllSourcesFail(t *testing.T) {
	st := store.New(t.TempDir())
	dead := newFakeSource("dead", config.TileKindRaster, alwaysStatus(source.StatusNotFound))

	p := New([]source.Source{dead}, st, testOpts())
	res, err := p.Run(context.Background(), "r", istanbul, 10, 10)
	require.NoError(t, err)

	want := tile.CoverageCount(istanbul, 10, 10)
	require.Equal(t, int64(want), res.Counts.Failed)
	require.Zero(t, res.Counts.Stored)
	require.Len(t, res.FailedTiles, want)
	require.Equal(t, 0, countFiles(t, st.Root()))
}

func TestRunUncoverableTiles(t *testing.T) {
	st := store.New(t.TempDir())
	lowZoom := newFakeSource("low", config.TileKindRaster, alwaysGot([]byte("png"), "image/png"))
	lowZoom.maxZoom = 8 // region wants z10..11

	p := New([]source.Source{lowZoom}, st, testOpts())
	res, err := p.Run(context.Background(), "r", istanbul, 10, 11)
	require.NoError(t, err)

	want := tile.CoverageCount(istanbul, 10, 11)
	require.Equal(t, int64(want), res.Counts.Uncoverable)
	require.Zero(t, res.Counts.Stored)
	require.Zero(t, lowZoom.calls.Load())
}

func TestRunResumeSkipsStoredTiles(t *testing.T) {
	root := t.TempDir()
	st := store.New(root)
	src := newFakeSource("cdb", config.TileKindRaster, alwaysGot([]byte("png-bytes"), "image/png"))

	p := New([]source.Source{src}, st, testOpts())
	_, err := p.Run(context.Background(), "r", istanbul, 10, 10)
	require.NoError(t, err)

	firstCalls := src.calls.Load()

	// Delete two tiles; only those should be fetched again.
	deleted := []tile.Coords{
		tile.NewCoords(10, 593, 383),
		tile.NewCoords(10, 595, 384),
	}
	for _, c := range deleted {
		path, ok := st.ExistingPath("r", config.TileKindRaster, "cdb", c)
		require.True(t, ok)
		require.NoError(t, os.Remove(path))
	}

	st2 := store.New(root) // fresh dir cache, same tree
	p2 := New([]source.Source{src}, st2, testOpts())
	res, err := p2.Run(context.Background(), "r", istanbul, 10, 10)
	require.NoError(t, err)

	require.Equal(t, int64(2), res.Counts.Stored)
	require.Equal(t, int64(tile.CoverageCount(istanbul, 10, 10)-2), res.Counts.Skipped)
	require.Equal(t, firstCalls+2, src.calls.Load())

	for _, c := range deleted {
		require.True(t, st2.Exists("r", config.TileKindRaster, "cdb", c))
	}
}

// Running twice with identical inputs yields identical trees.
func TestRunIdempotent(t *testing.T) {
	root := t.TempDir()
	src := newFakeSource("cdb", config.TileKindRaster, alwaysGot([]byte("png-bytes"), "image/png"))

	p := New([]source.Source{src}, store.New(root), testOpts())
	res1, err := p.Run(context.Background(), "r", istanbul, 10, 10)
	require.NoError(t, err)

	p2 := New([]source.Source{src}, store.New(root), testOpts())
	res2, err := p2.Run(context.Background(), "r", istanbul, 10, 10)
	require.NoError(t, err)

	require.Equal(t, res1.Counts.Stored, res2.Counts.Skipped)
	require.Zero(t, res2.Counts.Stored)
	require.Equal(t, countFiles(t, root), int(res1.Counts.Stored))
}

func TestRunCancellation(t *testing.T) {
	st := store.New(t.TempDir())
	slow := newFakeSource("slow", config.TileKindRaster, nil)
	slow.respond = func(c tile.Coords, attempt int) source.Result {
		time.Sleep(20 * time.Millisecond)
		return source.Result{Status: source.StatusGot, Data: []byte("png"), ContentType: "image/png"}
	}

	opts := testOpts()
	opts.WorkersPerSource = 2
	p := New([]source.Source{slow}, st, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := p.Run(ctx, "r", istanbul, 10, 12)
	require.ErrorIs(t, err, context.Canceled)

	total := int64(tile.CoverageCount(istanbul, 10, 12))
	require.Less(t, res.Counts.Stored, total)

	// Whatever made it to disk is complete and resumable.
	require.Equal(t, int(res.Counts.Stored), countFiles(t, st.Root()))
}

// Every tile reaches exactly one terminal state.
func TestRunTerminalAccounting(t *testing.T) {
	st := store.New(t.TempDir())
	spotty := newFakeSource("spotty", config.TileKindRaster, func(c tile.Coords, attempt int) source.Result {
		switch (c.X + c.Y) % 3 {
		case 0:
			return source.Result{Status: source.StatusGot, Data: []byte("png"), ContentType: "image/png"}
		case 1:
			return source.Result{Status: source.StatusNotFound}
		default:
			return source.Result{Status: source.StatusInvalid, Reason: "bad payload"}
		}
	})

	p := New([]source.Source{spotty}, st, testOpts())
	res, err := p.Run(context.Background(), "r", istanbul, 10, 11)
	require.NoError(t, err)

	total := int64(tile.CoverageCount(istanbul, 10, 11))
	require.Equal(t, total, res.Counts.Terminal())
	require.Equal(t, int(res.Counts.Stored), countFiles(t, st.Root()))
}
