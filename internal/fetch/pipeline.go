package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MeKo-Tech/tilefetch/internal/config"
	"github.com/MeKo-Tech/tilefetch/internal/source"
	"github.com/MeKo-Tech/tilefetch/internal/store"
	"github.com/MeKo-Tech/tilefetch/internal/tile"
)

// Stats is the per-source summary of a run.
type Stats struct {
	Stored          int64
	Failed          int64 // tiles this source exhausted its retries on
	TransientErrors int64 // individual transient attempts, including retries
	Invalid         int64
	Empty           int64
	NotFound        int64
}

type sourceStats struct {
	stored    atomic.Int64
	failed    atomic.Int64
	transient atomic.Int64
	invalid   atomic.Int64
	empty     atomic.Int64
	notFound  atomic.Int64
}

func (s *sourceStats) snapshot() Stats {
	return Stats{
		Stored:          s.stored.Load(),
		Failed:          s.failed.Load(),
		TransientErrors: s.transient.Load(),
		Invalid:         s.invalid.Load(),
		Empty:           s.empty.Load(),
		NotFound:        s.notFound.Load(),
	}
}

// Result summarizes a pipeline run.
type Result struct {
	Counts      Counts
	PerSource   map[string]Stats
	FailedTiles []tile.Coords
}

// Options configures a pipeline.
type Options struct {
	WorkersPerSource int
	QueueSize        int // per-source queue capacity; defaults to 4x workers
	Retry            RetryConfig
	VectorFirst      bool
	ShowProgress     bool
	ReportInterval   time.Duration
	Logger           *slog.Logger
}

// stage is one source in the fallback chain together with its work queue
// and worker pool accounting.
type stage struct {
	src   source.Source
	queue chan *item
	stats *sourceStats
}

// item is one tile moving through the chain. candidates holds the stage
// indexes that accepted the tile during prefiltering, in fallback order;
// next points at the stage currently responsible for it.
type item struct {
	coords     tile.Coords
	candidates []int
	next       int
}

// Pipeline drives a coverage set through an ordered chain of sources.
// Fallback only ever moves an item to a strictly later stage, so workers
// blocked on a downstream queue can never deadlock.
type Pipeline struct {
	stages []*stage
	store  *store.Store
	opts   Options
	logger *slog.Logger
}

// New creates a pipeline over the given sources in configured order. When
// VectorFirst is set, vector sources form the front of the chain; relative
// order within a kind is preserved.
func New(sources []source.Source, st *store.Store, opts Options) *Pipeline {
	if opts.WorkersPerSource < 1 {
		opts.WorkersPerSource = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 4 * opts.WorkersPerSource
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{store: st, opts: opts, logger: logger}
	for _, idx := range chainOrder(sources, opts.VectorFirst) {
		p.stages = append(p.stages, &stage{
			src:   sources[idx],
			queue: make(chan *item, opts.QueueSize),
			stats: &sourceStats{},
		})
	}
	return p
}

// chainOrder returns source indexes in fallback preference order.
func chainOrder(sources []source.Source, vectorFirst bool) []int {
	order := make([]int, 0, len(sources))
	if vectorFirst {
		for i, s := range sources {
			if s.TileKind() == config.TileKindVector {
				order = append(order, i)
			}
		}
		for i, s := range sources {
			if s.TileKind() != config.TileKindVector {
				order = append(order, i)
			}
		}
		return order
	}
	for i := range sources {
		order = append(order, i)
	}
	return order
}

// run-wide shared state, created per Run.
type run struct {
	region   string
	progress *Progress

	pending      atomic.Int64
	producerDone atomic.Bool
	done         chan struct{}
	doneOnce     sync.Once
	stop         chan struct{}

	mu          sync.Mutex
	failedTiles []tile.Coords
}

func (r *run) finish() {
	if r.pending.Add(-1) == 0 && r.producerDone.Load() {
		r.doneOnce.Do(func() { close(r.done) })
	}
}

func (r *run) producerFinished() {
	r.producerDone.Store(true)
	if r.pending.Load() == 0 {
		r.doneOnce.Do(func() { close(r.done) })
	}
}

func (r *run) markFailed(c tile.Coords) {
	r.progress.MarkFailed()
	r.mu.Lock()
	r.failedTiles = append(r.failedTiles, c)
	r.mu.Unlock()
}

// Run acquires the coverage of the given region. It returns when every tile
// has reached a terminal state, or with ctx.Err() after cancellation. Tiles
// stored before a cancellation stay on disk; a later run skips them.
func (p *Pipeline) Run(ctx context.Context, region string, bbox tile.Bbox, minZoom, maxZoom uint32) (*Result, error) {
	coverage := tile.Coverage(bbox, minZoom, maxZoom)

	r := &run{
		region:   region,
		progress: NewProgress(len(coverage), p.opts.ShowProgress),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}

	p.logger.Info("starting acquisition",
		"region", region,
		"tiles", len(coverage),
		"zoom_range", formatZoomRange(minZoom, maxZoom),
		"sources", len(p.stages),
		"workers_per_source", p.opts.WorkersPerSource,
	)

	g, gctx := errgroup.WithContext(ctx)

	for k := range p.stages {
		k := k
		for w := 0; w < p.opts.WorkersPerSource; w++ {
			g.Go(func() error {
				p.worker(gctx, r, k)
				return nil
			})
		}
	}

	g.Go(func() error {
		p.produce(gctx, r, coverage)
		return nil
	})

	reportDone := make(chan struct{})
	go p.report(r, reportDone)

	var runErr error
	select {
	case <-r.done:
	case <-gctx.Done():
		runErr = gctx.Err()
	}

	close(r.stop)
	_ = g.Wait()
	close(reportDone)
	r.progress.Finish()

	result := &Result{
		Counts:      r.progress.Counts(),
		PerSource:   make(map[string]Stats, len(p.stages)),
		FailedTiles: r.failedTiles,
	}
	for _, st := range p.stages {
		result.PerSource[st.src.Name()] = st.stats.snapshot()
	}

	p.logger.Info("acquisition finished",
		"region", region,
		"stored", result.Counts.Stored,
		"failed", result.Counts.Failed,
		"skipped", result.Counts.Skipped,
		"uncoverable", result.Counts.Uncoverable,
		"attempts", result.Counts.Attempted,
	)

	return result, runErr
}

// produce prefilters the coverage set and feeds first-choice queues. The
// bounded queues provide backpressure: enumeration cannot outrun the sum of
// per-source capacities.
func (p *Pipeline) produce(ctx context.Context, r *run, coverage []tile.Coords) {
	defer r.producerFinished()

	for _, c := range coverage {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		it := &item{coords: c}
		for k, st := range p.stages {
			if st.src.Accepts(c) {
				it.candidates = append(it.candidates, k)
			}
		}
		if len(it.candidates) == 0 {
			r.progress.MarkUncoverable()
			continue
		}

		if p.alreadyStored(r.region, it) {
			r.progress.MarkSkipped()
			continue
		}

		r.pending.Add(1)
		if !p.send(ctx, r, it) {
			r.pending.Add(-1)
			return
		}
	}
}

// alreadyStored reports whether any candidate source satisfied the tile in a
// previous run.
func (p *Pipeline) alreadyStored(region string, it *item) bool {
	for _, k := range it.candidates {
		src := p.stages[k].src
		if p.store.Exists(region, src.TileKind(), src.Name(), it.coords) {
			return true
		}
	}
	return false
}

// send enqueues the item on its current candidate's queue, blocking until
// there is room. Returns false when the run is shutting down.
func (p *Pipeline) send(ctx context.Context, r *run, it *item) bool {
	select {
	case p.stages[it.candidates[it.next]].queue <- it:
		return true
	case <-ctx.Done():
		return false
	case <-r.stop:
		return false
	}
}

func (p *Pipeline) worker(ctx context.Context, r *run, k int) {
	st := p.stages[k]
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case it := <-st.queue:
			p.process(ctx, r, st, it)
		}
	}
}

// process runs the per-tile state machine for one stage: fetch with retries,
// store on success, otherwise advance fallback. The worker holds its slot
// through backoff sleeps so per-attempt accounting stays in order.
func (p *Pipeline) process(ctx context.Context, r *run, st *stage, it *item) {
	c := it.coords

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		r.progress.Attempt()
		res := st.src.Fetch(ctx, c)

		switch res.Status {
		case source.StatusGot:
			ext := store.ExtForContentType(st.src.TileKind(), res.ContentType)
			err := p.store.Write(r.region, st.src.TileKind(), st.src.Name(), c, ext, res.Data)
			if err == nil {
				st.stats.stored.Add(1)
				r.progress.MarkStored()
				r.finish()
				return
			}
			// Disk trouble is retried like a network fault; if it
			// persists the tile fails without bothering other sources.
			st.stats.transient.Add(1)
			p.logger.Warn("tile write failed", "tile", c.String(), "source", st.src.Name(), "error", err)
			if p.opts.Retry.ShouldRetry(source.StatusTransient, attempt) {
				if !p.sleep(ctx, r, attempt) {
					return
				}
				continue
			}
			st.stats.failed.Add(1)
			r.markFailed(c)
			r.finish()
			return

		case source.StatusTransient:
			st.stats.transient.Add(1)
			if p.opts.Retry.ShouldRetry(res.Status, attempt) {
				if !p.sleep(ctx, r, attempt) {
					return
				}
				continue
			}
			st.stats.failed.Add(1)
			p.advance(ctx, r, it)
			return

		case source.StatusEmpty:
			st.stats.empty.Add(1)
			p.advance(ctx, r, it)
			return

		case source.StatusNotFound:
			st.stats.notFound.Add(1)
			p.advance(ctx, r, it)
			return

		default: // source.StatusInvalid
			st.stats.invalid.Add(1)
			if res.Reason != "" {
				p.logger.Debug("invalid tile", "tile", c.String(), "source", st.src.Name(), "reason", res.Reason)
			}
			p.advance(ctx, r, it)
			return
		}
	}
}

// advance moves the item to the next candidate stage, or marks it failed
// when the chain is exhausted. The enqueue blocks when the next stage is
// busy, which is the backpressure the chain relies on; it can never cycle
// because candidates are strictly increasing.
func (p *Pipeline) advance(ctx context.Context, r *run, it *item) {
	it.next++
	if it.next >= len(it.candidates) {
		r.markFailed(it.coords)
		r.finish()
		return
	}
	if !p.send(ctx, r, it) {
		return
	}
}

// sleep waits out the backoff for the given attempt. Returns false when the
// run ended during the wait.
func (p *Pipeline) sleep(ctx context.Context, r *run, attempt int) bool {
	d := p.opts.Retry.Backoff(attempt)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-r.stop:
		return false
	}
}

// report logs the monotonic counters at a fixed interval until the run ends.
func (p *Pipeline) report(r *run, done <-chan struct{}) {
	ticker := time.NewTicker(p.opts.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			counts := r.progress.Counts()
			p.logger.Info("progress",
				"region", r.region,
				"attempted", counts.Attempted,
				"stored", counts.Stored,
				"failed", counts.Failed,
				"skipped", counts.Skipped,
			)
		}
	}
}

func formatZoomRange(minZoom, maxZoom uint32) string {
	return fmt.Sprintf("%d-%d", minZoom, maxZoom)
}
