package fetch

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Counts is a snapshot of the run-wide progress counters.
type Counts struct {
	Attempted   int64 // fetch attempts issued, across all sources and retries
	Stored      int64 // tiles written to disk
	Failed      int64 // tiles exhausted on every candidate source
	Skipped     int64 // tiles already on disk from a previous run
	Uncoverable int64 // tiles no configured source could possibly serve
}

// Terminal returns how many tiles have reached a terminal state.
func (c Counts) Terminal() int64 {
	return c.Stored + c.Failed + c.Skipped + c.Uncoverable
}

// Progress tracks monotonic counters across all workers and optionally
// renders an interactive bar. All methods are safe for concurrent use.
type Progress struct {
	total int
	bar   *progressbar.ProgressBar

	attempted   atomic.Int64
	stored      atomic.Int64
	failed      atomic.Int64
	skipped     atomic.Int64
	uncoverable atomic.Int64
}

// NewProgress creates a tracker for total tiles. The bar is only rendered
// when enabled; counters are always maintained.
func NewProgress(total int, enabled bool) *Progress {
	p := &Progress{total: total}
	if enabled {
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("fetching tiles"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("tiles"),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}
	return p
}

// Attempt records one fetch attempt.
func (p *Progress) Attempt() {
	p.attempted.Add(1)
}

// MarkStored records a tile written to disk.
func (p *Progress) MarkStored() {
	p.stored.Add(1)
	p.step()
}

// MarkFailed records a tile that every candidate source gave up on.
func (p *Progress) MarkFailed() {
	p.failed.Add(1)
	p.step()
}

// MarkSkipped records a tile satisfied by a previous run.
func (p *Progress) MarkSkipped() {
	p.skipped.Add(1)
	p.step()
}

// MarkUncoverable records a tile with no candidate source.
func (p *Progress) MarkUncoverable() {
	p.uncoverable.Add(1)
	p.step()
}

func (p *Progress) step() {
	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}

// Counts returns a consistent-enough snapshot for reporting.
func (p *Progress) Counts() Counts {
	return Counts{
		Attempted:   p.attempted.Load(),
		Stored:      p.stored.Load(),
		Failed:      p.failed.Load(),
		Skipped:     p.skipped.Load(),
		Uncoverable: p.uncoverable.Load(),
	}
}

// Finish closes out the bar display.
func (p *Progress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}
