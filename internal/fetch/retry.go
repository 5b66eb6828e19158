// Package fetch drives tile acquisition: retry policy, progress accounting
// and the multi-source pipeline.
package fetch

import (
	"math/rand"
	"time"

	"github.com/MeKo-Tech/tilefetch/internal/source"
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt, so a
	// tile sees at most MaxRetries+1 attempts against one source.
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the standard policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ShouldRetry decides whether another attempt is warranted after the given
// outcome. attempt is 1-based and counts completed attempts. Only transient
// outcomes are retried; everything else advances fallback immediately.
func (c RetryConfig) ShouldRetry(status source.Status, attempt int) bool {
	return status == source.StatusTransient && attempt <= c.MaxRetries
}

// Backoff returns the sleep before retry number attempt (1-based), using
// exponential growth with full jitter, capped at MaxBackoff.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= c.BackoffMultiplier
		if d >= float64(c.MaxBackoff) {
			break
		}
	}
	if d > float64(c.MaxBackoff) {
		d = float64(c.MaxBackoff)
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
