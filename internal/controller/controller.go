// Package controller implements the Adaptive Controller: a pure function
// from a sliding window of recent write latency samples to the next
// (poll_timeout, max_batch) the Consumer Loop should use, per spec.md §4.3.
//
// The window-median design is spec.md's own (§4.3); the multiplicative step
// and rail-clamping come from original_source/src/core/processor.py's
// _adapt_polling_parameters, which scales by a ratio rather than a fixed
// additive step — see SPEC_FULL.md §12.
package controller

import (
	"sort"
	"sync"
	"time"
)

// Config holds the LATENCY_THRESHOLD_* / POLL_TIMEOUT_* / BATCH_SIZE_*
// bounds from spec.md §6.
type Config struct {
	WindowSize int

	LatencyThresholdHigh time.Duration
	LatencyThresholdLow  time.Duration

	PollTimeoutMin time.Duration
	PollTimeoutMax time.Duration
	BatchSizeMin   int
	BatchSizeMax   int

	// GrowFactor/ShrinkFactor are the multiplicative step sizes: on a slow
	// window, poll_timeout *= GrowFactor and max_batch *= ShrinkFactor; on a
	// fast window, poll_timeout /= GrowFactor and max_batch /= ShrinkFactor.
	GrowFactor   float64
	ShrinkFactor float64

	InitialPollTimeout time.Duration
	InitialMaxBatch    int
}

// Controller holds the rolling latency window and the last-emitted
// (poll_timeout, max_batch), mutated by exactly one component (the Consumer
// Loop) per spec.md §5; other readers take a snapshot via Current().
type Controller struct {
	cfg Config

	mu          sync.Mutex
	samples     []time.Duration
	pollTimeout time.Duration
	maxBatch    int
}

func New(cfg Config) *Controller {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.GrowFactor <= 1.0 {
		cfg.GrowFactor = 1.5
	}
	if cfg.ShrinkFactor <= 0 || cfg.ShrinkFactor >= 1.0 {
		cfg.ShrinkFactor = 0.8
	}
	return &Controller{
		cfg:         cfg,
		pollTimeout: clampDuration(cfg.InitialPollTimeout, cfg.PollTimeoutMin, cfg.PollTimeoutMax),
		maxBatch:    clampInt(cfg.InitialMaxBatch, cfg.BatchSizeMin, cfg.BatchSizeMax),
	}
}

// Current returns the (poll_timeout, max_batch) the Consumer Loop should
// apply to its next poll. Safe for concurrent callers.
func (c *Controller) Current() (pollTimeout time.Duration, maxBatch int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollTimeout, c.maxBatch
}

// Observe feeds one write-latency sample (batch-sealed-at to commit-returned,
// per spec.md §4.5 step 5) into the rolling window and recomputes
// (poll_timeout, max_batch) from the window's median. It never moves either
// value by more than one step per sample, so two thresholds straddling a
// dead zone (hysteresis) is what prevents oscillation, per spec.md §4.3.
func (c *Controller) Observe(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = append(c.samples, latency)
	if len(c.samples) > c.cfg.WindowSize {
		c.samples = c.samples[len(c.samples)-c.cfg.WindowSize:]
	}

	median := medianOf(c.samples)

	switch {
	case median > c.cfg.LatencyThresholdHigh:
		c.maxBatch = clampInt(int(float64(c.maxBatch)*c.cfg.ShrinkFactor), c.cfg.BatchSizeMin, c.cfg.BatchSizeMax)
		c.pollTimeout = clampDuration(time.Duration(float64(c.pollTimeout)*c.cfg.GrowFactor), c.cfg.PollTimeoutMin, c.cfg.PollTimeoutMax)
	case median < c.cfg.LatencyThresholdLow:
		c.maxBatch = clampInt(int(float64(c.maxBatch)/c.cfg.ShrinkFactor), c.cfg.BatchSizeMin, c.cfg.BatchSizeMax)
		c.pollTimeout = clampDuration(time.Duration(float64(c.pollTimeout)/c.cfg.GrowFactor), c.cfg.PollTimeoutMin, c.cfg.PollTimeoutMax)
	default:
		// hold
	}
}

func medianOf(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func clampInt(v, lo, hi int) int {
	if lo > 0 && v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if lo > 0 && v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
