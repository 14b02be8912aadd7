package engine

import (
	"sort"
)

// SimClock steps through a fixed series of unix timestamps for
// backtests. Advance moves to the next instant; Current and DtSeconds
// describe the step just taken.
type SimClock struct {
	timestamps []int64
	index      int
}

// NewSimClock builds a clock over the given instants, sorted and
// de-duplicated. The clock starts positioned before the first instant.
func NewSimClock(timestamps []int64) *SimClock {
	sorted := append([]int64(nil), timestamps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	deduped := sorted[:0]
	var prev int64
	for i, ts := range sorted {
		if i > 0 && ts == prev {
			continue
		}
		deduped = append(deduped, ts)
		prev = ts
	}

	return &SimClock{timestamps: deduped, index: -1}
}

// UniformClock builds a clock covering [start, end] at a fixed step.
func UniformClock(start, end, step int64) *SimClock {
	if step <= 0 || end < start {
		return NewSimClock(nil)
	}
	timestamps := make([]int64, 0, (end-start)/step+1)
	for ts := start; ts <= end; ts += step {
		timestamps = append(timestamps, ts)
	}
	return NewSimClock(timestamps)
}

// Advance moves to the next instant, returning false once exhausted.
func (c *SimClock) Advance() bool {
	if c.index+1 >= len(c.timestamps) {
		return false
	}
	c.index++
	return true
}

// Current is the instant the clock sits at, zero before the first
// Advance.
func (c *SimClock) Current() int64 {
	if c.index < 0 || c.index >= len(c.timestamps) {
		return 0
	}
	return c.timestamps[c.index]
}

// DtSeconds is the width of the last step taken. The first step has no
// predecessor and reports zero.
func (c *SimClock) DtSeconds() int64 {
	if c.index <= 0 || c.index >= len(c.timestamps) {
		return 0
	}
	return c.timestamps[c.index] - c.timestamps[c.index-1]
}

// TickIndex is the zero-based position of the current instant, -1
// before the first Advance.
func (c *SimClock) TickIndex() int {
	return c.index
}

// TotalTicks is the number of instants the clock covers.
func (c *SimClock) TotalTicks() int {
	return len(c.timestamps)
}
