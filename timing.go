// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

package miniscope

import (
	"math"
	"time"
)

const (
	// defaultDropTolerance classifies a gap as containing drops once it
	// exceeds the target interval by this factor.
	defaultDropTolerance = 1.5

	// defaultFPSWindow is the number of recent arrivals the rolling
	// FPS estimate is computed over.
	defaultFPSWindow = 32
)

// dropTracker watches frame arrival timestamps for one capture
// session, estimating dropped frames against the target rate and
// keeping a rolling FPS figure. It is owned by the capture goroutine;
// results are published by the engine, not read from here directly.
type dropTracker struct {
	target    time.Duration
	tolerance float64

	last     time.Duration
	haveLast bool
	dropped  uint64

	window []time.Duration
	fps    float64
}

func newDropTracker(targetFPS uint, tolerance float64, windowSize int) *dropTracker {
	if tolerance <= 1 {
		tolerance = defaultDropTolerance
	}
	if windowSize < 2 {
		windowSize = defaultFPSWindow
	}
	return &dropTracker{
		target:    time.Second / time.Duration(targetFPS),
		tolerance: tolerance,
		window:    make([]time.Duration, 0, windowSize),
	}
}

// observe records the arrival of a frame at the given session
// timestamp, updating the drop counter and the rolling FPS.
func (dt *dropTracker) observe(ts time.Duration) {
	if dt.haveLast {
		gap := ts - dt.last
		if float64(gap) > float64(dt.target)*dt.tolerance {
			missed := int(math.Round(float64(gap)/float64(dt.target))) - 1
			if missed > 0 {
				dt.dropped += uint64(missed)
			}
		}
	}
	dt.last = ts
	dt.haveLast = true

	if len(dt.window) == cap(dt.window) {
		copy(dt.window, dt.window[1:])
		dt.window = dt.window[:len(dt.window)-1]
	}
	dt.window = append(dt.window, ts)

	if n := len(dt.window); n >= 2 {
		span := dt.window[n-1] - dt.window[0]
		if span > 0 {
			dt.fps = float64(n-1) / span.Seconds()
		}
	}
}

// currentFPS returns the rolling FPS estimate. Zero until at least two
// frames have been observed.
func (dt *dropTracker) currentFPS() float64 {
	return dt.fps
}

// droppedFrames returns the session's cumulative dropped frame count.
func (dt *dropTracker) droppedFrames() uint64 {
	return dt.dropped
}
