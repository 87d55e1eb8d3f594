// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

package miniscope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomidaq/go-miniscope/msframe"
)

func grayFrame(w, h int, fill uint8) *msframe.Frame {
	fr := msframe.NewFrameSized(w, h, 1)
	for i := range fr.Pix {
		fr.Pix[i] = fill
	}
	return fr
}

func TestLuminanceConversion(t *testing.T) {
	cfg := defaultConfig()
	cfg.useColor = false

	fr := msframe.NewFrameSized(2, 1, 3)
	// BGR pixels: pure white and pure green.
	copy(fr.Pix, []uint8{255, 255, 255, 0, 255, 0})

	out := newDisplayProcessor().process(fr, cfg)
	require.Equal(t, 1, out.Chans)
	assert.Equal(t, uint8(255), out.Pix[0])
	assert.Equal(t, uint8(149), out.Pix[1]) // 0.587 * 255, integer weights
}

func TestChannelMasking(t *testing.T) {
	cfg := defaultConfig()
	cfg.useColor = true
	cfg.showGreen = false

	fr := msframe.NewFrameSized(1, 1, 3)
	copy(fr.Pix, []uint8{10, 20, 30}) // B, G, R

	out := newDisplayProcessor().process(fr, cfg)
	require.Equal(t, 3, out.Chans)
	assert.Equal(t, []uint8{10, 0, 30}, out.Pix)
}

func TestSubtractionMatchesClippedDifference(t *testing.T) {
	cfg := defaultConfig()
	cfg.bgDiffMethod = BackgroundDiffSubtraction
	cfg.bgAlpha = 0 // freeze the accumulator at the first frame

	proc := newDisplayProcessor()

	bg := grayFrame(4, 4, 100)
	proc.process(bg, cfg)

	fr := grayFrame(4, 4, 0)
	for i := range fr.Pix {
		fr.Pix[i] = uint8(i * 16)
	}
	out := proc.process(fr, cfg)

	for i := range fr.Pix {
		want := int(fr.Pix[i]) - 100
		if want < 0 {
			want = 0
		}
		assert.Equal(t, uint8(want), out.Pix[i], "pixel %d", i)
	}
}

func TestDivisionScalesAndClampsDenominator(t *testing.T) {
	cfg := defaultConfig()
	cfg.bgDiffMethod = BackgroundDiffDivision
	cfg.bgAlpha = 0

	proc := newDisplayProcessor()
	proc.process(grayFrame(2, 2, 200), cfg)

	out := proc.process(grayFrame(2, 2, 100), cfg)
	// ratio 0.5 maps to 64.
	assert.Equal(t, uint8(64), out.Pix[0])

	// A black background clamps to the minimum denominator instead of
	// dividing by zero.
	proc = newDisplayProcessor()
	proc.process(grayFrame(2, 2, 0), cfg)
	out = proc.process(grayFrame(2, 2, 50), cfg)
	assert.Equal(t, uint8(255), out.Pix[0])
}

func TestAccumulatorTracksLatestFrameAtAlphaOne(t *testing.T) {
	cfg := defaultConfig()
	cfg.bgDiffMethod = BackgroundDiffSubtraction
	cfg.bgAlpha = 1

	proc := newDisplayProcessor()
	proc.process(grayFrame(2, 2, 10), cfg)
	// With alpha=1 the accumulator equals the current frame, so the
	// difference is always zero.
	out := proc.process(grayFrame(2, 2, 200), cfg)
	assert.Equal(t, uint8(0), out.Pix[0])
}

func TestAccumulatorUpdatesEvenWhenDiffDisabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.bgDiffMethod = BackgroundDiffNone
	cfg.bgAlpha = 0.5

	proc := newDisplayProcessor()
	proc.process(grayFrame(2, 2, 0), cfg)
	proc.process(grayFrame(2, 2, 100), cfg) // accumulator moves to 50

	cfg.bgDiffMethod = BackgroundDiffSubtraction
	out := proc.process(grayFrame(2, 2, 100), cfg)
	// Accumulator is 75 after this frame's update; 100-75 = 25.
	assert.Equal(t, uint8(25), out.Pix[0])
}

func TestContrastStretch(t *testing.T) {
	cfg := defaultConfig()
	cfg.minFluorDisplay = 50
	cfg.maxFluorDisplay = 150

	fr := msframe.NewFrameSized(3, 1, 1)
	copy(fr.Pix, []uint8{40, 100, 200})

	out := newDisplayProcessor().process(fr, cfg)
	assert.Equal(t, uint8(0), out.Pix[0])   // below window, clamped
	assert.Equal(t, uint8(127), out.Pix[1]) // midpoint
	assert.Equal(t, uint8(255), out.Pix[2]) // above window, clamped
}

func TestObservedFluorRange(t *testing.T) {
	cfg := defaultConfig()
	proc := newDisplayProcessor()

	fr := msframe.NewFrameSized(3, 1, 1)
	copy(fr.Pix, []uint8{12, 200, 43})
	proc.process(fr, cfg)

	min, max := proc.fluorRange()
	assert.Equal(t, 12, min)
	assert.Equal(t, 200, max)
}

func TestProcessorReusesBufferAcrossCalls(t *testing.T) {
	cfg := defaultConfig()
	proc := newDisplayProcessor()

	a := proc.process(grayFrame(2, 2, 1), cfg)
	b := proc.process(grayFrame(2, 2, 2), cfg)
	assert.Same(t, a, b)
}
