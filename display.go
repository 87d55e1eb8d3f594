// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

package miniscope

import "github.com/pomidaq/go-miniscope/msframe"

// BackgroundDiffMethod selects how the display frame is corrected
// against the accumulated background.
type BackgroundDiffMethod int

const (
	BackgroundDiffNone BackgroundDiffMethod = iota
	BackgroundDiffSubtraction
	BackgroundDiffDivision
)

func (m BackgroundDiffMethod) String() string {
	switch m {
	case BackgroundDiffSubtraction:
		return "subtraction"
	case BackgroundDiffDivision:
		return "division"
	default:
		return "none"
	}
}

const (
	// bgMinDenom clamps the division denominator so near-black
	// background pixels don't blow up the ratio.
	bgMinDenom = 1.0

	// divisionScale maps a frame/background ratio of 1.0 (unchanged
	// pixel) to the middle of the display range.
	divisionScale = 128.0
)

// displayProcessor turns raw frames into display frames: channel
// masking, background accumulation and diffing, and contrast
// stretching. One instance lives per capture session; the background
// accumulator starts from the session's first frame.
type displayProcessor struct {
	bg      []float64
	work    *msframe.Frame
	haveBG  bool
	minSeen int
	maxSeen int
}

func newDisplayProcessor() *displayProcessor {
	return &displayProcessor{}
}

// process produces the display frame for a raw frame under the given
// configuration snapshot.
//
// IMPORTANT: the returned frame is reused and therefore is only valid
// until the next call to process.
func (p *displayProcessor) process(raw *msframe.Frame, cfg configSnapshot) *msframe.Frame {
	out := p.channelStep(raw, cfg)

	p.minSeen = 255
	p.maxSeen = 0
	for _, v := range out.Pix {
		if int(v) < p.minSeen {
			p.minSeen = int(v)
		}
		if int(v) > p.maxSeen {
			p.maxSeen = int(v)
		}
	}

	p.accumulate(out, cfg.bgAlpha)

	switch cfg.bgDiffMethod {
	case BackgroundDiffSubtraction:
		for i, v := range out.Pix {
			d := float64(v) - p.bg[i]
			out.Pix[i] = clampPixel(d)
		}
	case BackgroundDiffDivision:
		for i, v := range out.Pix {
			denom := p.bg[i]
			if denom < bgMinDenom {
				denom = bgMinDenom
			}
			out.Pix[i] = clampPixel(float64(v) / denom * divisionScale)
		}
	}

	if cfg.minFluorDisplay > 0 || cfg.maxFluorDisplay < 255 {
		lo := float64(cfg.minFluorDisplay)
		hi := float64(cfg.maxFluorDisplay)
		scale := 255.0 / (hi - lo)
		for i, v := range out.Pix {
			out.Pix[i] = clampPixel((float64(v) - lo) * scale)
		}
	}

	return out
}

// channelStep writes the channel-masked (or luminance-converted) raw
// frame into the processor's scratch buffer.
func (p *displayProcessor) channelStep(raw *msframe.Frame, cfg configSnapshot) *msframe.Frame {
	outChans := raw.Chans
	if !cfg.useColor {
		outChans = 1
	}
	if p.work == nil || p.work.Width != raw.Width || p.work.Height != raw.Height || p.work.Chans != outChans {
		p.work = msframe.NewFrameSized(raw.Width, raw.Height, outChans)
		p.bg = nil
		p.haveBG = false
	}
	out := p.work
	out.Timestamp = raw.Timestamp

	switch {
	case !cfg.useColor && raw.Chans == 3:
		// BGR to luminance, BT.601 integer weights.
		for i, j := 0, 0; j < len(raw.Pix); i, j = i+1, j+3 {
			b := uint32(raw.Pix[j])
			g := uint32(raw.Pix[j+1])
			r := uint32(raw.Pix[j+2])
			out.Pix[i] = uint8((114*b + 587*g + 299*r) / 1000)
		}
	case cfg.useColor && raw.Chans == 3:
		copy(out.Pix, raw.Pix)
		// Channel order is BGR.
		mask := [3]bool{cfg.showBlue, cfg.showGreen, cfg.showRed}
		for c := 0; c < 3; c++ {
			if mask[c] {
				continue
			}
			for i := c; i < len(out.Pix); i += 3 {
				out.Pix[i] = 0
			}
		}
	default:
		copy(out.Pix, raw.Pix)
	}
	return out
}

// accumulate folds the channel-masked frame into the exponential
// background estimate. This happens every frame regardless of the
// selected diff method, so switching methods mid-session sees an
// up-to-date background.
func (p *displayProcessor) accumulate(fr *msframe.Frame, alpha float64) {
	if p.bg == nil {
		p.bg = make([]float64, len(fr.Pix))
	}
	if !p.haveBG {
		for i, v := range fr.Pix {
			p.bg[i] = float64(v)
		}
		p.haveBG = true
		return
	}
	for i, v := range fr.Pix {
		p.bg[i] = alpha*float64(v) + (1-alpha)*p.bg[i]
	}
}

// fluorRange returns the observed pixel value range of the most
// recently processed frame, for host-side contrast calibration.
func (p *displayProcessor) fluorRange() (min, max int) {
	return p.minSeen, p.maxSeen
}

func clampPixel(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
