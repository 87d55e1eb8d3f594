// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

// Package msframe defines the pixel buffer type passed between the
// miniscope device layer, the display processor and the recording
// pipeline.
package msframe

import "time"

// ScopeSpec describes the geometry a camera delivers frames at.
// Device implementations provide this so buffers can be sized up front.
type ScopeSpec interface {
	ResX() int
	ResY() int
	Channels() int
}

// Frame holds the pixels for a single captured image. Pixels are
// stored interleaved, Channels bytes per pixel (1 for grayscale,
// 3 for BGR color). Timestamp is the duration since the capture
// session's start instant.
type Frame struct {
	Pix       []uint8
	Width     int
	Height    int
	Chans     int
	Timestamp time.Duration
}

// NewFrame returns a zeroed frame sized for the provided camera spec.
func NewFrame(s ScopeSpec) *Frame {
	return NewFrameSized(s.ResX(), s.ResY(), s.Channels())
}

// NewFrameSized returns a zeroed frame with explicit geometry.
func NewFrameSized(width, height, channels int) *Frame {
	return &Frame{
		Pix:    make([]uint8, width*height*channels),
		Width:  width,
		Height: height,
		Chans:  channels,
	}
}

// At returns the value of channel c of the pixel at (x, y).
func (fr *Frame) At(x, y, c int) uint8 {
	return fr.Pix[(y*fr.Width+x)*fr.Chans+c]
}

// SetAt sets channel c of the pixel at (x, y).
func (fr *Frame) SetAt(x, y, c int, v uint8) {
	fr.Pix[(y*fr.Width+x)*fr.Chans+c] = v
}

// Copy sets current frame as other frame. The destination must have
// the same geometry.
func (fr *Frame) Copy(orig *Frame) {
	fr.Timestamp = orig.Timestamp
	copy(fr.Pix, orig.Pix)
}

// Clone returns a new frame with the same geometry, pixels and
// timestamp as this one.
func (fr *Frame) Clone() *Frame {
	out := NewFrameSized(fr.Width, fr.Height, fr.Chans)
	out.Copy(fr)
	return out
}
