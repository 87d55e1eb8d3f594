// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

package miniscope

import (
	"time"

	"github.com/pomidaq/go-miniscope/msframe"
)

// Device is the connection to one physical miniscope camera. The
// engine drives it from the capture goroutine only; implementations do
// not need to be safe for concurrent use beyond Close racing Grab.
//
// cvio.Camera is the OpenCV-backed implementation used on real
// hardware.
type Device interface {
	// Open connects to the camera at the given index.
	Open(camID int) error

	// Grab blocks until the next raw frame arrives or the timeout
	// elapses. A timeout is reported as ErrGrabTimeout; any other
	// error means the device is gone. The returned frame is owned by
	// the caller.
	Grab(timeout time.Duration) (*msframe.Frame, error)

	// SetExposure, SetGain and SetExcitation write the corresponding
	// device registers. They are issued from the capture goroutine
	// whenever the configured value changes.
	SetExposure(value float64) error
	SetGain(value float64) error
	SetExcitation(value float64) error

	Close() error
}

// SinkOptions carries everything a video sink needs to open an output
// file. Geometry and frame rate are included because no real encoder
// can be opened without them.
type SinkOptions struct {
	Codec     VideoCodec
	Container VideoContainer
	Lossless  bool
	FPS       uint
	Width     int
	Height    int
	Color     bool
}

// VideoSink encodes frames to a single output file. A new sink
// instance is opened per recording slice. Implementations report
// failures as errors; the recording pipeline maps them onto
// ErrEncoderOpen / ErrEncoderWrite.
type VideoSink interface {
	Open(filename string, opts SinkOptions) error
	WriteFrame(frame *msframe.Frame) error
	Close() error
}

// SinkFactory produces a fresh sink for each recording slice.
type SinkFactory func() VideoSink

// TriggerSource reports the level of an external record-trigger
// signal. When trigger mode is enabled the capture loop polls it once
// per frame and starts or stops recording on level changes.
//
// gpiotrigger.Pin is the GPIO-backed implementation.
type TriggerSource interface {
	Active() (bool, error)
}
