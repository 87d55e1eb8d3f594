// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

package miniscope

import "errors"

var (
	// ErrDeviceUnavailable is returned when the camera cannot be opened.
	ErrDeviceUnavailable = errors.New("miniscope: device unavailable")

	// ErrDeviceIO is the death reason of a capture session that lost
	// its camera mid-run.
	ErrDeviceIO = errors.New("miniscope: device I/O error")

	// ErrGrabTimeout is returned by Device.Grab when no frame arrived
	// within the wait budget. It is transient and never fatal on its own.
	ErrGrabTimeout = errors.New("miniscope: frame grab timed out")

	// ErrEncoderOpen is returned when a video sink cannot be opened.
	ErrEncoderOpen = errors.New("miniscope: encoder open failed")

	// ErrEncoderWrite is reported when a sink rejects a frame. It ends
	// the recording session but not acquisition.
	ErrEncoderWrite = errors.New("miniscope: encoder write failed")

	// ErrInvalidState is returned for operations not permitted in the
	// current engine state (e.g. Run before Connect).
	ErrInvalidState = errors.New("miniscope: invalid state for operation")

	// ErrInvalidConfig is returned by setters and Run for configuration
	// values that fail validation.
	ErrInvalidConfig = errors.New("miniscope: invalid configuration")
)
