// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

// Package cvio provides the OpenCV-backed device and encoder
// implementations used with real miniscope hardware, via gocv.
package cvio

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"

	miniscope "github.com/pomidaq/go-miniscope"
	"github.com/pomidaq/go-miniscope/msframe"
)

// Camera is a miniscope.Device backed by a UVC capture handle. The
// scope's DAQ firmware exposes its registers through standard camera
// properties: exposure and gain map directly, the excitation LED
// level rides on the hue control.
type Camera struct {
	cap *gocv.VideoCapture
	mat gocv.Mat
	fps float64
}

// NewCamera returns an unopened camera. A non-zero fps is requested
// from the driver at Open time.
func NewCamera(fps float64) *Camera {
	return &Camera{fps: fps}
}

// Open connects to the camera at the given index.
func (c *Camera) Open(camID int) error {
	cap, err := gocv.VideoCaptureDevice(camID)
	if err != nil {
		return fmt.Errorf("open capture device %d: %w", camID, err)
	}
	if c.fps > 0 {
		cap.Set(gocv.VideoCaptureFPS, c.fps)
	}
	c.cap = cap
	c.mat = gocv.NewMat()
	return nil
}

// Grab reads the next frame from the device. The UVC driver paces the
// read at the sensor's frame rate; an empty read within the timeout
// window is reported as miniscope.ErrGrabTimeout, a closed or failed
// device as a plain error.
func (c *Camera) Grab(timeout time.Duration) (*msframe.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		if !c.cap.Read(&c.mat) {
			return nil, fmt.Errorf("capture device read failed")
		}
		if !c.mat.Empty() {
			break
		}
		if time.Now().After(deadline) {
			return nil, miniscope.ErrGrabTimeout
		}
	}

	frame := msframe.NewFrameSized(c.mat.Cols(), c.mat.Rows(), c.mat.Channels())
	data, err := c.mat.DataPtrUint8()
	if err != nil {
		return nil, fmt.Errorf("frame data access: %w", err)
	}
	copy(frame.Pix, data)
	return frame, nil
}

func (c *Camera) SetExposure(value float64) error {
	return c.setProp(gocv.VideoCaptureExposure, value)
}

func (c *Camera) SetGain(value float64) error {
	return c.setProp(gocv.VideoCaptureGain, value)
}

func (c *Camera) SetExcitation(value float64) error {
	return c.setProp(gocv.VideoCaptureHue, value)
}

func (c *Camera) setProp(prop gocv.VideoCaptureProperties, value float64) error {
	if c.cap == nil {
		return fmt.Errorf("capture device not open")
	}
	c.cap.Set(prop, value)
	return nil
}

// Close releases the capture handle.
func (c *Camera) Close() error {
	if c.cap == nil {
		return nil
	}
	err := c.cap.Close()
	c.mat.Close()
	c.cap = nil
	return err
}
