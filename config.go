// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

package miniscope

import (
	"fmt"
	"time"
)

// config is the engine's shared configuration. It is written by the
// caller's thread through the Miniscope setters and read once per
// capture iteration as a snapshot, so the capture loop never sees a
// torn update. All access goes through Miniscope.mu.
type config struct {
	camID      int
	fps        uint
	exposure   float64
	gain       float64
	excitation float64

	useColor  bool
	showRed   bool
	showGreen bool
	showBlue  bool

	bgDiffMethod    BackgroundDiffMethod
	bgAlpha         float64
	minFluorDisplay int
	maxFluorDisplay int

	useUnixTime     bool
	externalTrigger bool

	videoFilename string
	codec         VideoCodec
	container     VideoContainer
	lossless      bool
	sliceInterval time.Duration

	dropTolerance float64
	fpsWindow     int

	printMessages bool
}

// configSnapshot is the per-iteration copy handed to the capture loop.
type configSnapshot = config

func defaultConfig() config {
	return config{
		fps:             20,
		exposure:        100,
		gain:            1,
		showRed:         true,
		showGreen:       true,
		showBlue:        true,
		bgAlpha:         0.05,
		minFluorDisplay: 0,
		maxFluorDisplay: 255,
		codec:           CodecFFV1,
		container:       ContainerMatroska,
		lossless:        true,
		dropTolerance:   defaultDropTolerance,
		fpsWindow:       defaultFPSWindow,
	}
}

// validate checks the invariants Run depends on.
func (c *config) validate() error {
	if c.fps == 0 {
		return fmt.Errorf("%w: target FPS must be greater than zero", ErrInvalidConfig)
	}
	if c.bgAlpha < 0 || c.bgAlpha > 1 {
		return fmt.Errorf("%w: background alpha %v outside [0,1]", ErrInvalidConfig, c.bgAlpha)
	}
	if c.useColor && !c.showRed && !c.showGreen && !c.showBlue {
		return fmt.Errorf("%w: all color channels hidden", ErrInvalidConfig)
	}
	if c.minFluorDisplay < 0 || c.maxFluorDisplay > 255 || c.minFluorDisplay >= c.maxFluorDisplay {
		return fmt.Errorf("%w: fluorescence display range [%d,%d]", ErrInvalidConfig, c.minFluorDisplay, c.maxFluorDisplay)
	}
	return nil
}

// snapshot returns a copy of the configuration for one capture
// iteration. Caller must hold ms.mu.
func (ms *Miniscope) snapshot() configSnapshot {
	return ms.cfg
}

// SetScopeCamID selects the camera index to connect to. Rejected
// while connected.
func (ms *Miniscope) SetScopeCamID(id int) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.state != stateIdle {
		return fmt.Errorf("%w: camera ID fixed while connected", ErrInvalidState)
	}
	ms.cfg.camID = id
	return nil
}

// ScopeCamID returns the configured camera index.
func (ms *Miniscope) ScopeCamID() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.camID
}

// SetFPS sets the target frame rate. Rejected while running.
func (ms *Miniscope) SetFPS(fps uint) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if fps == 0 {
		return fmt.Errorf("%w: target FPS must be greater than zero", ErrInvalidConfig)
	}
	if ms.running() {
		return fmt.Errorf("%w: FPS fixed while running", ErrInvalidState)
	}
	ms.cfg.fps = fps
	return nil
}

// FPS returns the target frame rate.
func (ms *Miniscope) FPS() uint {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.fps
}

// SetExposure adjusts the sensor exposure. Applied live from the
// capture thread when running.
func (ms *Miniscope) SetExposure(value float64) {
	ms.mu.Lock()
	ms.cfg.exposure = value
	ms.mu.Unlock()
}

func (ms *Miniscope) Exposure() float64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.exposure
}

// SetGain adjusts the sensor gain. Applied live when running.
func (ms *Miniscope) SetGain(value float64) {
	ms.mu.Lock()
	ms.cfg.gain = value
	ms.mu.Unlock()
}

func (ms *Miniscope) Gain() float64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.gain
}

// SetExcitation adjusts the excitation LED level. Applied live when
// running.
func (ms *Miniscope) SetExcitation(value float64) {
	ms.mu.Lock()
	ms.cfg.excitation = value
	ms.mu.Unlock()
}

func (ms *Miniscope) Excitation() float64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.excitation
}

// SetUseColor switches between color and grayscale display
// processing.
func (ms *Miniscope) SetUseColor(color bool) {
	ms.mu.Lock()
	ms.cfg.useColor = color
	ms.mu.Unlock()
}

func (ms *Miniscope) UseColor() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.useColor
}

// SetVisibleChannels toggles which color channels appear in the
// display frame. At least one channel must stay visible while color
// mode is on.
func (ms *Miniscope) SetVisibleChannels(red, green, blue bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.cfg.useColor && !red && !green && !blue {
		return fmt.Errorf("%w: all color channels hidden", ErrInvalidConfig)
	}
	ms.cfg.showRed = red
	ms.cfg.showGreen = green
	ms.cfg.showBlue = blue
	return nil
}

func (ms *Miniscope) ShowRedChannel() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.showRed
}

func (ms *Miniscope) ShowGreenChannel() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.showGreen
}

func (ms *Miniscope) ShowBlueChannel() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.showBlue
}

// SetDisplayBgDiffMethod selects the background correction applied to
// display frames. Safe to change mid-session.
func (ms *Miniscope) SetDisplayBgDiffMethod(method BackgroundDiffMethod) {
	ms.mu.Lock()
	ms.cfg.bgDiffMethod = method
	ms.mu.Unlock()
}

func (ms *Miniscope) DisplayBgDiffMethod() BackgroundDiffMethod {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.bgDiffMethod
}

// SetBgAccumulateAlpha sets the background accumulation weight.
// 1 makes the accumulator track the latest frame exactly; values near
// 0 give a near-static background.
func (ms *Miniscope) SetBgAccumulateAlpha(alpha float64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if alpha < 0 || alpha > 1 {
		return fmt.Errorf("%w: background alpha %v outside [0,1]", ErrInvalidConfig, alpha)
	}
	ms.cfg.bgAlpha = alpha
	return nil
}

func (ms *Miniscope) BgAccumulateAlpha() float64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.bgAlpha
}

// SetMinFluorDisplay sets the lower bound of the contrast stretch
// window.
func (ms *Miniscope) SetMinFluorDisplay(value int) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if value < 0 || value >= ms.cfg.maxFluorDisplay {
		return fmt.Errorf("%w: min fluorescence display %d", ErrInvalidConfig, value)
	}
	ms.cfg.minFluorDisplay = value
	return nil
}

func (ms *Miniscope) MinFluorDisplay() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.minFluorDisplay
}

// SetMaxFluorDisplay sets the upper bound of the contrast stretch
// window.
func (ms *Miniscope) SetMaxFluorDisplay(value int) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if value > 255 || value <= ms.cfg.minFluorDisplay {
		return fmt.Errorf("%w: max fluorescence display %d", ErrInvalidConfig, value)
	}
	ms.cfg.maxFluorDisplay = value
	return nil
}

func (ms *Miniscope) MaxFluorDisplay() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.maxFluorDisplay
}

// SetUseUnixTimestamps anchors frame timestamps to wall-clock time.
// Rejected while running.
func (ms *Miniscope) SetUseUnixTimestamps(useUnixTime bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.running() {
		return fmt.Errorf("%w: timestamp mode fixed while running", ErrInvalidState)
	}
	ms.cfg.useUnixTime = useUnixTime
	return nil
}

func (ms *Miniscope) UseUnixTimestamps() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.useUnixTime
}

// SetExternalRecordTrigger switches recording control to the trigger
// source registered with SetRecordTrigger. While enabled,
// StartRecording and StopRecording are rejected. Rejected while
// running.
func (ms *Miniscope) SetExternalRecordTrigger(enabled bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.running() {
		return fmt.Errorf("%w: trigger mode fixed while running", ErrInvalidState)
	}
	ms.cfg.externalTrigger = enabled
	return nil
}

func (ms *Miniscope) ExternalRecordTrigger() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.externalTrigger
}

// SetVideoFilename sets the output name for the next recording.
// An empty name means a timestamped name is generated at
// StartRecording time.
func (ms *Miniscope) SetVideoFilename(fname string) {
	ms.mu.Lock()
	ms.cfg.videoFilename = fname
	ms.mu.Unlock()
}

func (ms *Miniscope) VideoFilename() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.videoFilename
}

// SetVideoCodec selects the recording codec. Takes effect at the next
// StartRecording.
func (ms *Miniscope) SetVideoCodec(codec VideoCodec) {
	ms.mu.Lock()
	ms.cfg.codec = codec
	ms.mu.Unlock()
}

func (ms *Miniscope) VideoCodec() VideoCodec {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.codec
}

// SetVideoContainer selects the recording container. Takes effect at
// the next StartRecording.
func (ms *Miniscope) SetVideoContainer(container VideoContainer) {
	ms.mu.Lock()
	ms.cfg.container = container
	ms.mu.Unlock()
}

func (ms *Miniscope) VideoContainer() VideoContainer {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.container
}

// SetRecordLossless requests lossless encoding where the codec
// supports it.
func (ms *Miniscope) SetRecordLossless(lossless bool) {
	ms.mu.Lock()
	ms.cfg.lossless = lossless
	ms.mu.Unlock()
}

func (ms *Miniscope) RecordLossless() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg.lossless
}

// SetRecordingSliceInterval splits recordings into sequential files
// every given number of minutes. Zero disables rollover.
func (ms *Miniscope) SetRecordingSliceInterval(minutes uint) {
	ms.mu.Lock()
	ms.cfg.sliceInterval = time.Duration(minutes) * time.Minute
	ms.mu.Unlock()
}

func (ms *Miniscope) RecordingSliceInterval() uint {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return uint(ms.cfg.sliceInterval / time.Minute)
}

// SetDropTolerance tunes the gap factor beyond which missing frames
// are counted as drops. Values at or below 1 restore the default.
func (ms *Miniscope) SetDropTolerance(factor float64) {
	ms.mu.Lock()
	ms.cfg.dropTolerance = factor
	ms.mu.Unlock()
}

// SetFPSWindow tunes how many recent arrivals the rolling FPS is
// computed over. Values below 2 restore the default.
func (ms *Miniscope) SetFPSWindow(frames int) {
	ms.mu.Lock()
	ms.cfg.fpsWindow = frames
	ms.mu.Unlock()
}

// SetPrintMessagesToStdout mirrors message callback events to the
// standard logger.
func (ms *Miniscope) SetPrintMessagesToStdout(enabled bool) {
	ms.mu.Lock()
	ms.cfg.printMessages = enabled
	ms.mu.Unlock()
}
