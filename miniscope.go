// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

// Package miniscope implements the data acquisition engine for UCLA
// Miniscope fluorescence microscopes: it owns the camera connection,
// runs a dedicated capture goroutine that pulls raw frames at a target
// rate, produces processed display frames for live preview, records
// frames to video files with slice rollover, and reports health
// metrics back to the host through callbacks.
package miniscope

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/tomb.v2"

	"github.com/pomidaq/go-miniscope/msframe"
)

// MessageFunc receives status and error events from the engine. It is
// called from whichever goroutine produced the event, including the
// capture goroutine; it must not block for long.
type MessageFunc func(msg string)

// FrameFunc receives frames from the capture goroutine together with
// their capture timestamp. The frame may be retained but must not be
// mutated.
type FrameFunc func(frame *msframe.Frame, timestamp time.Duration)

type engineState int

const (
	stateIdle engineState = iota
	stateConnected
	stateRunning
	stateStopping
)

const (
	// maxConsecutiveTimeouts is how many empty grab polls in a row are
	// tolerated before the device is considered dead. A single timeout
	// is scheduling jitter; several seconds of silence is not.
	maxConsecutiveTimeouts = 40

	minGrabTimeout = 250 * time.Millisecond
)

// Miniscope is the public handle for one microscope. All methods are
// safe for concurrent use; the heavy lifting happens on an internal
// capture goroutine that exists only between Run and Stop.
type Miniscope struct {
	mu    sync.Mutex
	cfg   config
	state engineState

	dev     Device
	trigger TriggerSource

	onMessage      MessageFunc
	onFrame        FrameFunc
	onDisplayFrame FrameFunc

	t             *tomb.Tomb
	startOverride time.Time
	unixStart     time.Time

	currentFPS   float64
	dropped      uint64
	lastErr      string
	lastRecorded time.Duration
	display      *msframe.Frame
	minFluor     int
	maxFluor     int

	// recMu serialises the recording pipeline between the caller's
	// thread (StartRecording/StopRecording) and the capture
	// goroutine's write path.
	recMu sync.Mutex
	rec   *recorder
}

// New creates an engine for the given device. Recording sinks are
// produced by newSink, one per recording slice; cvio.NewWriterFactory
// provides the OpenCV-backed implementation.
func New(dev Device, newSink SinkFactory) *Miniscope {
	return NewWithFs(dev, newSink, afero.NewOsFs())
}

// NewWithFs is New with an explicit filesystem for the recording
// pipeline's filename bookkeeping and timestamp sidecars. Tests pass
// an afero.NewMemMapFs.
func NewWithFs(dev Device, newSink SinkFactory, fs afero.Fs) *Miniscope {
	return &Miniscope{
		cfg: defaultConfig(),
		dev: dev,
		rec: newRecorder(fs, newSink),
	}
}

// SetOnMessage registers the status/error callback.
func (ms *Miniscope) SetOnMessage(cb MessageFunc) {
	ms.mu.Lock()
	ms.onMessage = cb
	ms.mu.Unlock()
}

// SetOnFrame registers the raw-frame callback. It is invoked in the
// capture goroutine for every frame acquired from the device,
// equivalent to what would be recorded to a video file.
func (ms *Miniscope) SetOnFrame(cb FrameFunc) {
	ms.mu.Lock()
	ms.onFrame = cb
	ms.mu.Unlock()
}

// SetOnDisplayFrame registers the display-frame callback. It is
// invoked in the capture goroutine with the processed frame a host
// application would show to the user.
func (ms *Miniscope) SetOnDisplayFrame(cb FrameFunc) {
	ms.mu.Lock()
	ms.onDisplayFrame = cb
	ms.mu.Unlock()
}

// SetRecordTrigger registers the source polled for externally
// triggered recording. Only consulted while
// SetExternalRecordTrigger(true) is in effect.
func (ms *Miniscope) SetRecordTrigger(src TriggerSource) {
	ms.mu.Lock()
	ms.trigger = src
	ms.mu.Unlock()
}

// Connect opens the device for the configured camera index. It is an
// idempotent no-op when already connected.
func (ms *Miniscope) Connect() error {
	ms.mu.Lock()
	if ms.state != stateIdle {
		ms.mu.Unlock()
		return nil
	}
	camID := ms.cfg.camID
	if err := ms.dev.Open(camID); err != nil {
		err = fmt.Errorf("%w: camera %d: %v", ErrDeviceUnavailable, camID, err)
		ms.lastErr = err.Error()
		ms.mu.Unlock()
		return err
	}
	ms.state = stateConnected
	ms.mu.Unlock()

	ms.emitMessage(fmt.Sprintf("connected to camera %d", camID))
	return nil
}

// Disconnect releases the device. A running session is stopped first.
func (ms *Miniscope) Disconnect() error {
	ms.Stop()

	ms.mu.Lock()
	if ms.state == stateIdle {
		ms.mu.Unlock()
		return nil
	}
	err := ms.dev.Close()
	ms.state = stateIdle
	ms.mu.Unlock()

	ms.emitMessage("disconnected")
	return err
}

// Run starts the capture goroutine. The engine must be connected and
// not already running, and the configuration must validate.
func (ms *Miniscope) Run() error {
	ms.mu.Lock()
	if ms.state != stateConnected {
		err := fmt.Errorf("%w: run requires a connected, idle engine", ErrInvalidState)
		ms.lastErr = err.Error()
		ms.mu.Unlock()
		return err
	}
	if err := ms.cfg.validate(); err != nil {
		ms.lastErr = err.Error()
		ms.mu.Unlock()
		return err
	}

	// Fresh session metrics.
	ms.currentFPS = 0
	ms.dropped = 0
	ms.lastRecorded = 0
	ms.display = nil
	ms.minFluor = 0
	ms.maxFluor = 0
	ms.unixStart = time.Time{}

	ms.t = new(tomb.Tomb)
	ms.state = stateRunning
	t := ms.t
	ms.mu.Unlock()

	t.Go(func() error { return ms.captureLoop(t) })
	ms.emitMessage("acquisition started")
	return nil
}

// Stop signals the capture goroutine to exit and blocks until it has.
// After Stop returns no further callbacks fire. Any open recording is
// closed. Safe to call from any goroutine and when not running.
func (ms *Miniscope) Stop() {
	ms.mu.Lock()
	if ms.state != stateRunning && ms.state != stateStopping {
		ms.mu.Unlock()
		return
	}
	ms.state = stateStopping
	t := ms.t
	ms.mu.Unlock()

	t.Kill(nil)
	t.Wait()
	ms.emitMessage("acquisition stopped")
}

// StartRecording begins recording raw frames to a video file. With an
// empty filename the configured video filename is used, or a
// timestamped name is generated. Only valid while running; rejected
// while the external record trigger governs recording.
func (ms *Miniscope) StartRecording(filename string) error {
	ms.mu.Lock()
	if ms.state != stateRunning {
		err := fmt.Errorf("%w: recording requires a running acquisition", ErrInvalidState)
		ms.lastErr = err.Error()
		ms.mu.Unlock()
		return err
	}
	if ms.cfg.externalTrigger {
		err := fmt.Errorf("%w: recording is governed by the external trigger", ErrInvalidState)
		ms.lastErr = err.Error()
		ms.mu.Unlock()
		return err
	}
	if filename == "" {
		filename = ms.cfg.videoFilename
	}
	opts := ms.sinkOptions()
	slice := ms.cfg.sliceInterval
	ms.mu.Unlock()

	ms.recMu.Lock()
	name, err := ms.rec.start(filename, opts, slice)
	ms.recMu.Unlock()
	if err != nil {
		ms.setLastError(err)
		return err
	}
	ms.emitMessage("recording started: " + name)
	return nil
}

// StopRecording closes the active recording. It is an idempotent
// no-op when not recording; like StartRecording it is rejected while
// the external trigger is in control.
func (ms *Miniscope) StopRecording() error {
	ms.mu.Lock()
	if ms.cfg.externalTrigger && ms.state == stateRunning {
		err := fmt.Errorf("%w: recording is governed by the external trigger", ErrInvalidState)
		ms.lastErr = err.Error()
		ms.mu.Unlock()
		return err
	}
	ms.mu.Unlock()

	ms.recMu.Lock()
	wasRecording := ms.rec.recording()
	ms.rec.stop()
	ms.recMu.Unlock()

	if wasRecording {
		ms.emitMessage("recording stopped")
	}
	return nil
}

// Running reports whether a capture session is active.
func (ms *Miniscope) Running() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.state == stateRunning
}

// Recording reports whether frames are being written to a video sink.
func (ms *Miniscope) Recording() bool {
	ms.recMu.Lock()
	defer ms.recMu.Unlock()
	return ms.rec.recording()
}

// CurrentDisplayFrame returns a copy of the most recent display
// frame, or nil before the first frame of a session.
func (ms *Miniscope) CurrentDisplayFrame() *msframe.Frame {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.display == nil {
		return nil
	}
	return ms.display.Clone()
}

// CurrentFPS returns the rolling measured frame rate.
func (ms *Miniscope) CurrentFPS() float64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.currentFPS
}

// DroppedFramesCount returns the number of frames the device failed
// to deliver this session, estimated from arrival timing.
func (ms *Miniscope) DroppedFramesCount() uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.dropped
}

// MinFluor returns the lowest pixel value observed in the last
// processed frame, for host-side contrast calibration.
func (ms *Miniscope) MinFluor() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.minFluor
}

// MaxFluor returns the highest pixel value observed in the last
// processed frame.
func (ms *Miniscope) MaxFluor() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.maxFluor
}

// LastError returns the text of the most recent failure, or an empty
// string.
func (ms *Miniscope) LastError() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.lastErr
}

// LastRecordedFrameTime returns the capture timestamp of the most
// recently recorded frame.
func (ms *Miniscope) LastRecordedFrameTime() time.Duration {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.lastRecorded
}

// SetCaptureStartTime overrides the capture-start reference instant,
// letting the host align timestamps across multiple devices. Must be
// set before Run; when unset the first frame's arrival instant is
// used.
func (ms *Miniscope) SetCaptureStartTime(t time.Time) {
	ms.mu.Lock()
	ms.startOverride = t
	ms.mu.Unlock()
}

// UnixCaptureStartTime returns the wall-clock instant frame
// timestamps are relative to. Zero unless unix-timestamp mode is on
// and a session has produced at least one frame.
func (ms *Miniscope) UnixCaptureStartTime() time.Time {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.unixStart
}

// running reports an active session; ms.mu must be held.
func (ms *Miniscope) running() bool {
	return ms.state == stateRunning || ms.state == stateStopping
}

// sinkOptions builds the encoder parameters from the current
// configuration; ms.mu must be held. Geometry is filled in by the
// recorder from the first written frame.
func (ms *Miniscope) sinkOptions() SinkOptions {
	return SinkOptions{
		Codec:     ms.cfg.codec,
		Container: ms.cfg.container,
		Lossless:  ms.cfg.lossless,
		FPS:       ms.cfg.fps,
	}
}

func (ms *Miniscope) setLastError(err error) {
	ms.mu.Lock()
	ms.lastErr = err.Error()
	ms.mu.Unlock()
}

// emitMessage delivers a status event to the host. Callback panics are
// the host's problem; the engine only guarantees delivery order.
func (ms *Miniscope) emitMessage(msg string) {
	ms.mu.Lock()
	cb := ms.onMessage
	echo := ms.cfg.printMessages
	ms.mu.Unlock()

	if echo {
		log.Print("miniscope: ", msg)
	}
	if cb != nil {
		cb(msg)
	}
}

// fail records a fatal session error and returns it as the capture
// task's death reason.
func (ms *Miniscope) fail(err error) error {
	ms.setLastError(err)
	ms.emitMessage("error: " + err.Error())
	return err
}

// captureLoop is the capture goroutine: grab, timestamp, track,
// process, record, emit, until the tomb is killed or the device
// fails.
func (ms *Miniscope) captureLoop(t *tomb.Tomb) error {
	defer func() {
		ms.recMu.Lock()
		ms.rec.stop()
		ms.recMu.Unlock()

		ms.mu.Lock()
		if ms.state == stateRunning || ms.state == stateStopping {
			ms.state = stateConnected
		}
		ms.mu.Unlock()
	}()

	ms.mu.Lock()
	cfg := ms.snapshot()
	startOverride := ms.startOverride
	ms.mu.Unlock()

	tracker := newDropTracker(cfg.fps, cfg.dropTolerance, cfg.fpsWindow)
	proc := newDisplayProcessor()

	interval := time.Second / time.Duration(cfg.fps)
	grabTimeout := 2 * interval
	if grabTimeout < minGrabTimeout {
		grabTimeout = minGrabTimeout
	}

	var (
		captureStart time.Time
		first        = true
		timeouts     = 0
		appliedExp   = math.NaN()
		appliedGain  = math.NaN()
		appliedExc   = math.NaN()
	)

	for {
		select {
		case <-t.Dying():
			return tomb.ErrDying
		default:
		}

		ms.mu.Lock()
		cfg = ms.snapshot()
		trigger := ms.trigger
		onFrame := ms.onFrame
		onDisplayFrame := ms.onDisplayFrame
		ms.mu.Unlock()

		// Live register adjustments are issued from this goroutine so
		// device access stays single-threaded.
		if cfg.exposure != appliedExp {
			if err := ms.dev.SetExposure(cfg.exposure); err != nil {
				ms.emitMessage(fmt.Sprintf("exposure update failed: %v", err))
			}
			appliedExp = cfg.exposure
		}
		if cfg.gain != appliedGain {
			if err := ms.dev.SetGain(cfg.gain); err != nil {
				ms.emitMessage(fmt.Sprintf("gain update failed: %v", err))
			}
			appliedGain = cfg.gain
		}
		if cfg.excitation != appliedExc {
			if err := ms.dev.SetExcitation(cfg.excitation); err != nil {
				ms.emitMessage(fmt.Sprintf("excitation update failed: %v", err))
			}
			appliedExc = cfg.excitation
		}

		frame, err := ms.dev.Grab(grabTimeout)
		if err != nil {
			if errors.Is(err, ErrGrabTimeout) {
				timeouts++
				if timeouts >= maxConsecutiveTimeouts {
					return ms.fail(fmt.Errorf("%w: no frames from device after %d attempts", ErrDeviceIO, timeouts))
				}
				continue
			}
			return ms.fail(fmt.Errorf("%w: %v", ErrDeviceIO, err))
		}
		timeouts = 0

		now := time.Now()
		if first {
			captureStart = now
			if !startOverride.IsZero() {
				captureStart = startOverride
			}
			if cfg.useUnixTime {
				ms.mu.Lock()
				ms.unixStart = captureStart
				ms.mu.Unlock()
			}
			first = false
		}
		ts := now.Sub(captureStart)
		frame.Timestamp = ts

		if onFrame != nil {
			onFrame(frame, ts)
		}

		tracker.observe(ts)

		disp := proc.process(frame, cfg).Clone()
		minF, maxF := proc.fluorRange()

		ms.mu.Lock()
		ms.currentFPS = tracker.currentFPS()
		ms.dropped = tracker.droppedFrames()
		ms.display = disp
		ms.minFluor = minF
		ms.maxFluor = maxF
		ms.mu.Unlock()

		if onDisplayFrame != nil {
			onDisplayFrame(disp, ts)
		}

		if cfg.externalTrigger && trigger != nil {
			ms.observeTrigger(trigger, cfg)
		}

		ms.recMu.Lock()
		var wrote bool
		var writeErr error
		if ms.rec.recording() {
			writeErr = ms.rec.write(frame)
			wrote = writeErr == nil
		}
		ms.recMu.Unlock()

		if writeErr != nil {
			// Fatal to the recording only; acquisition carries on.
			ms.setLastError(writeErr)
			ms.emitMessage("recording failed: " + writeErr.Error())
		} else if wrote {
			ms.mu.Lock()
			ms.lastRecorded = ts
			ms.mu.Unlock()
		}
	}
}

// observeTrigger starts or stops the recorder to match the external
// trigger level. Trigger read failures are reported but never fatal.
func (ms *Miniscope) observeTrigger(trigger TriggerSource, cfg configSnapshot) {
	active, err := trigger.Active()
	if err != nil {
		ms.emitMessage(fmt.Sprintf("record trigger read failed: %v", err))
		return
	}

	ms.recMu.Lock()
	recording := ms.rec.recording()
	var started, stopped bool
	var name string
	var startErr error
	if active && !recording {
		name, startErr = ms.rec.start(cfg.videoFilename, SinkOptions{
			Codec:     cfg.codec,
			Container: cfg.container,
			Lossless:  cfg.lossless,
			FPS:       cfg.fps,
		}, cfg.sliceInterval)
		started = startErr == nil
	} else if !active && recording {
		ms.rec.stop()
		stopped = true
	}
	ms.recMu.Unlock()

	switch {
	case startErr != nil:
		ms.setLastError(startErr)
		ms.emitMessage("recording failed: " + startErr.Error())
	case started:
		ms.emitMessage("recording started by trigger: " + name)
	case stopped:
		ms.emitMessage("recording stopped by trigger")
	}
}
