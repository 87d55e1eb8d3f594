// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

package miniscope

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/pomidaq/go-miniscope/msframe"
)

// VideoCodec identifies the encoder used for recorded video.
type VideoCodec int

const (
	CodecFFV1 VideoCodec = iota
	CodecAV1
	CodecVP9
	CodecHEVC
	CodecH264
	CodecMPEG4
	CodecRaw
)

func (c VideoCodec) String() string {
	switch c {
	case CodecFFV1:
		return "FFV1"
	case CodecAV1:
		return "AV1"
	case CodecVP9:
		return "VP9"
	case CodecHEVC:
		return "HEVC"
	case CodecH264:
		return "H.264"
	case CodecMPEG4:
		return "MPEG-4"
	default:
		return "Raw"
	}
}

// VideoContainer identifies the file format recordings are stored in.
type VideoContainer int

const (
	ContainerMatroska VideoContainer = iota
	ContainerAVI
)

// Extension returns the filename extension for the container,
// including the leading dot.
func (vc VideoContainer) Extension() string {
	if vc == ContainerAVI {
		return ".avi"
	}
	return ".mkv"
}

func (vc VideoContainer) String() string {
	if vc == ContainerAVI {
		return "AVI"
	}
	return "Matroska"
}

// timeNow is stubbed out by tests that simulate long recordings.
var timeNow = time.Now

// recorder is the recording pipeline: it owns the active video sink,
// the timestamp sidecar and the slice rollover bookkeeping. It has two
// states, closed (sink == nil) and open. All methods are called with
// the engine's recording lock held.
type recorder struct {
	fs      afero.Fs
	newSink SinkFactory

	sink     VideoSink
	armed    bool // recording requested before frame geometry was known
	tsFile   afero.File
	base     string // filename with extension stripped
	ext      string
	opts     SinkOptions
	slice    time.Duration // 0 means no rollover
	openedAt time.Time
	sliceNum int
	frames   uint64
}

func newRecorder(fs afero.Fs, newSink SinkFactory) *recorder {
	return &recorder{fs: fs, newSink: newSink}
}

func (r *recorder) recording() bool {
	return r.sink != nil || r.armed
}

// start begins a recording session. An empty filename gets a
// timestamped name that is unique on the target filesystem. When the
// frame geometry is not yet known (recording pre-armed before the
// first frame of a run) the sink open is deferred until the first
// write. Returns the filename of the first slice.
func (r *recorder) start(filename string, opts SinkOptions, slice time.Duration) (string, error) {
	if r.recording() {
		return "", fmt.Errorf("%w: recording already active", ErrInvalidState)
	}
	if filename == "" {
		filename = r.generateFilename(opts.Container)
	}
	r.ext = filepath.Ext(filename)
	if r.ext == "" {
		r.ext = opts.Container.Extension()
		filename += r.ext
	}
	r.base = strings.TrimSuffix(filename, r.ext)
	r.opts = opts
	r.slice = slice
	r.sliceNum = 0
	r.frames = 0

	if opts.Width == 0 || opts.Height == 0 {
		r.armed = true
		return filename, nil
	}
	if err := r.openSlice(filename); err != nil {
		return "", err
	}
	return filename, nil
}

// write encodes one frame, rolling over to a new slice file first if
// the slice interval has elapsed. The triggering frame is always
// written to the newly opened sink, never lost at the boundary.
func (r *recorder) write(frame *msframe.Frame) error {
	if r.armed {
		r.opts.Width = frame.Width
		r.opts.Height = frame.Height
		r.opts.Color = frame.Chans == 3
		r.armed = false
		if err := r.openSlice(r.base + r.ext); err != nil {
			return err
		}
	}
	if r.sink == nil {
		return fmt.Errorf("%w: not recording", ErrInvalidState)
	}
	if r.slice > 0 && timeNow().Sub(r.openedAt) >= r.slice {
		r.closeSlice()
		r.sliceNum++
		if err := r.openSlice(r.sliceName()); err != nil {
			return err
		}
	}
	if err := r.sink.WriteFrame(frame); err != nil {
		r.closeSlice()
		return fmt.Errorf("%w: %v", ErrEncoderWrite, err)
	}
	if r.tsFile != nil {
		fmt.Fprintf(r.tsFile, "%d,%d\n", r.frames, frame.Timestamp.Milliseconds())
	}
	r.frames++
	return nil
}

// stop flushes and closes the active slice. No-op when already closed.
func (r *recorder) stop() {
	r.armed = false
	r.closeSlice()
}

func (r *recorder) openSlice(filename string) error {
	sink := r.newSink()
	if err := sink.Open(filename, r.opts); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrEncoderOpen, filename, err)
	}
	r.sink = sink
	r.openedAt = timeNow()

	tsName := strings.TrimSuffix(filename, r.ext) + "_timestamps.csv"
	tsFile, err := r.fs.Create(tsName)
	if err != nil {
		// The video itself is the recording; a missing sidecar is not
		// worth failing the session over.
		tsFile = nil
	}
	r.tsFile = tsFile
	if r.tsFile != nil {
		fmt.Fprintln(r.tsFile, "frame,timestamp_ms")
	}
	return nil
}

func (r *recorder) closeSlice() {
	if r.sink != nil {
		r.sink.Close()
		r.sink = nil
	}
	if r.tsFile != nil {
		r.tsFile.Close()
		r.tsFile = nil
	}
}

// sliceName derives the filename for rollover slice n > 0.
func (r *recorder) sliceName() string {
	return fmt.Sprintf("%s_%03d%s", r.base, r.sliceNum, r.ext)
}

// generateFilename produces a timestamped recording name, appending a
// counter if a file of that name already exists.
func (r *recorder) generateFilename(container VideoContainer) string {
	base := "miniscope_" + timeNow().Format("20060102-150405")
	name := base + container.Extension()
	for n := 1; ; n++ {
		// The sidecar lives on r.fs even when the sink writes
		// elsewhere, so it doubles as the collision marker for names
		// generated within the same second.
		vidExists, _ := afero.Exists(r.fs, name)
		tsExists, _ := afero.Exists(r.fs, strings.TrimSuffix(name, container.Extension())+"_timestamps.csv")
		if !vidExists && !tsExists {
			return name
		}
		name = fmt.Sprintf("%s_%d%s", base, n, container.Extension())
	}
}
