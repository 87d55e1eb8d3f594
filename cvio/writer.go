// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

package cvio

import (
	"fmt"

	"gocv.io/x/gocv"

	miniscope "github.com/pomidaq/go-miniscope"
	"github.com/pomidaq/go-miniscope/msframe"
)

// Writer is a miniscope.VideoSink backed by OpenCV's VideoWriter.
// The lossless flag is honoured through codec choice: FFV1 and raw
// output are lossless, the other codecs encode at the container
// default rate regardless of the flag.
type Writer struct {
	w      *gocv.VideoWriter
	mat    gocv.Mat
	width  int
	height int
	chans  int
}

// NewWriterFactory returns a miniscope.SinkFactory producing one
// Writer per recording slice.
func NewWriterFactory() miniscope.SinkFactory {
	return func() miniscope.VideoSink { return &Writer{} }
}

// fourcc maps a codec to the FOURCC tag OpenCV's writer expects.
func fourcc(codec miniscope.VideoCodec) string {
	switch codec {
	case miniscope.CodecFFV1:
		return "FFV1"
	case miniscope.CodecAV1:
		return "AV01"
	case miniscope.CodecVP9:
		return "VP90"
	case miniscope.CodecHEVC:
		return "HEVC"
	case miniscope.CodecH264:
		return "avc1"
	case miniscope.CodecMPEG4:
		return "mp4v"
	default:
		return "DIB "
	}
}

// Open creates the output file for one recording slice.
func (w *Writer) Open(filename string, opts miniscope.SinkOptions) error {
	vw, err := gocv.VideoWriterFile(
		filename, fourcc(opts.Codec), float64(opts.FPS),
		opts.Width, opts.Height, opts.Color)
	if err != nil {
		return fmt.Errorf("open video writer %q: %w", filename, err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return fmt.Errorf("video writer %q did not open (codec %s)", filename, opts.Codec)
	}

	matType := gocv.MatTypeCV8UC1
	chans := 1
	if opts.Color {
		matType = gocv.MatTypeCV8UC3
		chans = 3
	}
	w.w = vw
	w.mat = gocv.NewMatWithSize(opts.Height, opts.Width, matType)
	w.width = opts.Width
	w.height = opts.Height
	w.chans = chans
	return nil
}

// WriteFrame encodes one frame. The frame must match the geometry the
// writer was opened with.
func (w *Writer) WriteFrame(frame *msframe.Frame) error {
	if w.w == nil {
		return fmt.Errorf("video writer not open")
	}
	if frame.Width != w.width || frame.Height != w.height || frame.Chans != w.chans {
		return fmt.Errorf("frame geometry %dx%dx%d does not match writer %dx%dx%d",
			frame.Width, frame.Height, frame.Chans, w.width, w.height, w.chans)
	}
	data, err := w.mat.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("writer buffer access: %w", err)
	}
	copy(data, frame.Pix)
	if err := w.w.Write(w.mat); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}

// Close finalises the output file.
func (w *Writer) Close() error {
	if w.w == nil {
		return nil
	}
	err := w.w.Close()
	w.mat.Close()
	w.w = nil
	return err
}
