// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

package miniscope

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomidaq/go-miniscope/msframe"
)

// fakeSink records what the pipeline does to it instead of encoding.
type fakeSink struct {
	name     string
	opts     SinkOptions
	frames   []time.Duration
	closed   bool
	openErr  error
	writeErr error
}

func (s *fakeSink) Open(filename string, opts SinkOptions) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.name = filename
	s.opts = opts
	return nil
}

func (s *fakeSink) WriteFrame(frame *msframe.Frame) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.frames = append(s.frames, frame.Timestamp)
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

// sinkLog hands out fake sinks and remembers every one it produced.
// The factory runs in the capture goroutine while tests poll, so
// access is locked.
type sinkLog struct {
	mu       sync.Mutex
	sinks    []*fakeSink
	openErr  error
	writeErr error
}

func (l *sinkLog) factory() VideoSink {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &fakeSink{openErr: l.openErr, writeErr: l.writeErr}
	l.sinks = append(l.sinks, s)
	return s
}

func (l *sinkLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sinks)
}

func (l *sinkLog) all() []*fakeSink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeSink(nil), l.sinks...)
}

func stubClock(t *testing.T, at time.Time) *time.Time {
	t.Helper()
	now := at
	orig := timeNow
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = orig })
	return &now
}

func testOpts() SinkOptions {
	return SinkOptions{Codec: CodecFFV1, Container: ContainerMatroska, Lossless: true, FPS: 20, Width: 4, Height: 4}
}

func testRecFrame(ts time.Duration) *msframe.Frame {
	fr := msframe.NewFrameSized(4, 4, 1)
	fr.Timestamp = ts
	return fr
}

func TestRecorderStartWriteStop(t *testing.T) {
	log := &sinkLog{}
	rec := newRecorder(afero.NewMemMapFs(), log.factory)

	name, err := rec.start("session.mkv", testOpts(), 0)
	require.NoError(t, err)
	assert.Equal(t, "session.mkv", name)
	assert.True(t, rec.recording())

	require.NoError(t, rec.write(testRecFrame(0)))
	require.NoError(t, rec.write(testRecFrame(50*time.Millisecond)))
	rec.stop()

	require.Len(t, log.sinks, 1)
	assert.Equal(t, "session.mkv", log.sinks[0].name)
	assert.Len(t, log.sinks[0].frames, 2)
	assert.True(t, log.sinks[0].closed)
	assert.False(t, rec.recording())
}

func TestRecorderExtensionFromContainer(t *testing.T) {
	log := &sinkLog{}
	rec := newRecorder(afero.NewMemMapFs(), log.factory)

	opts := testOpts()
	opts.Container = ContainerAVI
	name, err := rec.start("session", opts, 0)
	require.NoError(t, err)
	assert.Equal(t, "session.avi", name)
	rec.stop()
}

func TestRecorderAutoFilenamesAreUnique(t *testing.T) {
	stubClock(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	log := &sinkLog{}
	rec := newRecorder(afero.NewMemMapFs(), log.factory)

	var names []string
	for i := 0; i < 3; i++ {
		name, err := rec.start("", testOpts(), 0)
		require.NoError(t, err)
		require.NotEmpty(t, name)
		names = append(names, name)
		rec.stop()
	}

	assert.Equal(t, "miniscope_20240601-120000.mkv", names[0])
	seen := map[string]bool{}
	for _, n := range names {
		assert.False(t, seen[n], "duplicate filename %q", n)
		seen[n] = true
	}
}

func TestRecorderSliceRollover(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	now := stubClock(t, start)
	log := &sinkLog{}
	rec := newRecorder(afero.NewMemMapFs(), log.factory)

	_, err := rec.start("rec.mkv", testOpts(), time.Minute)
	require.NoError(t, err)

	// One frame per second for 2.5 minutes.
	for i := 0; i < 150; i++ {
		*now = start.Add(time.Duration(i) * time.Second)
		require.NoError(t, rec.write(testRecFrame(time.Duration(i)*time.Second)))
	}
	rec.stop()

	require.Len(t, log.sinks, 3)
	assert.Equal(t, "rec.mkv", log.sinks[0].name)
	assert.Equal(t, "rec_001.mkv", log.sinks[1].name)
	assert.Equal(t, "rec_002.mkv", log.sinks[2].name)

	// Every frame lands in exactly one slice, in order, none lost at
	// the boundaries.
	var all []time.Duration
	for _, s := range log.sinks {
		assert.True(t, s.closed)
		all = append(all, s.frames...)
	}
	require.Len(t, all, 150)
	for i, ts := range all {
		assert.Equal(t, time.Duration(i)*time.Second, ts)
	}
	assert.Len(t, log.sinks[0].frames, 60)
	assert.Len(t, log.sinks[1].frames, 60)
	assert.Len(t, log.sinks[2].frames, 30)
}

func TestRecorderTimestampSidecar(t *testing.T) {
	fs := afero.NewMemMapFs()
	log := &sinkLog{}
	rec := newRecorder(fs, log.factory)

	_, err := rec.start("session.mkv", testOpts(), 0)
	require.NoError(t, err)
	require.NoError(t, rec.write(testRecFrame(0)))
	require.NoError(t, rec.write(testRecFrame(50*time.Millisecond)))
	rec.stop()

	data, err := afero.ReadFile(fs, "session_timestamps.csv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "frame,timestamp_ms", lines[0])
	assert.Equal(t, "0,0", lines[1])
	assert.Equal(t, "1,50", lines[2])
}

func TestRecorderOpenFailure(t *testing.T) {
	log := &sinkLog{openErr: fmt.Errorf("no such encoder")}
	rec := newRecorder(afero.NewMemMapFs(), log.factory)

	_, err := rec.start("session.mkv", testOpts(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEncoderOpen))
	assert.False(t, rec.recording())
}

func TestRecorderWriteFailureClosesRecording(t *testing.T) {
	log := &sinkLog{writeErr: fmt.Errorf("disk full")}
	rec := newRecorder(afero.NewMemMapFs(), log.factory)

	_, err := rec.start("session.mkv", testOpts(), 0)
	require.NoError(t, err)

	err = rec.write(testRecFrame(0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEncoderWrite))
	assert.False(t, rec.recording())
	assert.True(t, log.sinks[0].closed)
}

func TestRecorderArmedOpensOnFirstWrite(t *testing.T) {
	log := &sinkLog{}
	rec := newRecorder(afero.NewMemMapFs(), log.factory)

	opts := testOpts()
	opts.Width = 0
	opts.Height = 0
	_, err := rec.start("session.mkv", opts, 0)
	require.NoError(t, err)
	assert.True(t, rec.recording())
	assert.Empty(t, log.sinks)

	require.NoError(t, rec.write(testRecFrame(0)))
	require.Len(t, log.sinks, 1)
	assert.Equal(t, 4, log.sinks[0].opts.Width)
	assert.Equal(t, 4, log.sinks[0].opts.Height)
	assert.False(t, log.sinks[0].opts.Color)
}

func TestRecorderStopIsIdempotent(t *testing.T) {
	log := &sinkLog{}
	rec := newRecorder(afero.NewMemMapFs(), log.factory)
	rec.stop()

	_, err := rec.start("session.mkv", testOpts(), 0)
	require.NoError(t, err)
	rec.stop()
	rec.stop()
	assert.False(t, rec.recording())
}

func TestRecorderDoubleStartRejected(t *testing.T) {
	log := &sinkLog{}
	rec := newRecorder(afero.NewMemMapFs(), log.factory)

	_, err := rec.start("a.mkv", testOpts(), 0)
	require.NoError(t, err)
	_, err = rec.start("b.mkv", testOpts(), 0)
	assert.True(t, errors.Is(err, ErrInvalidState))
	rec.stop()
}
