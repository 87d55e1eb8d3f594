// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

package msframe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSpec struct{}

func (testSpec) ResX() int     { return 4 }
func (testSpec) ResY() int     { return 3 }
func (testSpec) Channels() int { return 3 }

func TestNewFrame(t *testing.T) {
	fr := NewFrame(testSpec{})
	require.Len(t, fr.Pix, 4*3*3)
	assert.Equal(t, 4, fr.Width)
	assert.Equal(t, 3, fr.Height)
	assert.Equal(t, 3, fr.Chans)
}

func TestAtSetAt(t *testing.T) {
	fr := NewFrameSized(4, 3, 3)
	fr.SetAt(2, 1, 1, 77)
	assert.Equal(t, uint8(77), fr.At(2, 1, 1))
	assert.Equal(t, uint8(77), fr.Pix[(1*4+2)*3+1])
}

func TestCloneIsIndependent(t *testing.T) {
	fr := NewFrameSized(2, 2, 1)
	fr.SetAt(0, 0, 0, 9)
	fr.Timestamp = 42 * time.Millisecond

	cp := fr.Clone()
	assert.Equal(t, fr.Pix, cp.Pix)
	assert.Equal(t, fr.Timestamp, cp.Timestamp)

	cp.SetAt(0, 0, 0, 1)
	assert.Equal(t, uint8(9), fr.At(0, 0, 0))
}
