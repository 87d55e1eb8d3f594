// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

// Package gpiotrigger reads an external record-trigger signal from a
// GPIO line, for acquisition rigs where a behaviour or sync box
// drives recording start and stop.
package gpiotrigger

import (
	"fmt"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

// Pin is a miniscope.TriggerSource backed by a GPIO input. Recording
// runs while the line is high.
type Pin struct {
	pin gpio.PinIn
}

// Open initialises the host GPIO drivers and claims the named pin
// (e.g. "GPIO23") as a pulled-down input.
func Open(name string) (*Pin, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("unable to find trigger pin %q", name)
	}
	if err := pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("configure trigger pin %q: %v", name, err)
	}
	return &Pin{pin: pin}, nil
}

// Active reports whether the trigger line is high.
func (p *Pin) Active() (bool, error) {
	return p.pin.Read() == gpio.High, nil
}
