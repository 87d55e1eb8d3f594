// Copyright 2024 The PoMiDAQ Authors. All rights reserved.
// Use of this source code is governed by the Apache License Version 2.0;
// see the LICENSE file for further details.

// msdaq captures from a miniscope camera, printing acquisition health
// and optionally recording to a video file.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	miniscope "github.com/pomidaq/go-miniscope"
	"github.com/pomidaq/go-miniscope/cvio"
	"github.com/pomidaq/go-miniscope/gpiotrigger"
)

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

func parseCodec(name string) (miniscope.VideoCodec, error) {
	switch name {
	case "ffv1":
		return miniscope.CodecFFV1, nil
	case "av1":
		return miniscope.CodecAV1, nil
	case "vp9":
		return miniscope.CodecVP9, nil
	case "hevc":
		return miniscope.CodecHEVC, nil
	case "h264":
		return miniscope.CodecH264, nil
	case "mpeg4":
		return miniscope.CodecMPEG4, nil
	case "raw":
		return miniscope.CodecRaw, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

func runMain() error {
	camID := flag.Int("camera", 0, "camera index to connect to")
	fps := flag.Uint("fps", 20, "target frame rate")
	exposure := flag.Float64("exposure", 100, "sensor exposure")
	gain := flag.Float64("gain", 1, "sensor gain")
	excitation := flag.Float64("excitation", 0, "excitation LED level")
	output := flag.String("output", "", "record to this file (empty: preview only)")
	codec := flag.String("codec", "ffv1", "recording codec (ffv1, av1, vp9, hevc, h264, mpeg4, raw)")
	slice := flag.Uint("slice", 0, "split recording every N minutes (0: single file)")
	triggerPin := flag.String("trigger", "", "GPIO pin governing recording (e.g. GPIO23)")
	duration := flag.Duration("duration", 0, "stop after this long (0: until interrupted)")
	flag.Parse()

	scope := miniscope.New(cvio.NewCamera(float64(*fps)), cvio.NewWriterFactory())
	scope.SetPrintMessagesToStdout(true)
	if err := scope.SetScopeCamID(*camID); err != nil {
		return err
	}
	if err := scope.SetFPS(*fps); err != nil {
		return err
	}
	scope.SetExposure(*exposure)
	scope.SetGain(*gain)
	scope.SetExcitation(*excitation)
	scope.SetRecordingSliceInterval(*slice)
	scope.SetVideoFilename(*output)

	c, err := parseCodec(*codec)
	if err != nil {
		return err
	}
	scope.SetVideoCodec(c)

	if *triggerPin != "" {
		pin, err := gpiotrigger.Open(*triggerPin)
		if err != nil {
			return err
		}
		scope.SetRecordTrigger(pin)
		if err := scope.SetExternalRecordTrigger(true); err != nil {
			return err
		}
	}

	if err := scope.Connect(); err != nil {
		return err
	}
	defer scope.Disconnect()

	if err := scope.Run(); err != nil {
		return err
	}

	if *output != "" && *triggerPin == "" {
		if err := scope.StartRecording(*output); err != nil {
			return err
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	var timeUp <-chan time.Time
	if *duration > 0 {
		timeUp = time.After(*duration)
	}

	status := time.NewTicker(time.Second)
	defer status.Stop()

	for {
		select {
		case <-status.C:
			fmt.Printf("fps=%.1f dropped=%d recording=%v\n",
				scope.CurrentFPS(), scope.DroppedFramesCount(), scope.Recording())
		case <-sigs:
			scope.Stop()
			return nil
		case <-timeUp:
			scope.Stop()
			return nil
		}
	}
}
