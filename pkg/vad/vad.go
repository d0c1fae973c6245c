// Package vad classifies audio frames as speech or silence.
//
// The detector is an energy gate with start hysteresis: a frame is speech when
// its normalized RMS energy exceeds a threshold, and a capture only starts
// after StartFrames consecutive speech frames. Ending a capture is not decided
// here; the detector only reports silence while recording and leaves the
// debouncing to the capture state machine's silence timer.
//
// Detectors are synchronous and allocation free. A single Detector must not be
// shared between goroutines.
package vad

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/types"
)

// Reference tuning. The threshold is on a [-1, 1] normalized RMS scale and is
// a per-deployment knob, not a physical unit.
const (
	DefaultThreshold   = 0.02
	DefaultStartFrames = 3
)

// Config holds detector tuning.
type Config struct {
	// Threshold is the RMS level above which a frame counts as speech.
	// Range (0, 1).
	Threshold float64

	// StartFrames is the number of consecutive speech frames required before
	// a capture starts.
	StartFrames int
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, StartFrames: DefaultStartFrames}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.Threshold <= 0 || c.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("vad: threshold %v out of range (0, 1)", c.Threshold))
	}
	if c.StartFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: start_frames must be at least 1, got %d", c.StartFrames))
	}
	return errors.Join(errs...)
}

// Detector turns frames into [types.VADEvent] values given the current
// capture state.
type Detector interface {
	// Process classifies one frame. It must not block.
	Process(frame audio.AudioFrame, state types.VoiceState) types.VADEvent

	// Reset zeroes the speech run counter.
	Reset()

	// Configure replaces the tuning. The run counter is kept.
	Configure(cfg Config) error
}

// RMSDetector is the energy-gate [Detector].
type RMSDetector struct {
	cfg Config
	run int
}

var _ Detector = (*RMSDetector)(nil)

// New returns an RMSDetector with cfg.
func New(cfg Config) (*RMSDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RMSDetector{cfg: cfg}, nil
}

// Process implements [Detector].
//
// Speech increments the run counter and yields VADSpeechStart when the run has
// reached StartFrames while idle, VADSpeechContinue while recording and
// VADSpeech otherwise. Silence resets the counter and yields
// VADSilenceObserved while recording, VADSilence otherwise. Empty frames are
// silence.
func (d *RMSDetector) Process(frame audio.AudioFrame, state types.VoiceState) types.VADEvent {
	rms := RMS(frame)
	if rms > d.cfg.Threshold {
		d.run++
		ev := types.VADEvent{Type: types.VADSpeech, RMS: rms, Run: d.run}
		switch {
		case state == types.StateRecording:
			ev.Type = types.VADSpeechContinue
		case state == types.StateIdle && d.run >= d.cfg.StartFrames:
			ev.Type = types.VADSpeechStart
		}
		return ev
	}

	d.run = 0
	ev := types.VADEvent{Type: types.VADSilence, RMS: rms}
	if state == types.StateRecording {
		ev.Type = types.VADSilenceObserved
	}
	return ev
}

// Run returns the current speech run length.
func (d *RMSDetector) Run() int { return d.run }

// Reset implements [Detector].
func (d *RMSDetector) Reset() { d.run = 0 }

// Configure implements [Detector].
func (d *RMSDetector) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.cfg = cfg
	return nil
}

// Config returns the active tuning.
func (d *RMSDetector) Config() Config { return d.cfg }

// RMS returns the root-mean-square energy of frame with every sample mapped
// into [-1, 1]. An empty frame has zero energy.
func RMS(frame audio.AudioFrame) float64 {
	n := frame.Samples()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := frame.Sample(i)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
