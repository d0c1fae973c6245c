// Package mock provides a scripted [vad.Detector] for tests.
//
// Example:
//
//	det := &mock.Detector{Script: []types.VADEventType{types.VADSpeech, types.VADSpeechStart}}
//	ev := det.Process(frame, types.StateIdle)
package mock

import (
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/types"
	"github.com/MrWong99/parley/pkg/vad"
)

// ProcessCall records a single invocation of Detector.Process.
type ProcessCall struct {
	Seq   uint64
	State types.VoiceState
}

// Detector returns the next scripted event type on each Process call and
// [types.VADSilence] once the script is exhausted.
type Detector struct {
	mu sync.Mutex

	// Script is consumed front to back.
	Script []types.VADEventType

	// ConfigureErr is returned by Configure.
	ConfigureErr error

	// ProcessCalls records every Process call in order.
	ProcessCalls []ProcessCall

	// Configs records every Configure call.
	Configs []vad.Config

	// CallCountReset records how many times Reset was called.
	CallCountReset int
}

var _ vad.Detector = (*Detector)(nil)

// Process implements [vad.Detector].
func (d *Detector) Process(frame audio.AudioFrame, state types.VoiceState) types.VADEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ProcessCalls = append(d.ProcessCalls, ProcessCall{Seq: frame.Seq, State: state})
	if len(d.Script) == 0 {
		return types.VADEvent{Type: types.VADSilence}
	}
	ev := types.VADEvent{Type: d.Script[0]}
	d.Script = d.Script[1:]
	return ev
}

// Reset implements [vad.Detector].
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountReset++
}

// Configure implements [vad.Detector].
func (d *Detector) Configure(cfg vad.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Configs = append(d.Configs, cfg)
	return d.ConfigureErr
}
