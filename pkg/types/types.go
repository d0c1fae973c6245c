// Package types defines the small set of values shared across parley packages.
//
// They are the vocabulary between the detector, the capture state machine, the
// engine loop and whoever observes it. Each package keeps its own domain types;
// only cross-cutting ones live here to avoid import cycles.
package types

// VoiceState is the lifecycle state of the capture state machine.
type VoiceState int

const (
	// StateIdle waits for speech. It is the initial state.
	StateIdle VoiceState = iota

	// StateRecording accumulates an utterance.
	StateRecording

	// StateProcessing waits for the backend to deliver the turn.
	StateProcessing

	// StateError is entered when audio input could not be acquired. There is no
	// automatic exit; the owner must re-initialize.
	StateError
)

// String returns the lowercase state name used in logs and metrics.
func (s VoiceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// VADEvent is the detector's verdict for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// RMS is the normalized root-mean-square energy of the frame in [0, 1].
	RMS float64

	// Run is the speech run length after this frame (0 on silence).
	Run int
}

// VADEventType enumerates detector results.
type VADEventType int

const (
	// VADSilence is a silence frame outside of a recording.
	VADSilence VADEventType = iota

	// VADSpeech is a speech frame that did not start a capture.
	VADSpeech

	// VADSpeechStart means the speech run just satisfied the start hysteresis
	// while idle.
	VADSpeechStart

	// VADSpeechContinue is a speech frame observed while recording.
	VADSpeechContinue

	// VADSilenceObserved is a silence frame observed while recording.
	VADSilenceObserved
)

// String returns a short name for the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSilence:
		return "silence"
	case VADSpeech:
		return "speech"
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSilenceObserved:
		return "silence_observed"
	default:
		return "unknown"
	}
}

// IsSpeech reports whether the frame was classified as speech.
func (t VADEventType) IsSpeech() bool {
	return t == VADSpeech || t == VADSpeechStart || t == VADSpeechContinue
}
