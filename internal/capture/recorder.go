package capture

import (
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/opus"
)

// Codec names accepted by [NewRecorder].
const (
	CodecPCM16 = "pcm16"
	CodecOpus  = "opus"
)

// Recorder turns captured frames into encoded chunks. It plays the role of a
// media recorder: chunk boundaries are its own business and the state machine
// treats chunks as opaque.
type Recorder interface {
	// Begin starts a new utterance, dropping any state from a previous one.
	Begin()

	// Encode returns the chunk produced by frame. It may be empty.
	Encode(frame audio.AudioFrame) ([]byte, error)

	// Finish flushes buffered audio as a last chunk.
	Finish() ([]byte, error)

	// MimeType is the container/codec identity of the concatenated chunks.
	MimeType() string
}

// NewRecorder returns the Recorder for codec.
func NewRecorder(codec string, format audio.Format, frameMs int) (Recorder, error) {
	switch codec {
	case CodecPCM16, "":
		return &PCMRecorder{format: format}, nil
	case CodecOpus:
		enc, err := opus.NewEncoder(format, frameMs)
		if err != nil {
			return nil, err
		}
		return &OpusRecorder{enc: enc}, nil
	default:
		return nil, fmt.Errorf("capture: unknown codec %q", codec)
	}
}

// PCMRecorder passes raw PCM16 frames through as chunks.
type PCMRecorder struct {
	format audio.Format
}

// Begin implements [Recorder].
func (r *PCMRecorder) Begin() {}

// Encode implements [Recorder]. Frames are immutable, so the data is shared.
func (r *PCMRecorder) Encode(frame audio.AudioFrame) ([]byte, error) {
	return frame.Data, nil
}

// Finish implements [Recorder].
func (r *PCMRecorder) Finish() ([]byte, error) { return nil, nil }

// MimeType implements [Recorder].
func (r *PCMRecorder) MimeType() string {
	return fmt.Sprintf("audio/pcm;rate=%d;channels=%d", r.format.SampleRate, r.format.Channels)
}

// OpusRecorder encodes frames into length-prefixed Opus packets.
type OpusRecorder struct {
	enc *opus.Encoder
}

// Begin implements [Recorder].
func (r *OpusRecorder) Begin() { r.enc.Reset() }

// Encode implements [Recorder].
func (r *OpusRecorder) Encode(frame audio.AudioFrame) ([]byte, error) {
	return r.enc.Encode(frame.Data)
}

// Finish implements [Recorder].
func (r *OpusRecorder) Finish() ([]byte, error) { return r.enc.Flush() }

// MimeType implements [Recorder].
func (r *OpusRecorder) MimeType() string { return opus.MimeType }
