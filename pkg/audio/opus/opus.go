// Package opus packs PCM16 capture audio into Opus packets using gopus.
//
// Opus packets carry no length of their own, so a stream of them is framed
// with a two byte little-endian length prefix per packet. The framing is what
// [MimeType] advertises to the backend.
package opus

import (
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
)

// MimeType identifies a blob produced by [Encoder].
const MimeType = "audio/opus;framing=u16le"

// maxPacketBytes bounds a single encoded packet. 20 ms at 510 kbit/s fits with
// room to spare.
const maxPacketBytes = 4000

// ErrTruncated is returned when a framed stream ends inside a packet.
var ErrTruncated = errors.New("opus: truncated packet framing")

// Encoder turns arbitrary-length PCM16 chunks into framed Opus packets. It
// buffers samples until a full Opus frame is available. Not safe for
// concurrent use.
type Encoder struct {
	enc       *gopus.Encoder
	channels  int
	frameSize int // samples per channel per packet
	pending   []int16
}

// NewEncoder creates an encoder for the given format. frameMs must be one of
// the Opus frame durations 10, 20, 40 or 60.
func NewEncoder(format audio.Format, frameMs int) (*Encoder, error) {
	switch frameMs {
	case 10, 20, 40, 60:
	default:
		return nil, fmt.Errorf("opus: unsupported frame duration %dms", frameMs)
	}
	enc, err := gopus.NewEncoder(format.SampleRate, format.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder for %s: %w", format, err)
	}
	return &Encoder{
		enc:       enc,
		channels:  format.Channels,
		frameSize: format.SampleRate * frameMs / 1000,
	}, nil
}

// Encode buffers pcm and returns the framed packets for every complete Opus
// frame. The result is empty when less than one frame is buffered.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	e.pending = append(e.pending, audio.DecodePCM16(pcm)...)
	return e.drain(false)
}

// Flush encodes whatever is still buffered, zero-padded to a full frame.
func (e *Encoder) Flush() ([]byte, error) {
	return e.drain(true)
}

// Reset drops any buffered samples.
func (e *Encoder) Reset() {
	e.pending = e.pending[:0]
}

func (e *Encoder) drain(pad bool) ([]byte, error) {
	step := e.frameSize * e.channels
	if pad && len(e.pending) > 0 && len(e.pending) < step {
		e.pending = append(e.pending, make([]int16, step-len(e.pending))...)
	}
	var out []byte
	for len(e.pending) >= step {
		packet, err := e.enc.Encode(e.pending[:step], e.frameSize, maxPacketBytes)
		if err != nil {
			return out, fmt.Errorf("opus: encode: %w", err)
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(len(packet)))
		out = append(out, packet...)
		e.pending = e.pending[step:]
	}
	if pad {
		e.pending = e.pending[:0]
	}
	return out, nil
}

// Decoder turns a framed packet stream back into PCM16.
type Decoder struct {
	dec       *gopus.Decoder
	frameSize int
}

// NewDecoder creates a decoder for the given format. maxFrameMs bounds the
// longest packet duration the decoder will accept.
func NewDecoder(format audio.Format, maxFrameMs int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder for %s: %w", format, err)
	}
	return &Decoder{dec: dec, frameSize: format.SampleRate * maxFrameMs / 1000}, nil
}

// Decode decodes every packet in a framed stream and returns the concatenated
// PCM16 bytes.
func (d *Decoder) Decode(framed []byte) ([]byte, error) {
	packets, err := SplitPackets(framed)
	if err != nil {
		return nil, err
	}
	var out []byte
	for i, p := range packets {
		pcm, err := d.dec.Decode(p, d.frameSize, false)
		if err != nil {
			return nil, fmt.Errorf("opus: decode packet %d: %w", i, err)
		}
		out = append(out, audio.EncodePCM16(pcm)...)
	}
	return out, nil
}

// SplitPackets parses the length-prefixed framing produced by [Encoder].
func SplitPackets(framed []byte) ([][]byte, error) {
	var packets [][]byte
	for len(framed) > 0 {
		if len(framed) < 2 {
			return packets, ErrTruncated
		}
		n := int(binary.LittleEndian.Uint16(framed))
		framed = framed[2:]
		if len(framed) < n {
			return packets, ErrTruncated
		}
		packets = append(packets, framed[:n])
		framed = framed[n:]
	}
	return packets, nil
}
