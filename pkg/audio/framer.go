package audio

import (
	"fmt"
	"time"
)

// Framer cuts a continuous PCM16 stream into fixed-size [AudioFrame] values
// and stamps each with a monotonic sequence number.
//
// Device callbacks rarely line up with analysis frame boundaries, so the
// Framer carries the remainder of each Push over to the next one.
// A Framer is not safe for concurrent use.
type Framer struct {
	format    Format
	frameSize int
	frameDur  time.Duration

	pending []byte
	seq     uint64
}

// NewFramer returns a Framer producing frames of frameMs milliseconds in the
// given format.
func NewFramer(format Format, frameMs int) (*Framer, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("audio: framer: invalid format %s", format)
	}
	if frameMs <= 0 {
		return nil, fmt.Errorf("audio: framer: frame duration must be positive, got %dms", frameMs)
	}
	samples := format.SampleRate * frameMs / 1000
	if samples == 0 {
		return nil, fmt.Errorf("audio: framer: %dms at %dHz is shorter than one sample", frameMs, format.SampleRate)
	}
	return &Framer{
		format:    format,
		frameSize: samples * format.Channels * 2,
		frameDur:  time.Duration(frameMs) * time.Millisecond,
	}, nil
}

// FrameSize returns the size of one frame in bytes.
func (f *Framer) FrameSize() int { return f.frameSize }

// Format returns the format of produced frames.
func (f *Framer) Format() Format { return f.format }

// Push appends pcm to the internal buffer and returns dst extended with every
// complete frame now available. Each returned frame owns its Data.
func (f *Framer) Push(dst []AudioFrame, pcm []byte) []AudioFrame {
	f.pending = append(f.pending, pcm...)
	for len(f.pending) >= f.frameSize {
		dst = append(dst, f.next(f.pending[:f.frameSize]))
		f.pending = f.pending[f.frameSize:]
	}
	if len(f.pending) == 0 {
		f.pending = nil
	}
	return dst
}

// Flush emits the buffered remainder zero-padded to a full frame. It reports
// false when nothing was buffered.
func (f *Framer) Flush() (AudioFrame, bool) {
	if len(f.pending) == 0 {
		return AudioFrame{}, false
	}
	buf := make([]byte, f.frameSize)
	copy(buf, f.pending)
	f.pending = nil
	return f.stamp(buf), true
}

func (f *Framer) next(chunk []byte) AudioFrame {
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	return f.stamp(buf)
}

func (f *Framer) stamp(buf []byte) AudioFrame {
	frame := AudioFrame{
		Seq:        f.seq,
		Data:       buf,
		SampleRate: f.format.SampleRate,
		Channels:   f.format.Channels,
		Timestamp:  time.Duration(f.seq) * f.frameDur,
	}
	f.seq++
	return frame
}
