package audio

import "time"

// AudioFrame is one fixed-size analysis frame of little-endian PCM16 audio.
// Frames are produced by a [Framer] and are immutable once emitted.
type AudioFrame struct {
	// Seq is a monotonic sequence number assigned by the producing [Framer].
	Seq uint64

	// PCM audio data, 2 bytes per sample, channels interleaved.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for most reply voices).
	SampleRate int

	// Channels: 1 for mono capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of int16 samples in the frame across all
// channels. A trailing odd byte is ignored.
func (f AudioFrame) Samples() int {
	return len(f.Data) / 2
}

// Sample returns sample i mapped into [-1.0, 1.0).
func (f AudioFrame) Sample(i int) float64 {
	s := int16(f.Data[i*2]) | int16(f.Data[i*2+1])<<8
	return float64(s) / 32768.0
}

// Clip is a complete block of decoded PCM16 audio, typically a synthesized
// reply waiting to be played.
type Clip struct {
	PCM    []byte
	Format Format
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	bytesPerSec := c.Format.SampleRate * c.Format.Channels * 2
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(int64(len(c.PCM)) * int64(time.Second) / int64(bytesPerSec))
}
