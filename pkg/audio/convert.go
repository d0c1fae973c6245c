package audio

import (
	"encoding/binary"
	"fmt"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// DecodePCM16 splits little-endian PCM16 into samples. A trailing odd byte is
// dropped.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// EncodePCM16 is the inverse of [DecodePCM16].
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// ConvertPCM converts interleaved PCM16 between formats. The rate changes
// first, at the source channel count, then the channel layout. Layouts other
// than mono fan-out and mono down-mix are passed through.
func ConvertPCM(pcm []byte, from, to Format) []byte {
	if from == to || from.Channels <= 0 {
		return pcm
	}
	s := DecodePCM16(pcm)
	s = Resample(s, from.Channels, from.SampleRate, to.SampleRate)
	s = Remix(s, from.Channels, to.Channels)
	return EncodePCM16(s)
}

// ConvertClip returns clip converted to the target format.
func ConvertClip(clip Clip, target Format) Clip {
	return Clip{PCM: ConvertPCM(clip.PCM[:len(clip.PCM)&^1], clip.Format, target), Format: target}
}

// Resample converts interleaved samples with the given channel count from
// one rate to another by linear interpolation between neighbouring frames.
// Non-positive rates leave the input untouched.
func Resample(samples []int16, channels, from, to int) []int16 {
	if from <= 0 || to <= 0 || from == to || channels <= 0 {
		return samples
	}
	frames := len(samples) / channels
	if frames == 0 {
		return samples[:0]
	}
	n := int(int64(frames) * int64(to) / int64(from))
	out := make([]int16, n*channels)
	step := float64(from) / float64(to)
	for i := range n {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		k := min(j+1, frames-1)
		for c := range channels {
			a := float64(samples[j*channels+c])
			b := float64(samples[k*channels+c])
			out[i*channels+c] = int16(a + (b-a)*frac)
		}
	}
	return out
}

// Remix changes the channel layout of interleaved samples. Mono is copied to
// every output channel; any layout mixed down to mono is averaged.
func Remix(samples []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 {
		return samples
	}
	frames := len(samples) / from
	switch {
	case from == 1:
		out := make([]int16, frames*to)
		for i, s := range samples {
			for c := range to {
				out[i*to+c] = s
			}
		}
		return out
	case to == 1:
		out := make([]int16, frames)
		for i := range out {
			var sum int32
			for c := range from {
				sum += int32(samples[i*from+c])
			}
			out[i] = int16(sum / int32(from))
		}
		return out
	default:
		return samples
	}
}
