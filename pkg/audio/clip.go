package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DecodeClip decodes reply audio received from the backend. RIFF/WAVE payloads
// are parsed with go-audio/wav and normalised to PCM16; anything else is taken
// as raw little-endian PCM16 in the fallback format.
func DecodeClip(data []byte, fallback Format) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, fmt.Errorf("audio: decode clip: empty payload")
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		pcm := data
		if len(pcm)%2 != 0 {
			pcm = pcm[:len(pcm)-1]
		}
		return Clip{PCM: pcm, Format: fallback}, nil
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	pcm, err := intBufferToPCM16(buf, int(dec.BitDepth))
	if err != nil {
		return Clip{}, err
	}
	return Clip{
		PCM:    pcm,
		Format: Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)},
	}, nil
}

// WriteWAV encodes clip as a 16-bit PCM WAV file.
func WriteWAV(w io.WriteSeeker, clip Clip) error {
	enc := wav.NewEncoder(w, clip.Format.SampleRate, 16, clip.Format.Channels, 1)
	samples := make([]int, len(clip.PCM)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(clip.PCM[i*2:])))
	}
	err := enc.Write(&goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: clip.Format.Channels,
			SampleRate:  clip.Format.SampleRate,
		},
		Data:           samples,
		SourceBitDepth: 16,
	})
	if err != nil {
		return fmt.Errorf("audio: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: close wav: %w", err)
	}
	return nil
}

func intBufferToPCM16(buf *goaudio.IntBuffer, bitDepth int) ([]byte, error) {
	var shift func(v int) int16
	switch bitDepth {
	case 8:
		shift = func(v int) int16 { return int16((v - 128) << 8) }
	case 16:
		shift = func(v int) int16 { return int16(v) }
	case 24:
		shift = func(v int) int16 { return int16(v >> 8) }
	case 32:
		shift = func(v int) int16 { return int16(v >> 16) }
	default:
		return nil, fmt.Errorf("audio: unsupported wav bit depth %d", bitDepth)
	}
	out := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(shift(v)))
	}
	return out, nil
}
