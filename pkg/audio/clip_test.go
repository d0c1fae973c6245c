package audio_test

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

func TestDecodeClip_RawPCM(t *testing.T) {
	t.Parallel()
	fallback := audio.Format{SampleRate: 24000, Channels: 1}
	clip, err := audio.DecodeClip(append(audio.EncodePCM16([]int16{5, 6}), 0x00), fallback)
	if err != nil {
		t.Fatalf("DecodeClip: %v", err)
	}
	if clip.Format != fallback {
		t.Errorf("format = %s, want %s", clip.Format, fallback)
	}
	if got := audio.DecodePCM16(clip.PCM); !slices.Equal(got, []int16{5, 6}) {
		t.Errorf("samples = %v, want %v", got, []int16{5, 6})
	}
}

func TestDecodeClip_Empty(t *testing.T) {
	t.Parallel()
	if _, err := audio.DecodeClip(nil, audio.Format{SampleRate: 16000, Channels: 1}); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestDecodeClip_WAVRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reply.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []int16{0, 1200, -1200, 32767, -32768, 7}
	err = audio.WriteWAV(f, audio.Clip{
		PCM:    audio.EncodePCM16(want),
		Format: audio.Format{SampleRate: 22050, Channels: 1},
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	clip, err := audio.DecodeClip(data, audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("DecodeClip: %v", err)
	}
	if clip.Format.SampleRate != 22050 || clip.Format.Channels != 1 {
		t.Errorf("format = %s, want 22050Hz mono", clip.Format)
	}
	if got := audio.DecodePCM16(clip.PCM); !slices.Equal(got, want) {
		t.Errorf("samples = %v, want %v", got, want)
	}
}
