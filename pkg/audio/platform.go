// Package audio defines the frame, source and player abstractions that sit
// between the operating system's audio devices and the parley engine.
//
// The two primary abstractions are:
//
//   - [Source]: a live input stream cut into fixed-size [AudioFrame] values.
//   - [Player]: a sink that plays a decoded [Clip] and reports completion.
//
// Device-specific adapters live in sub-packages (audio/portaudio,
// audio/wavfile). This package lives under pkg/ because embedding
// applications are expected to supply their own sources and players.
package audio

import (
	"context"
	"errors"
)

// ErrSourceClosed is reported by [Source.Err] after a clean Close.
var ErrSourceClosed = errors.New("audio: source closed")

// Source is an acquired audio input. Acquisition happens in the adapter's
// constructor, so a Source that exists is already capturing.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Frames returns the stream of analysis frames. The channel is closed when
	// the source is closed or the device fails; the same channel is returned
	// on every call.
	Frames() <-chan AudioFrame

	// Format reports the format of emitted frames.
	Format() Format

	// Err returns the reason the frames channel was closed, or nil while the
	// source is still running.
	Err() error

	// Close stops capture and releases the device. Safe to call more than once.
	Close() error
}

// Player plays decoded reply audio.
//
// Implementations must be safe for concurrent use, although the engine never
// plays two clips at once.
type Player interface {
	// Play blocks until clip has been handed to the device and drained, ctx is
	// cancelled, or playback fails.
	Play(ctx context.Context, clip Clip) error

	// Close releases the output device. Safe to call more than once.
	Close() error
}

// DiscardPlayer is a [Player] that completes immediately. It is used for
// headless runs where reply audio has nowhere to go.
type DiscardPlayer struct{}

var _ Player = DiscardPlayer{}

// Play implements [Player]. It returns ctx.Err() if ctx is already done.
func (DiscardPlayer) Play(ctx context.Context, _ Clip) error {
	return ctx.Err()
}

// Close implements [Player].
func (DiscardPlayer) Close() error { return nil }
