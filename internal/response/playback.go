package response

import (
	"context"
	"log/slog"

	"github.com/MrWong99/parley/pkg/audio"
)

// Done is posted to the engine loop when a playback started by [Playback]
// ends.
type Done struct {
	Gen uint64
	Err error
}

// Playback runs reply audio on an [audio.Player] in its own goroutine so the
// engine loop never blocks on the speaker.
type Playback struct {
	player audio.Player
	format audio.Format
	post   func(Done)
}

var _ Starter = (*Playback)(nil)

// NewPlayback returns a Playback that converts clips to format (the device
// format; zero keeps the clip's own) and reports completion through post.
func NewPlayback(player audio.Player, format audio.Format, post func(Done)) *Playback {
	return &Playback{player: player, format: format, post: post}
}

// Start implements [Starter].
func (p *Playback) Start(gen uint64, clip audio.Clip) func() {
	if p.format.SampleRate > 0 && p.format.Channels > 0 {
		clip = audio.ConvertClip(clip, p.format)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		slog.Debug("reply playback started", "gen", gen, "duration", clip.Duration())
		err := p.player.Play(ctx, clip)
		p.post(Done{Gen: gen, Err: err})
	}()
	return cancel
}
