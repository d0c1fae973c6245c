// Package response assembles backend turns from the inbound event stream.
//
// A turn is delivered either incrementally (bot_stream_start, bot_token…,
// bot_stream_end) or atomically (bot_response). Every stream opened gets a
// new generation; a stream that starts before the previous one ended
// supersedes it and its text is dropped. Reply audio, when present, is
// played off the engine loop and its completion comes back tagged with the
// generation it was started for.
//
// A turn is complete when its text has ended and, if reply audio is part of
// the turn, that audio has finished playing or failed.
package response

import (
	"log/slog"
	"strings"

	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/audio"
)

// Meta is the per-turn metadata handed to the final-turn hook.
type Meta struct {
	// Gen is the stream generation of the turn.
	Gen uint64

	// Streamed is true when the text arrived as tokens.
	Streamed bool

	// Latency is the backend's timing report, when one was sent.
	Latency *transport.Latency

	// SessionID and IsRecording echo the backend's session labelling.
	SessionID   string
	IsRecording *bool

	// Recorded reports whether the backend stored the turn in its session
	// recording.
	Recorded bool

	// HasAudio reports whether reply audio accompanies the turn.
	HasAudio bool
}

// Hooks receive turn progress. Nil hooks are skipped. They run on the
// caller's goroutine.
type Hooks struct {
	// PartialText receives the accumulated text after each token.
	PartialText func(text string)

	// FinalTurn receives the finished text of a turn.
	FinalTurn func(userText, botText string, meta Meta)

	// Stale is called for each event dropped because it does not belong to
	// the current stream.
	Stale func(kind string)
}

// Config tunes the handler.
type Config struct {
	// AwaitAudioReply keeps a streamed turn open after bot_stream_end until
	// a bot_response carrying the reply audio arrives.
	AwaitAudioReply bool

	// ReplyFormat is assumed for reply audio that is raw PCM rather than WAV.
	ReplyFormat audio.Format
}

// Starter begins playback of clip for generation gen and returns a function
// that aborts it. Completion must be reported back through
// [Handler.PlaybackDone].
type Starter interface {
	Start(gen uint64, clip audio.Clip) (cancel func())
}

// Handler owns the response stream. It is not safe for concurrent use; all
// methods are called from the engine loop.
type Handler struct {
	cfg   Config
	hooks Hooks
	play  Starter

	gen           uint64
	open          bool
	text          strings.Builder
	tokens        int
	awaitingAudio bool

	playing    bool
	playGen    uint64
	playCancel func()
	playRaw    []byte
}

// NewHandler returns a Handler with no open stream. play may be nil, in
// which case reply audio is ignored.
func NewHandler(cfg Config, hooks Hooks, play Starter) *Handler {
	return &Handler{cfg: cfg, hooks: hooks, play: play}
}

// Configure replaces the configuration. It applies from the next turn.
func (h *Handler) Configure(cfg Config) { h.cfg = cfg }

// Gen returns the current stream generation.
func (h *Handler) Gen() uint64 { return h.gen }

// Open reports whether a streamed turn is receiving tokens.
func (h *Handler) Open() bool { return h.open }

// Busy reports whether the current turn still waits for text, reply audio or
// playback.
func (h *Handler) Busy() bool { return h.open || h.awaitingAudio || h.playing }

// Text returns the text of the current stream.
func (h *Handler) Text() string { return h.text.String() }

// StreamStart opens a new stream, discarding any unfinished one.
func (h *Handler) StreamStart() {
	h.supersede("stream_start")
	h.open = true
}

// Token appends tok to the open stream. It reports whether tok was the first
// token of the stream. Tokens with no open stream are dropped.
func (h *Handler) Token(tok string) (first bool) {
	if !h.open {
		h.stale("token")
		return false
	}
	h.text.WriteString(tok)
	h.tokens++
	if h.hooks.PartialText != nil {
		h.hooks.PartialText(h.text.String())
	}
	return h.tokens == 1
}

// StreamEnd closes the open stream and reports whether the turn is now
// complete.
func (h *Handler) StreamEnd() (complete bool) {
	if !h.open {
		h.stale("stream_end")
		return false
	}
	h.open = false
	h.final("", h.text.String(), Meta{Gen: h.gen, Streamed: true, HasAudio: h.cfg.AwaitAudioReply})
	if h.cfg.AwaitAudioReply {
		h.awaitingAudio = true
		return false
	}
	return true
}

// BotResponse handles a complete turn, or the audio carrier of a streamed
// turn that is waiting for its reply audio. It reports whether the turn is
// now complete.
func (h *Handler) BotResponse(resp transport.BotResponse) (complete bool) {
	meta := Meta{
		Latency:     resp.LatencyMs,
		SessionID:   resp.SessionID,
		IsRecording: resp.IsRecording,
		Recorded:    resp.Recorded != nil && *resp.Recorded,
		HasAudio:    len(resp.Audio) > 0,
	}

	if h.awaitingAudio && !h.open {
		// Carrier for the stream that just ended; its text was already
		// reported.
		h.awaitingAudio = false
		return h.startAudio(resp.Audio)
	}

	h.supersede("bot_response")
	meta.Gen = h.gen
	h.text.WriteString(resp.BotText)
	if h.hooks.PartialText != nil && resp.BotText != "" {
		h.hooks.PartialText(resp.BotText)
	}
	h.final(resp.UserText, resp.BotText, meta)
	return h.startAudio(resp.Audio)
}

// PlaybackDone consumes a playback completion. It reports whether the turn
// is now complete and returns the raw reply audio that was played. Reports
// for superseded generations are ignored.
func (h *Handler) PlaybackDone(gen uint64, err error) (complete bool, played []byte) {
	if !h.playing || gen != h.playGen {
		h.stale("playback_done")
		return false, nil
	}
	h.playing = false
	h.playCancel = nil
	played, h.playRaw = h.playRaw, nil
	if err != nil {
		slog.Warn("reply playback failed", "gen", gen, "error", err)
		return true, nil
	}
	return true, played
}

// Reset abandons the current turn: the stream is closed, any playback is
// aborted and late events for it become stale.
func (h *Handler) Reset() {
	h.stopPlayback()
	if h.open || h.awaitingAudio {
		h.gen++
	}
	h.open = false
	h.awaitingAudio = false
	h.text.Reset()
	h.tokens = 0
}

func (h *Handler) supersede(kind string) {
	if h.open {
		slog.Debug("response stream superseded", "gen", h.gen, "by", kind, "dropped_tokens", h.tokens)
		h.stale("superseded")
	}
	h.stopPlayback()
	h.gen++
	h.open = false
	h.awaitingAudio = false
	h.text.Reset()
	h.tokens = 0
}

func (h *Handler) startAudio(raw []byte) (complete bool) {
	if len(raw) == 0 || h.play == nil {
		return true
	}
	clip, err := audio.DecodeClip(raw, h.cfg.ReplyFormat)
	if err != nil {
		slog.Warn("discarding undecodable reply audio", "gen", h.gen, "bytes", len(raw), "error", err)
		return true
	}
	h.playing = true
	h.playGen = h.gen
	h.playRaw = raw
	h.playCancel = h.play.Start(h.gen, clip)
	return false
}

func (h *Handler) stopPlayback() {
	if !h.playing {
		return
	}
	if h.playCancel != nil {
		h.playCancel()
	}
	h.playing = false
	h.playCancel = nil
	h.playRaw = nil
}

func (h *Handler) final(userText, botText string, meta Meta) {
	if h.hooks.FinalTurn != nil {
		h.hooks.FinalTurn(userText, botText, meta)
	}
}

func (h *Handler) stale(kind string) {
	if h.hooks.Stale != nil {
		h.hooks.Stale(kind)
	}
}
