// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Player] for unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(audio.Format{SampleRate: 16000, Channels: 1}, 8)
//	src.Emit(frame)
//	src.Fail(errors.New("device unplugged"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source] fed by the test through [Source.Emit].
type Source struct {
	mu sync.Mutex

	format audio.Format
	frames chan audio.AudioFrame
	closed bool
	err    error

	// CloseError is returned by [Source.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ audio.Source = (*Source)(nil)

// NewSource returns a running mock source with a frames buffer of size buf.
func NewSource(format audio.Format, buf int) *Source {
	return &Source{format: format, frames: make(chan audio.AudioFrame, buf)}
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame { return s.frames }

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Err implements [audio.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emit delivers frame to the consumer. It blocks while the buffer is full and
// is a no-op after the source has been closed.
func (s *Source) Emit(frame audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames <- frame
}

// Fail closes the frames channel with err, simulating a device failure.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown(err)
}

// Close implements [audio.Source]. Records the call and returns CloseError.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.shutdown(audio.ErrSourceClosed)
	return s.CloseError
}

func (s *Source) shutdown(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.frames)
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock [audio.Player].
//
// By default Play returns PlayError immediately. When Block is set, Play waits
// until the test calls [Player.Release] or the context is cancelled.
type Player struct {
	mu sync.Mutex

	// PlayError is returned by Play.
	PlayError error

	// Block makes Play wait for Release.
	Block bool

	// PlayCalls records every clip passed to Play.
	PlayCalls []audio.Clip

	// CallCountClose records how many times Close was called.
	CallCountClose int

	release chan struct{}
	started chan struct{}
}

var _ audio.Player = (*Player)(nil)

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, clip audio.Clip) error {
	p.mu.Lock()
	p.PlayCalls = append(p.PlayCalls, clip)
	block := p.Block
	release := p.releaseChan()
	started := p.startedChan()
	err := p.PlayError
	p.mu.Unlock()

	select {
	case started <- struct{}{}:
	default:
	}
	if !block {
		return err
	}
	select {
	case <-release:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Started returns a channel that receives a value each time Play is entered.
// It is buffered by one; a test that cares must read it before the next Play.
func (p *Player) Started() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedChan()
}

// Release unblocks one blocked Play call.
func (p *Player) Release() {
	p.mu.Lock()
	ch := p.releaseChan()
	p.mu.Unlock()
	ch <- struct{}{}
}

// Calls returns a copy of the recorded clips.
func (p *Player) Calls() []audio.Clip {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audio.Clip, len(p.PlayCalls))
	copy(out, p.PlayCalls)
	return out
}

// Close implements [audio.Player].
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	return nil
}

// releaseChan must be called with p.mu held.
func (p *Player) releaseChan() chan struct{} {
	if p.release == nil {
		p.release = make(chan struct{})
	}
	return p.release
}

// startedChan must be called with p.mu held.
func (p *Player) startedChan() chan struct{} {
	if p.started == nil {
		p.started = make(chan struct{}, 1)
	}
	return p.started
}
