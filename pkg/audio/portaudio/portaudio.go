// Package portaudio provides the microphone [audio.Source] and speaker
// [audio.Player] backed by the PortAudio default devices.
//
// Every Open call pairs portaudio.Initialize with a Terminate on Close;
// PortAudio reference-counts these, so a source and a player may coexist.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
)

const frameBuffer = 32

// Source reads the default input device.
type Source struct {
	stream *portaudio.Stream
	buf    []int16
	framer *audio.Framer
	frames chan audio.AudioFrame

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

var _ audio.Source = (*Source)(nil)

// OpenSource acquires the default input device and starts capturing. Any
// error here is an acquisition failure.
func OpenSource(format audio.Format, frameMs int) (src *Source, err error) {
	framer, err := audio.NewFramer(format, frameMs)
	if err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer func() {
		if err != nil {
			_ = portaudio.Terminate()
		}
	}()

	buf := make([]int16, framer.FrameSize()/2)
	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), len(buf)/format.Channels, &buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}

	s := &Source{
		stream: stream,
		buf:    buf,
		framer: framer,
		frames: make(chan audio.AudioFrame, frameBuffer),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	slog.Info("portaudio input opened", "format", format.String(), "frame_ms", frameMs)
	return s, nil
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame { return s.frames }

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.framer.Format() }

// Err implements [audio.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = errors.Join(s.stream.Stop(), s.stream.Close(), portaudio.Terminate())
		s.setErr(audio.ErrSourceClosed)
	})
	return err
}

func (s *Source) readLoop() {
	defer s.wg.Done()
	defer close(s.frames)

	raw := make([]byte, len(s.buf)*2)
	var pending []audio.AudioFrame
	for {
		select {
		case <-s.done:
			return
		default:
		}
		if err := s.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("portaudio input overflowed", "error", err)
				continue
			}
			s.setErr(fmt.Errorf("portaudio: read: %w", err))
			return
		}
		for i, v := range s.buf {
			raw[i*2] = byte(v)
			raw[i*2+1] = byte(v >> 8)
		}
		pending = s.framer.Push(pending[:0], raw)
		for _, f := range pending {
			select {
			case s.frames <- f:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Source) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Player writes reply clips to the default output device.
type Player struct {
	format audio.Format

	mu     sync.Mutex
	stream *portaudio.Stream
	out    []int16
	closed bool
}

var _ audio.Player = (*Player)(nil)

// OpenPlayer opens the default output device in format. Clips in other
// formats are converted before playback.
func OpenPlayer(format audio.Format) (p *Player, err error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer func() {
		if err != nil {
			_ = portaudio.Terminate()
		}
	}()
	out := make([]int16, 2048*format.Channels)
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), len(out)/format.Channels, &out)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	slog.Info("portaudio output opened", "format", format.String())
	return &Player{format: format, stream: stream, out: out}, nil
}

// Play implements [audio.Player]. Cancelling ctx aborts between buffers.
func (p *Player) Play(ctx context.Context, clip audio.Clip) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("portaudio: player closed")
	}

	clip = audio.ConvertClip(clip, p.format)
	samples := make([]int16, len(clip.PCM)/2)
	for i := range samples {
		samples[i] = int16(clip.PCM[i*2]) | int16(clip.PCM[i*2+1])<<8
	}

	if err := p.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start output stream: %w", err)
	}
	for chunk := range slices.Chunk(samples, len(p.out)) {
		if err := ctx.Err(); err != nil {
			_ = p.stream.Abort()
			return err
		}
		copy(p.out, chunk)
		clear(p.out[len(chunk):])
		if err := p.stream.Write(); err != nil {
			if errors.Is(err, portaudio.OutputUnderflowed) {
				slog.Debug("portaudio output underflowed", "error", err)
				continue
			}
			_ = p.stream.Abort()
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	if err := p.stream.Stop(); err != nil {
		return fmt.Errorf("portaudio: stop output stream: %w", err)
	}
	return nil
}

// Close implements [audio.Player].
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(p.stream.Close(), portaudio.Terminate())
}
