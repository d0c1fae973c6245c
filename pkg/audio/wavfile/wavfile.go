// Package wavfile provides an [audio.Source] that replays a WAV file, for
// headless runs and end-to-end tests.
package wavfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Option configures a [Source].
type Option func(*Source)

// WithRealtime paces frames at their natural cadence instead of as fast as the
// consumer reads them.
func WithRealtime(realtime bool) Option {
	return func(s *Source) { s.realtime = realtime }
}

// WithTrailingSilence appends d of silence after the file so a final
// utterance can be endpointed before the source ends.
func WithTrailingSilence(d time.Duration) Option {
	return func(s *Source) { s.trailing = d }
}

// Source replays decoded WAV audio as analysis frames. After the last frame
// the frames channel closes and Err reports [io.EOF].
type Source struct {
	format   audio.Format
	frameMs  int
	realtime bool
	trailing time.Duration

	frames    chan audio.AudioFrame
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

var _ audio.Source = (*Source)(nil)

// Open decodes the WAV file at path, converts it to format and starts
// emitting frames of frameMs.
func Open(path string, format audio.Format, frameMs int, opts ...Option) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: read %q: %w", path, err)
	}
	return New(data, format, frameMs, opts...)
}

// New is like [Open] but takes the file contents directly.
func New(data []byte, format audio.Format, frameMs int, opts ...Option) (*Source, error) {
	clip, err := audio.DecodeClip(data, format)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %w", err)
	}
	framer, err := audio.NewFramer(format, frameMs)
	if err != nil {
		return nil, err
	}
	s := &Source{
		format:  format,
		frameMs: frameMs,
		frames:  make(chan audio.AudioFrame, 16),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	pcm := audio.ConvertClip(clip, format).PCM
	if s.trailing > 0 {
		bytesPerSec := format.SampleRate * format.Channels * 2
		pcm = append(pcm, make([]byte, int(s.trailing.Seconds()*float64(bytesPerSec)))...)
	}
	frames := framer.Push(nil, pcm)
	if last, ok := framer.Flush(); ok {
		frames = append(frames, last)
	}

	s.wg.Add(1)
	go s.run(frames)
	return s, nil
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

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *Source) run(frames []audio.AudioFrame) {
	defer s.wg.Done()
	defer close(s.frames)

	var tick <-chan time.Time
	if s.realtime {
		t := time.NewTicker(time.Duration(s.frameMs) * time.Millisecond)
		defer t.Stop()
		tick = t.C
	}
	for _, f := range frames {
		if tick != nil {
			select {
			case <-tick:
			case <-s.done:
				s.setErr(audio.ErrSourceClosed)
				return
			}
		}
		select {
		case s.frames <- f:
		case <-s.done:
			s.setErr(audio.ErrSourceClosed)
			return
		}
	}
	s.setErr(io.EOF)
}

func (s *Source) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// IsEOF reports whether err marks the normal end of a replayed file.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
