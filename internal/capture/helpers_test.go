package capture_test

import (
	"encoding/binary"
	"time"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/pkg/audio"
)

// fakeClock is a manual capture.Scheduler. Nothing fires until the test says so.
type fakeClock struct {
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	fire    func()
	stopped bool
	fired   bool
}

func (c *fakeClock) schedule(d time.Duration, fire func()) func() bool {
	t := &fakeTimer{d: d, fire: fire}
	c.timers = append(c.timers, t)
	return func() bool {
		live := !t.stopped && !t.fired
		t.stopped = true
		return live
	}
}

// expire fires every live timer.
func (c *fakeClock) expire() {
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			t.fire()
		}
	}
}

// live returns the number of timers that are neither stopped nor fired.
func (c *fakeClock) live() int {
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// mailbox collects posted expiries the way the engine loop would.
type mailbox struct {
	fired []capture.TimerFired
}

func (m *mailbox) post(f capture.TimerFired) { m.fired = append(m.fired, f) }

func (m *mailbox) take() []capture.TimerFired {
	out := m.fired
	m.fired = nil
	return out
}

func levelFrame(seq uint64, level float64) audio.AudioFrame {
	data := make([]byte, 640)
	v := int16(level * 32767)
	for i := 0; i < len(data); i += 2 {
		binary.LittleEndian.PutUint16(data[i:], uint16(v))
	}
	data[0] = byte(seq) // makes every frame's bytes distinguishable
	return audio.AudioFrame{Seq: seq, Data: data, SampleRate: 16000, Channels: 1,
		Timestamp: time.Duration(seq) * 20 * time.Millisecond}
}

const (
	speech  = 0.3
	silence = 0.0005
)

// chunkRecorder emits scripted chunks, one per Encode call.
type chunkRecorder struct {
	chunks [][]byte
	tail   []byte
	begins int
}

func (r *chunkRecorder) Begin() { r.begins++ }

func (r *chunkRecorder) Encode(audio.AudioFrame) ([]byte, error) {
	if len(r.chunks) == 0 {
		return nil, nil
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return c, nil
}

func (r *chunkRecorder) Finish() ([]byte, error) { return r.tail, nil }

func (r *chunkRecorder) MimeType() string { return "application/x-test" }
