// Package capture implements the capture state machine that turns detector
// verdicts into utterances.
//
// The machine owns the voice state, the silence timer and the utterance being
// recorded. It is deliberately not safe for concurrent use: every method is
// called from the engine's single event loop, and timer expiries come back to
// that loop as [TimerFired] messages rather than running on the timer
// goroutine.
//
// State transitions:
//
//	Idle --speech start--> Recording --silence timer / stop--> Processing --turn complete--> Idle
//	any --acquisition failure--> Error --reinitialize--> Idle
//
// Only one utterance may be outstanding at a time. Speech heard while
// processing a turn is not captured; barge-in is not supported.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/types"
	"github.com/MrWong99/parley/pkg/vad"
)

// ErrNotRecording is returned by [Machine.Stop] outside of Recording.
var ErrNotRecording = errors.New("capture: not recording")

// Stop reasons recorded on [Utterance.Reason].
const (
	ReasonSilence      = "silence"
	ReasonMaxUtterance = "max_utterance"
	ReasonStop         = "stop"
	ReasonInputEnded   = "input_ended"
)

// Config tunes the machine.
type Config struct {
	// SilenceDuration is how long silence must last before an utterance ends.
	SilenceDuration time.Duration

	// MaxUtterance force-stops a recording after this long. Zero disables.
	MaxUtterance time.Duration

	// PreRollFrames is how many frames heard before the speech run are
	// prepended to the utterance. The speech run that satisfied the start
	// hysteresis is always kept.
	PreRollFrames int
}

// Option configures a [Machine].
type Option func(*Machine)

// WithStateObserver registers fn to be called after every state change.
func WithStateObserver(fn func(from, to types.VoiceState)) Option {
	return func(m *Machine) { m.onState = fn }
}

// WithClock overrides the wall clock used for utterance timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine is the capture state machine.
type Machine struct {
	cfg Config
	det vad.Detector
	rec Recorder

	state   types.VoiceState
	silence *Timer
	maxLen  *Timer
	enc     *Encoder
	preroll []audio.AudioFrame
	onset   []audio.AudioFrame

	cur     *Utterance
	onState func(from, to types.VoiceState)
	now     func() time.Time
	lastErr error
}

// NewMachine returns a Machine in Idle. Timer expiries are delivered through
// post and must be fed back via [Machine.HandleTimer] on the same goroutine
// that calls every other method.
func NewMachine(cfg Config, det vad.Detector, rec Recorder, sched Scheduler, post func(TimerFired), opts ...Option) *Machine {
	m := &Machine{
		cfg:     cfg,
		det:     det,
		rec:     rec,
		silence: NewTimer(TimerSilence, sched, post),
		maxLen:  NewTimer(TimerMaxUtterance, sched, post),
		enc:     NewEncoder(rec.MimeType()),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current voice state.
func (m *Machine) State() types.VoiceState { return m.state }

// Err returns the acquisition error that put the machine into Error.
func (m *Machine) Err() error { return m.lastErr }

// SilenceArmed reports whether the silence timer is pending.
func (m *Machine) SilenceArmed() bool { return m.silence.Armed() }

// Configure replaces the timing configuration. A pending silence timer keeps
// its original deadline.
func (m *Machine) Configure(cfg Config) { m.cfg = cfg }

// HandleFrame runs one frame through the detector and applies the resulting
// transition. Frames are ignored in Error.
func (m *Machine) HandleFrame(f audio.AudioFrame) types.VADEvent {
	if m.state == types.StateError {
		return types.VADEvent{Type: types.VADSilence}
	}
	ev := m.det.Process(f, m.state)

	switch ev.Type {
	case types.VADSpeechStart:
		m.startRecording(f)
	case types.VADSpeechContinue:
		m.silence.Cancel()
		m.record(f)
	case types.VADSilenceObserved:
		m.record(f)
		m.silence.ArmIfIdle(m.cfg.SilenceDuration)
	default:
		if m.state == types.StateIdle {
			m.remember(f, ev.Type == types.VADSpeech)
		}
	}
	return ev
}

// HandleTimer consumes a timer expiry. It returns the finished utterance when
// the expiry ended a recording and nil for stale or foreign expiries.
func (m *Machine) HandleTimer(f TimerFired) *Utterance {
	switch f.Kind {
	case TimerSilence:
		if m.silence.Fire(f) && m.state == types.StateRecording {
			return m.finish(ReasonSilence)
		}
	case TimerMaxUtterance:
		if m.maxLen.Fire(f) && m.state == types.StateRecording {
			slog.Info("utterance reached maximum length", "max", m.cfg.MaxUtterance)
			return m.finish(ReasonMaxUtterance)
		}
	}
	return nil
}

// Stop ends the current recording as if the silence timer had expired.
func (m *Machine) Stop(reason string) (*Utterance, error) {
	if m.state != types.StateRecording {
		return nil, ErrNotRecording
	}
	return m.finish(reason), nil
}

// CompleteTurn returns from Processing to Idle so the next speech start is
// accepted. It reports whether a transition happened.
func (m *Machine) CompleteTurn() bool {
	if m.state != types.StateProcessing {
		return false
	}
	// Speech heard while the reply was pending must not count toward the
	// next start.
	m.det.Reset()
	m.setState(types.StateIdle)
	return true
}

// Fail moves the machine into Error. Timers are disarmed, any partial
// utterance is discarded and the detector stays unused until Reinitialize.
func (m *Machine) Fail(err error) {
	m.lastErr = err
	m.silence.Cancel()
	m.maxLen.Cancel()
	m.enc.Discard()
	m.cur = nil
	m.preroll = m.preroll[:0]
	m.setState(types.StateError)
}

// Reinitialize leaves Error after the input has been re-acquired.
func (m *Machine) Reinitialize() error {
	if m.state != types.StateError {
		return fmt.Errorf("capture: reinitialize from %s", m.state)
	}
	m.lastErr = nil
	m.det.Reset()
	m.setState(types.StateIdle)
	return nil
}

func (m *Machine) startRecording(f audio.AudioFrame) {
	if m.state != types.StateIdle {
		return
	}
	m.rec.Begin()
	m.enc.Discard()
	m.cur = &Utterance{
		ID:        uuid.NewString(),
		Format:    m.enc.Format(),
		StartedAt: m.now(),
		FirstSeq:  f.Seq,
	}
	for _, p := range m.preroll {
		m.record(p)
	}
	for _, p := range m.onset {
		m.record(p)
	}
	m.record(f)
	m.setState(types.StateRecording)

	if m.cfg.MaxUtterance > 0 {
		m.maxLen.Arm(m.cfg.MaxUtterance)
	}
	slog.Debug("utterance started", "utterance_id", m.cur.ID, "seq", f.Seq)
}

func (m *Machine) record(f audio.AudioFrame) {
	if m.cur == nil {
		return
	}
	if m.cur.Frames == 0 || f.Seq < m.cur.FirstSeq {
		m.cur.FirstSeq = f.Seq
	}
	m.cur.LastSeq = f.Seq
	m.cur.Frames++
	m.cur.Duration += frameDuration(f)

	chunk, err := m.rec.Encode(f)
	if err != nil {
		slog.Warn("dropping frame the recorder could not encode",
			"utterance_id", m.cur.ID, "seq", f.Seq, "error", err)
		return
	}
	m.enc.Append(chunk)
}

func (m *Machine) finish(reason string) *Utterance {
	m.silence.Cancel()
	m.maxLen.Cancel()

	if tail, err := m.rec.Finish(); err != nil {
		slog.Warn("recorder flush failed", "utterance_id", m.cur.ID, "error", err)
	} else {
		m.enc.Append(tail)
	}

	u := m.cur
	m.cur = nil
	u.Blob, u.Chunks = m.enc.Finalize()
	u.EndedAt = m.now()
	u.Reason = reason
	m.setState(types.StateProcessing)
	return u
}

// remember buffers an idle frame. Speech frames build the onset of a
// possible start; anything else ends the onset and moves it into the last
// PreRollFrames frames of context.
func (m *Machine) remember(f audio.AudioFrame, speech bool) {
	if speech {
		m.onset = append(m.onset, f)
		return
	}
	for _, p := range m.onset {
		m.keep(p)
	}
	m.onset = m.onset[:0]
	m.keep(f)
}

func (m *Machine) keep(f audio.AudioFrame) {
	n := m.cfg.PreRollFrames
	if n <= 0 {
		m.preroll = m.preroll[:0]
		return
	}
	if len(m.preroll) >= n {
		drop := len(m.preroll) - n + 1
		m.preroll = append(m.preroll[:0], m.preroll[drop:]...)
	}
	m.preroll = append(m.preroll, f)
}

func (m *Machine) setState(to types.VoiceState) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	if to != types.StateIdle {
		m.preroll = m.preroll[:0]
		m.onset = m.onset[:0]
	}
	if m.onState != nil {
		m.onState(from, to)
	}
}

func frameDuration(f audio.AudioFrame) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := f.Samples() / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
