// Package engine runs the voice interaction loop.
//
// One goroutine ([Engine.Run]) owns every transition. Audio frames, inbound
// backend messages, timer expiries, playback completions, user commands,
// connection changes and configuration reloads are all posted to a single
// mailbox and handled one at a time, so the capture state machine, the
// response stream and the session state are never touched concurrently.
//
// The engine follows a half-duplex turn model: after an utterance is sent it
// waits for the reply to be delivered before listening again. Speaking over
// the reply is not captured.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/latency"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/response"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/types"
	"github.com/MrWong99/parley/pkg/vad"
)

// ErrStopped is returned by commands issued after the loop has exited.
var ErrStopped = errors.New("engine: stopped")

// ErrNotInError is returned by Reinitialize outside the Error state.
var ErrNotInError = errors.New("engine: input is not in error")

const defaultMailboxSize = 256

// Config is the hot-reloadable engine configuration.
type Config struct {
	// Capture tunes endpointing.
	Capture capture.Config

	// VAD tunes the detector.
	VAD vad.Config

	// Response tunes turn assembly.
	Response response.Config

	// ErrorDisplay is how long an error is shown before listening resumes.
	ErrorDisplay time.Duration

	// ResponseTimeout bounds how long a turn may wait for the backend. Zero
	// disables the bound.
	ResponseTimeout time.Duration

	// EchoBotAudio sends played reply audio back as bot_audio while a
	// session is active.
	EchoBotAudio bool
}

// InputOpener acquires the audio input. It is called once when the loop
// starts and again on every Reinitialize.
type InputOpener func(ctx context.Context) (audio.Source, error)

// Option configures an [Engine].
type Option func(*Engine)

// WithObserver sets the user-facing collaborator.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.obs = o }
}

// WithInput sets how audio input is acquired.
func WithInput(open InputOpener) Option {
	return func(e *Engine) { e.openInput = open }
}

// WithPlayer routes reply audio to p, converted to format.
func WithPlayer(p audio.Player, format audio.Format) Option {
	return func(e *Engine) {
		e.player = p
		e.playerFormat = format
	}
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.met = m }
}

// WithLatency sets the tracker that receives turn timings.
func WithLatency(t *latency.Tracker) Option {
	return func(e *Engine) { e.lat = t }
}

// WithScheduler overrides how timers are scheduled. Tests only.
func WithScheduler(s capture.Scheduler) Option {
	return func(e *Engine) { e.sched = s }
}

// WithClock overrides the wall clock. Tests only.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDisconnectHook registers fn to be called on the loop after the current
// connection is lost, typically [transport.Reconnector.NotifyDisconnect].
func WithDisconnectHook(fn func()) Option {
	return func(e *Engine) { e.onDisconnect = fn }
}

// WithMailboxSize sets the mailbox capacity. Defaults to 256.
func WithMailboxSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.mailboxSize = n
		}
	}
}

// turn tracks the utterance whose reply is outstanding.
type turn struct {
	id         string
	sent       time.Time
	ctx        context.Context
	span       trace.Span
	firstToken bool
	outcome    string
	errMsg     string
}

// Engine is the voice interaction loop.
type Engine struct {
	cfg Config

	det     vad.Detector
	machine *capture.Machine
	resp    *response.Handler
	sess    *session.Manager

	errTimer  *capture.Timer
	respTimer *capture.Timer

	obs          Observer
	status       StatusObserver
	met          *observe.Metrics
	lat          *latency.Tracker
	sched        capture.Scheduler
	now          func() time.Time
	openInput    InputOpener
	player       audio.Player
	playerFormat audio.Format
	onDisconnect func()

	mailboxSize int
	mailbox     chan any
	stopped     chan struct{}
	running     atomic.Bool

	// Loop-owned.
	ctx           context.Context
	src           audio.Source
	conn          transport.Conn
	cur           *turn
	sessionActive bool

	// Mirrors for Snapshot.
	state     atomic.Int32
	connected atomic.Bool
	inputOK   atomic.Bool
	errMu     sync.Mutex
	lastErr   string
}

// New creates an Engine. det and rec are owned by the engine from now on.
func New(cfg Config, det vad.Detector, rec capture.Recorder, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		det:         det,
		obs:         ObserverFuncs{},
		now:         time.Now,
		mailboxSize: defaultMailboxSize,
		stopped:     make(chan struct{}),
		ctx:         context.Background(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.met == nil {
		e.met = observe.DefaultMetrics()
	}
	if e.lat == nil {
		e.lat = latency.NewTracker(latency.DefaultWindow)
	}
	if so, ok := e.obs.(StatusObserver); ok {
		e.status = so
	}
	e.mailbox = make(chan any, e.mailboxSize)

	postTimer := func(f capture.TimerFired) { e.post(f) }
	e.machine = capture.NewMachine(cfg.Capture, det, rec, e.sched, postTimer,
		capture.WithStateObserver(e.onState),
		capture.WithClock(e.now),
	)
	e.errTimer = capture.NewTimer(capture.TimerErrorDisplay, e.sched, postTimer)
	e.respTimer = capture.NewTimer(capture.TimerResponse, e.sched, postTimer)

	var starter response.Starter
	if e.player != nil {
		starter = response.NewPlayback(e.player, e.playerFormat, func(d response.Done) { e.post(d) })
	}
	e.resp = response.NewHandler(cfg.Response, response.Hooks{
		PartialText: e.obs.OnPartialText,
		FinalTurn:   e.obs.OnFinalTurn,
		Stale:       func(kind string) { e.met.RecordStale(e.ctx, kind) },
	}, starter)
	e.sess = session.NewManager(e.send, e.onSession)
	return e
}

// Run processes the mailbox until ctx is cancelled. It acquires the audio
// input first; failure to do so leaves the engine in Error rather than
// returning.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: already running")
	}
	e.ctx = ctx
	defer close(e.stopped)
	defer e.shutdown()

	if err := e.acquireInput(ctx); err != nil {
		e.inputFailed(err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.mailbox:
			e.dispatch(ev)
		}
	}
}

// AttachConn hands a freshly dialled backend connection to the loop. It is
// safe to call from any goroutine, including reconnect callbacks.
func (e *Engine) AttachConn(conn transport.Conn) {
	e.post(connectedEvent{conn: conn})
}

// Reload applies a new configuration from the next event on.
func (e *Engine) Reload(cfg Config) {
	e.post(configEvent{cfg: cfg})
}

// StartSession requests a recording session.
func (e *Engine) StartSession(ctx context.Context) error { return e.do(ctx, cmdStartSession) }

// StopSession ends the recording session. It is a no-op without one.
func (e *Engine) StopSession(ctx context.Context) error { return e.do(ctx, cmdStopSession) }

// StopCapture ends the current utterance now, as if silence had been
// detected. It returns [capture.ErrNotRecording] outside Recording.
func (e *Engine) StopCapture(ctx context.Context) error { return e.do(ctx, cmdStopCapture) }

// Reinitialize re-acquires the audio input after an acquisition failure.
func (e *Engine) Reinitialize(ctx context.Context) error { return e.do(ctx, cmdReinitialize) }

// Snapshot is a point-in-time view of the engine for status pages.
type Snapshot struct {
	State     string           `json:"state"`
	Connected bool             `json:"connected"`
	InputOK   bool             `json:"input_ok"`
	Session   session.Snapshot `json:"session"`
	LastError string           `json:"last_error,omitempty"`
	Latency   latency.Snapshot `json:"latency"`
}

// Snapshot returns the current view. Safe from any goroutine.
func (e *Engine) Snapshot() Snapshot {
	e.errMu.Lock()
	lastErr := e.lastErr
	e.errMu.Unlock()
	return Snapshot{
		State:     types.VoiceState(e.state.Load()).String(),
		Connected: e.connected.Load(),
		InputOK:   e.inputOK.Load(),
		Session:   e.sess.Snapshot(),
		LastError: lastErr,
		Latency:   e.lat.Snapshot(),
	}
}

// Connected reports whether a backend connection is attached.
func (e *Engine) Connected() bool { return e.connected.Load() }

// InputOK reports whether the audio input is acquired and running.
func (e *Engine) InputOK() bool { return e.inputOK.Load() }

// Latency returns the tracker receiving turn timings.
func (e *Engine) Latency() *latency.Tracker { return e.lat }

// post enqueues ev. It blocks while the mailbox is full and reports false
// once the loop has exited.
func (e *Engine) post(ev any) bool {
	select {
	case e.mailbox <- ev:
		return true
	case <-e.stopped:
		return false
	}
}

func (e *Engine) do(ctx context.Context, kind commandKind) error {
	reply := make(chan error, 1)
	select {
	case e.mailbox <- commandEvent{kind: kind, reply: reply}:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) dispatch(ev any) {
	switch ev := ev.(type) {
	case frameEvent:
		if ev.src != e.src {
			return
		}
		e.handleFrame(ev.frame)
	case sourceEndedEvent:
		if ev.src != e.src {
			return
		}
		e.handleSourceEnded(ev.err)
	case inboundEvent:
		if ev.conn != e.conn {
			return
		}
		e.handleInbound(ev.msg)
	case capture.TimerFired:
		e.handleTimer(ev)
	case response.Done:
		e.handlePlaybackDone(ev)
	case connectedEvent:
		e.handleConnected(ev.conn)
	case disconnectedEvent:
		if ev.conn != e.conn {
			return
		}
		e.handleDisconnected(ev.err)
	case configEvent:
		e.handleConfig(ev.cfg)
	case commandEvent:
		ev.reply <- e.handleCommand(ev.kind)
	default:
		slog.Error("engine: unknown mailbox event", "type", fmt.Sprintf("%T", ev))
	}
}

// ─── Capture ─────────────────────────────────────────────────────────────────

func (e *Engine) handleFrame(f audio.AudioFrame) {
	ev := e.machine.HandleFrame(f)
	e.met.RecordFrame(e.ctx, ev.Type.String())
}

func (e *Engine) handleTimer(f capture.TimerFired) {
	switch f.Kind {
	case capture.TimerSilence, capture.TimerMaxUtterance:
		if u := e.machine.HandleTimer(f); u != nil {
			e.deliver(u)
		}
	case capture.TimerErrorDisplay:
		if e.errTimer.Fire(f) {
			e.finishTurn("error")
		}
	case capture.TimerResponse:
		if e.respTimer.Fire(f) {
			slog.Warn("backend did not complete the turn in time", "timeout", e.cfg.ResponseTimeout)
			e.failTurn("The assistant did not respond in time.", "timeout")
		}
	}
}

func (e *Engine) handleSourceEnded(err error) {
	e.inputOK.Store(false)
	src := e.src
	e.src = nil
	if src != nil {
		_ = src.Close()
	}

	switch {
	case errors.Is(err, io.EOF):
		slog.Info("audio input ended")
		if u, stopErr := e.machine.Stop(capture.ReasonInputEnded); stopErr == nil {
			e.deliver(u)
		}
	case errors.Is(err, audio.ErrSourceClosed):
	default:
		e.inputFailed(fmt.Errorf("audio input failed: %w", err))
	}
}

// deliver sends a finalised utterance and starts waiting for its turn.
func (e *Engine) deliver(u *capture.Utterance) {
	e.met.RecordUtterance(e.ctx, u.Reason, u.Duration, len(u.Blob))
	log := slog.With("utterance_id", u.ID, "reason", u.Reason, "frames", u.Frames, "bytes", len(u.Blob))

	if len(u.Blob) == 0 {
		log.Warn("utterance is empty, not sending")
		e.machine.CompleteTurn()
		return
	}

	err := e.send(transport.Message{
		Type: transport.TypeAudioData,
		Payload: transport.AudioData{
			Audio:         u.Blob,
			Format:        u.Format,
			RecordingMode: e.sess.Label(),
		},
	})
	if err != nil {
		log.Warn("could not send utterance", "error", err)
		e.failTurn("Could not reach the assistant.", "send_failed")
		return
	}

	ctx, span := observe.StartTurn(e.ctx, u.ID, u.Reason, len(u.Blob))
	e.cur = &turn{id: u.ID, sent: e.now(), ctx: ctx, span: span}
	if e.cfg.ResponseTimeout > 0 {
		e.respTimer.Arm(e.cfg.ResponseTimeout)
	}
	observe.Logger(ctx).Info("utterance sent",
		"utterance_id", u.ID, "reason", u.Reason, "duration", u.Duration, "bytes", len(u.Blob))
}

// ─── Response ────────────────────────────────────────────────────────────────

func (e *Engine) handleInbound(msg transport.Message) {
	switch p := msg.Payload.(type) {
	case transport.RecordingStarted:
		e.sess.HandleStarted(p)
	case transport.RecordingStopped:
		e.sess.HandleStopped(p)
	case transport.BotToken:
		if first := e.resp.Token(p.Token); first && e.cur != nil && !e.cur.firstToken {
			e.cur.firstToken = true
			d := e.now().Sub(e.cur.sent)
			e.lat.Record(latency.FirstToken, d)
			e.met.FirstTokenLatency.Record(e.ctx, d.Seconds())
		}
	case transport.BotResponse:
		if p.LatencyMs != nil {
			d := time.Duration(p.LatencyMs.Backend * float64(time.Millisecond))
			e.lat.Record(latency.Backend, d)
			e.met.BackendLatency.Record(e.ctx, d.Seconds())
		}
		if e.resp.BotResponse(p) {
			e.completeTurn()
		}
	case transport.ErrorMessage:
		e.met.BackendErrors.Add(e.ctx, 1)
		slog.Warn("backend reported an error", "message", p.Message)
		e.failTurn(p.Message, "backend_error")
	case transport.StatusMessage:
		slog.Info("backend status", "message", p.Message)
		if e.status != nil {
			e.status.OnStatus(p.Message)
		}
	default:
		switch msg.Type {
		case transport.TypeBotStreamStart:
			e.resp.StreamStart()
		case transport.TypeBotStreamEnd:
			if e.resp.StreamEnd() {
				e.completeTurn()
			}
		default:
			slog.Debug("ignoring backend message", "type", msg.Type)
		}
	}
}

func (e *Engine) handlePlaybackDone(d response.Done) {
	complete, played := e.resp.PlaybackDone(d.Gen, d.Err)
	if len(played) > 0 && e.cfg.EchoBotAudio {
		if id, ok := e.sess.BotAudioTarget(); ok {
			err := e.send(transport.Message{
				Type:    transport.TypeBotAudio,
				Payload: transport.BotAudio{Audio: played, SessionID: id},
			})
			if err != nil {
				slog.Warn("could not send reply audio to session", "session_id", id, "error", err)
			}
		}
	}
	if complete {
		e.completeTurn()
	}
}

// completeTurn is called when the reply has been fully delivered.
func (e *Engine) completeTurn() {
	e.errTimer.Cancel()
	e.respTimer.Cancel()
	if e.cur != nil {
		d := e.now().Sub(e.cur.sent)
		e.lat.Record(latency.Turn, d)
		e.met.TurnDuration.Record(e.ctx, d.Seconds())
		observe.Logger(e.cur.ctx).Info("turn complete", "utterance_id", e.cur.id, "latency", d)
		observe.EndTurn(e.cur.span, "complete", "")
		e.cur = nil
	}
	e.machine.CompleteTurn()
}

// failTurn surfaces msg and, when a turn is outstanding, returns to Idle
// after the error display delay.
func (e *Engine) failTurn(msg, outcome string) {
	e.setLastError(msg)
	e.obs.OnError(msg)
	e.respTimer.Cancel()
	e.resp.Reset()
	if e.cur != nil {
		e.cur.outcome = outcome
		e.cur.errMsg = msg
	}
	if e.machine.State() == types.StateProcessing {
		e.errTimer.Arm(e.cfg.ErrorDisplay)
	}
}

// finishTurn ends a failed turn once its error has been displayed.
func (e *Engine) finishTurn(outcome string) {
	if e.cur != nil {
		if e.cur.outcome != "" {
			outcome = e.cur.outcome
		}
		observe.EndTurn(e.cur.span, outcome, e.cur.errMsg)
		e.cur = nil
	}
	e.machine.CompleteTurn()
}

// ─── Transport & session ─────────────────────────────────────────────────────

func (e *Engine) send(m transport.Message) error {
	if e.conn == nil {
		e.met.RecordTransportError(e.ctx, "not_connected")
		return transport.ErrNotConnected
	}
	if err := e.conn.Send(m); err != nil {
		e.met.RecordTransportError(e.ctx, "send")
		return err
	}
	return nil
}

func (e *Engine) handleConnected(conn transport.Conn) {
	if conn == nil || conn == e.conn {
		return
	}
	if old := e.conn; old != nil {
		_ = old.Close()
		e.dropConnection(errors.New("replaced by a new connection"))
	}
	e.conn = conn
	e.connected.Store(true)
	go e.pumpConn(conn)
	slog.Info("backend attached")
}

func (e *Engine) handleDisconnected(err error) {
	e.dropConnection(err)
	if e.onDisconnect != nil {
		e.onDisconnect()
	}
}

// dropConnection forgets the current connection together with everything
// the backend tied to it: the session and any turn in flight.
func (e *Engine) dropConnection(err error) {
	e.conn = nil
	e.connected.Store(false)
	e.met.RecordTransportError(e.ctx, "disconnect")
	slog.Warn("backend connection lost", "error", err)

	e.sess.Disconnect()
	if e.machine.State() == types.StateProcessing {
		e.failTurn("Lost connection to the assistant.", "disconnected")
	} else {
		e.resp.Reset()
	}
}

func (e *Engine) pumpConn(conn transport.Conn) {
	for msg := range conn.Inbound() {
		if !e.post(inboundEvent{conn: conn, msg: msg}) {
			return
		}
	}
	<-conn.Done()
	e.post(disconnectedEvent{conn: conn, err: conn.Err()})
}

func (e *Engine) onSession(active bool, id string) {
	if active != e.sessionActive {
		e.sessionActive = active
		delta := int64(1)
		if !active {
			delta = -1
		}
		e.met.ActiveSessions.Add(e.ctx, delta)
	}
	e.obs.OnSessionChanged(active, id)
}

// ─── Input ───────────────────────────────────────────────────────────────────

// acquireInput opens the input and starts pumping its frames. Without an
// opener the engine runs on commands and backend traffic alone.
func (e *Engine) acquireInput(ctx context.Context) error {
	if e.openInput == nil {
		return nil
	}
	src, err := e.openInput(ctx)
	if err != nil {
		return fmt.Errorf("could not open audio input: %w", err)
	}
	e.src = src
	e.inputOK.Store(true)
	go e.pumpSource(src)
	slog.Info("audio input acquired", "format", src.Format())
	return nil
}

func (e *Engine) inputFailed(err error) {
	slog.Error("audio input unavailable", "error", err)
	e.inputOK.Store(false)
	e.setLastError(err.Error())
	e.machine.Fail(err)
	e.respTimer.Cancel()
	e.errTimer.Cancel()
	e.resp.Reset()
	if e.cur != nil {
		observe.EndTurn(e.cur.span, "input_failed", err.Error())
		e.cur = nil
	}
	e.obs.OnError(err.Error())
}

func (e *Engine) pumpSource(src audio.Source) {
	for f := range src.Frames() {
		if !e.post(frameEvent{src: src, frame: f}) {
			// The loop stopped; shutdown closes src, which ends the drain.
			audio.Drain(src.Frames())
			return
		}
	}
	e.post(sourceEndedEvent{src: src, err: src.Err()})
}

// ─── Commands & config ───────────────────────────────────────────────────────

func (e *Engine) handleCommand(kind commandKind) error {
	slog.Debug("engine command", "command", kind)
	switch kind {
	case cmdStartSession:
		return e.sess.Start()
	case cmdStopSession:
		_, err := e.sess.Stop()
		return err
	case cmdStopCapture:
		u, err := e.machine.Stop(capture.ReasonStop)
		if err != nil {
			return err
		}
		e.deliver(u)
		return nil
	case cmdReinitialize:
		if e.machine.State() != types.StateError {
			return ErrNotInError
		}
		if err := e.acquireInput(e.ctx); err != nil {
			e.inputFailed(err)
			return fmt.Errorf("engine: reinitialize: %w", err)
		}
		e.setLastError("")
		return e.machine.Reinitialize()
	case cmdBarrier:
		return nil
	default:
		return fmt.Errorf("engine: unknown command %d", kind)
	}
}

func (e *Engine) handleConfig(cfg Config) {
	if err := e.det.Configure(cfg.VAD); err != nil {
		slog.Warn("rejecting detector configuration", "error", err)
		cfg.VAD = e.cfg.VAD
	}
	e.machine.Configure(cfg.Capture)
	e.resp.Configure(cfg.Response)
	e.cfg = cfg
	slog.Info("engine configuration reloaded",
		"threshold", cfg.VAD.Threshold,
		"start_frames", cfg.VAD.StartFrames,
		"silence_duration", cfg.Capture.SilenceDuration,
	)
}

func (e *Engine) onState(from, to types.VoiceState) {
	e.state.Store(int32(to))
	e.met.RecordStateTransition(e.ctx, from.String(), to.String())
	slog.Debug("voice state changed", "from", from, "to", to)
	e.obs.OnStateChanged(to)
}

func (e *Engine) setLastError(msg string) {
	e.errMu.Lock()
	e.lastErr = msg
	e.errMu.Unlock()
}

func (e *Engine) shutdown() {
	e.errTimer.Cancel()
	e.respTimer.Cancel()
	e.resp.Reset()
	if e.cur != nil {
		observe.EndTurn(e.cur.span, "shutdown", "")
		e.cur = nil
	}
	if e.src != nil {
		_ = e.src.Close()
		e.src = nil
	}
	e.inputOK.Store(false)
	e.connected.Store(false)
}
