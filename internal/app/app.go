// Package app wires the parley subsystems into a running client.
//
// The App struct owns the full lifecycle: New resolves the configured audio
// devices and backend transport, Run drives the voice engine and the
// reconnection monitor, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDialer,
// WithInput, WithPlayer). When an option is not provided, New builds the
// real implementation from the config through a [config.Registry].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/latency"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/response"
	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/vad"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	reg *config.Registry

	engine *engine.Engine
	reconn *transport.Reconnector
	dialer transport.Dialer
	player audio.Player
	input  engine.InputOpener

	obs engine.Observer
	met *observe.Metrics
	lat *latency.Tracker

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry resolves inputs, outputs and transports through reg instead
// of [DefaultRegistry].
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.reg = reg }
}

// WithDialer bypasses the registry and the failover group.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithInput overrides how the audio input is opened.
func WithInput(open engine.InputOpener) Option {
	return func(a *App) { a.input = open }
}

// WithPlayer injects the reply audio player. The App does not close an
// injected player.
func WithPlayer(p audio.Player) Option {
	return func(a *App) { a.player = p }
}

// WithObserver sets the user-facing collaborator.
func WithObserver(o engine.Observer) Option {
	return func(a *App) { a.obs = o }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.met = m }
}

// New creates an App from cfg. It opens the output device and resolves the
// backend dialers but neither connects nor starts capturing; that happens
// in Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.reg == nil {
		a.reg = DefaultRegistry()
	}
	if a.met == nil {
		a.met = observe.DefaultMetrics()
	}
	a.lat = latency.NewTracker(latency.DefaultWindow)

	if err := a.initDialer(); err != nil {
		return nil, err
	}
	if err := a.initPlayer(); err != nil {
		a.closeAll()
		return nil, err
	}
	if a.input == nil {
		a.input = func(ctx context.Context) (audio.Source, error) {
			return a.reg.OpenInput(ctx, a.cfg)
		}
	}

	ecfg := EngineConfig(cfg)
	det, err := vad.New(ecfg.VAD)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: vad: %w", err)
	}
	rec, err := capture.NewRecorder(cfg.Audio.Codec, captureFormat(cfg), cfg.Audio.FrameMs)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: recorder: %w", err)
	}

	a.reconn = transport.NewReconnector(transport.ReconnectorConfig{
		Dialer:     a.dialer,
		MaxRetries: cfg.Backend.Reconnect.MaxRetries,
		Backoff:    cfg.Backend.Reconnect.Backoff,
		MaxBackoff: cfg.Backend.Reconnect.MaxBackoff,
		OnConnect:  a.onConnect,
		OnGiveUp:   a.onGiveUp,
	})

	engOpts := []engine.Option{
		engine.WithInput(a.input),
		engine.WithPlayer(a.player, replyFormat(cfg)),
		engine.WithMetrics(a.met),
		engine.WithLatency(a.lat),
		engine.WithDisconnectHook(a.reconn.NotifyDisconnect),
	}
	if a.obs != nil {
		engOpts = append(engOpts, engine.WithObserver(a.obs))
	}
	a.engine = engine.New(ecfg, det, rec, engOpts...)
	return a, nil
}

func (a *App) initDialer() error {
	if a.dialer != nil {
		return nil
	}
	dialers, err := a.reg.Dialers(a.cfg)
	if err != nil {
		return fmt.Errorf("app: backend: %w", err)
	}
	cb := a.cfg.Backend.CircuitBreaker
	fd, err := transport.NewFailoverDialer(resilience.CircuitBreakerConfig{
		MaxFailures:  cb.MaxFailures,
		ResetTimeout: cb.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("backend circuit breaker changed state", "endpoint", name, "from", from, "to", to)
		},
	}, dialers...)
	if err != nil {
		return fmt.Errorf("app: backend: %w", err)
	}
	a.dialer = fd
	return nil
}

func (a *App) initPlayer() error {
	if a.player != nil {
		return nil
	}
	p, err := a.reg.OpenOutput(a.cfg)
	if err != nil {
		return fmt.Errorf("app: audio output: %w", err)
	}
	a.player = p
	a.closers = append(a.closers, p.Close)
	return nil
}

// EngineConfig derives the hot-reloadable engine settings from cfg.
func EngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Capture: capture.Config{
			SilenceDuration: cfg.VAD.SilenceDuration,
			MaxUtterance:    cfg.VAD.MaxUtterance,
			PreRollFrames:   max(cfg.VAD.PreRollFrames, 0),
		},
		VAD: vad.Config{
			Threshold:   cfg.VAD.Threshold,
			StartFrames: cfg.VAD.StartFrames,
		},
		Response: response.Config{
			AwaitAudioReply: cfg.Turn.AwaitAudioReply,
			ReplyFormat:     replyFormat(cfg),
		},
		ErrorDisplay:    cfg.Turn.ErrorDisplay,
		ResponseTimeout: cfg.Turn.ResponseTimeout,
		EchoBotAudio:    cfg.Turn.EchoEnabled(),
	}
}

func captureFormat(cfg *config.Config) audio.Format {
	return audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}
}

func replyFormat(cfg *config.Config) audio.Format {
	return audio.Format{SampleRate: cfg.Turn.ReplySampleRate, Channels: 1}
}

// Engine returns the voice engine. Front-ends issue session and capture
// commands through it.
func (a *App) Engine() *engine.Engine { return a.engine }

// Status is the JSON document served at /statusz.
type Status struct {
	engine.Snapshot
	Endpoint  string            `json:"endpoint"`
	Reconnect transport.Stats   `json:"reconnect"`
	Breakers  map[string]string `json:"breakers,omitempty"`
}

// Status returns the current engine snapshot plus backend breaker states.
func (a *App) Status() Status {
	st := Status{
		Snapshot:  a.engine.Snapshot(),
		Endpoint:  a.dialer.Endpoint(),
		Reconnect: a.reconn.Stats(),
	}
	if fd, ok := a.dialer.(*transport.FailoverDialer); ok {
		st.Breakers = make(map[string]string)
		for ep, s := range fd.Breakers() {
			st.Breakers[ep] = s.String()
		}
	}
	return st
}

// Reload applies the hot-reloadable parts of cfg. Settings that need a
// restart are left as they were.
func (a *App) Reload(cfg *config.Config) {
	a.engine.Reload(EngineConfig(cfg))
}

// Run starts the voice engine and the backend connection and blocks until
// ctx is cancelled. A backend that is unreachable at start-up is retried in
// the background; the engine reports send failures meanwhile. The current
// connection is closed when Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.engine.Run(gctx)
	})
	g.Go(func() error {
		return a.reconn.Run(gctx)
	})

	slog.Info("parley running",
		"endpoint", a.dialer.Endpoint(),
		"input", a.cfg.Audio.Input,
		"output", a.cfg.Audio.Output,
		"codec", a.cfg.Audio.Codec,
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) onConnect(conn transport.Conn) {
	a.met.RecordReconnect(context.Background(), "ok")
	a.engine.AttachConn(conn)
}

func (a *App) onGiveUp(err error) {
	a.met.RecordReconnect(context.Background(), "gave_up")
	slog.Error("backend unreachable, use Reconnect to try again", "err", err)
}

// Reconnect starts a new connection cycle, dropping the current connection
// if there is one.
func (a *App) Reconnect() {
	a.reconn.NotifyDisconnect()
}

// Shutdown releases the audio output. Call it after Run returned. It is safe
// to call more than once; later calls are no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		result := make(chan []error, 1)
		go func() { result <- a.closeAll() }()
		select {
		case errs = <-result:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("app: shutdown: %w", ctx.Err()))
		}
	})
	return errors.Join(errs...)
}

func (a *App) closeAll() []error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errs
}
