package app_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/transport"
	transportmock "github.com/MrWong99/parley/internal/transport/mock"
	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
)

// testConfig returns a config with fast reconnection for tests.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Audio.Output = config.OutputNone
	cfg.Backend.Reconnect.Backoff = 5 * time.Millisecond
	cfg.Backend.Reconnect.MaxBackoff = 20 * time.Millisecond
	return cfg
}

func mockInput() app.Option {
	return app.WithInput(func(context.Context) (audio.Source, error) {
		return audiomock.NewSource(audio.Format{SampleRate: 16000, Channels: 1}, 8), nil
	})
}

// startApp runs a in the background and stops it when the test ends.
func startApp(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = a.Shutdown(shutdownCtx)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRun_ConnectsAndAcquiresInput(t *testing.T) {
	t.Parallel()
	dialer := &transportmock.Dialer{}
	a, err := app.New(testConfig(), app.WithDialer(dialer), app.WithPlayer(&audiomock.Player{}), mockInput())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startApp(t, a)

	waitFor(t, "backend connection", a.Engine().Connected)
	waitFor(t, "audio input", a.Engine().InputOK)
	if st := a.Status(); st.State != "idle" || st.Endpoint != "mock://backend" {
		t.Errorf("status: got state %q endpoint %q", st.State, st.Endpoint)
	}
}

func TestRun_InitialConnectFailureRetries(t *testing.T) {
	t.Parallel()
	dialer := &transportmock.Dialer{
		Results: []transportmock.DialResult{{Err: errors.New("connection refused")}},
	}
	a, err := app.New(testConfig(), app.WithDialer(dialer), app.WithPlayer(&audiomock.Player{}), mockInput())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startApp(t, a)

	waitFor(t, "backend connection", a.Engine().Connected)
	if got := dialer.Calls(); got != 2 {
		t.Errorf("dial calls: got %d, want 2", got)
	}
}

func TestRun_ReconnectsAfterDrop(t *testing.T) {
	t.Parallel()
	dialer := &transportmock.Dialer{}
	a, err := app.New(testConfig(), app.WithDialer(dialer), app.WithPlayer(&audiomock.Player{}), mockInput())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startApp(t, a)
	waitFor(t, "backend connection", a.Engine().Connected)

	dialer.Conns()[0].Drop(errors.New("read: connection reset"))

	waitFor(t, "second connection", func() bool { return len(dialer.Conns()) == 2 })
	waitFor(t, "reattached connection", a.Engine().Connected)
}

func TestReconnect_AfterGiveUp(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Backend.Reconnect.MaxRetries = 1
	dialer := &transportmock.Dialer{
		Results: []transportmock.DialResult{{Err: errors.New("connection refused")}},
	}
	a, err := app.New(cfg, app.WithDialer(dialer), app.WithPlayer(&audiomock.Player{}), mockInput())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startApp(t, a)

	waitFor(t, "give-up", func() bool { return a.Status().Reconnect.GaveUp })
	if a.Engine().Connected() {
		t.Fatal("connected before a retry was requested")
	}
	a.Reconnect()
	waitFor(t, "backend connection", a.Engine().Connected)
	if st := a.Status().Reconnect; st.Connects != 1 || st.Failures != 1 {
		t.Errorf("reconnect stats: got %+v", st)
	}
}

func TestNew_UnknownTransport(t *testing.T) {
	t.Parallel()
	_, err := app.New(testConfig(), app.WithRegistry(config.NewRegistry()), mockInput())
	if !errors.Is(err, config.ErrUnknownBackend) {
		t.Fatalf("got %v, want ErrUnknownBackend", err)
	}
}

func TestNew_OutputFailure(t *testing.T) {
	t.Parallel()
	reg := mockRegistry(nil)
	boom := errors.New("no output device")
	reg.RegisterOutput(config.OutputNone, func(*config.Config) (audio.Player, error) { return nil, boom })

	if _, err := app.New(testConfig(), app.WithRegistry(reg), mockInput()); !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped output error", err)
	}
}

// mockRegistry registers mock websocket dialers and player.
func mockRegistry(player *audiomock.Player) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterTransport(config.TransportWebSocket, func(_ *config.Config, ep string) (transport.Dialer, error) {
		return &transportmock.Dialer{Name: ep}, nil
	})
	reg.RegisterOutput(config.OutputNone, func(*config.Config) (audio.Player, error) { return player, nil })
	return reg
}

func TestStatus_ReportsBreakers(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Backend.URLs = []string{"ws://primary/ws", "ws://secondary/ws"}

	a, err := app.New(cfg, app.WithRegistry(mockRegistry(&audiomock.Player{})), mockInput())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := a.Status()
	if st.Endpoint != "ws://primary/ws,ws://secondary/ws" {
		t.Errorf("endpoint: got %q", st.Endpoint)
	}
	if len(st.Breakers) != 2 {
		t.Fatalf("breakers: got %v, want 2 entries", st.Breakers)
	}
	for ep, state := range st.Breakers {
		if state != "closed" {
			t.Errorf("breaker %s: got %q, want closed", ep, state)
		}
	}
}

func TestShutdown_ClosesOutputOnce(t *testing.T) {
	t.Parallel()
	player := &audiomock.Player{}
	a, err := app.New(testConfig(), app.WithRegistry(mockRegistry(player)), mockInput())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if player.CallCountClose != 1 {
		t.Errorf("player closed %d times, want 1", player.CallCountClose)
	}
}

func TestShutdown_LeavesInjectedPlayerOpen(t *testing.T) {
	t.Parallel()
	player := &audiomock.Player{}
	a, err := app.New(testConfig(), app.WithDialer(&transportmock.Dialer{}), app.WithPlayer(player), mockInput())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if player.CallCountClose != 0 {
		t.Errorf("player closed %d times, want 0", player.CallCountClose)
	}
}

func TestEngineConfig(t *testing.T) {
	t.Parallel()
	off := false
	cfg := testConfig()
	cfg.VAD.Threshold = 0.07
	cfg.VAD.StartFrames = 4
	cfg.VAD.SilenceDuration = 900 * time.Millisecond
	cfg.VAD.PreRollFrames = 6
	cfg.Turn.AwaitAudioReply = true
	cfg.Turn.ReplySampleRate = 22050
	cfg.Turn.EchoBotAudio = &off

	got := app.EngineConfig(cfg)
	if got.VAD.Threshold != 0.07 || got.VAD.StartFrames != 4 {
		t.Errorf("vad: got %+v", got.VAD)
	}
	if got.Capture.SilenceDuration != 900*time.Millisecond || got.Capture.PreRollFrames != 6 {
		t.Errorf("capture: got %+v", got.Capture)
	}
	cfg.VAD.PreRollFrames = config.PreRollDisabled
	if got := app.EngineConfig(cfg); got.Capture.PreRollFrames != 0 {
		t.Errorf("disabled pre-roll: got %d, want 0", got.Capture.PreRollFrames)
	}
	if !got.Response.AwaitAudioReply || got.Response.ReplyFormat.SampleRate != 22050 {
		t.Errorf("response: got %+v", got.Response)
	}
	if got.EchoBotAudio {
		t.Error("echo: got true, want false")
	}
	if got.ErrorDisplay != cfg.Turn.ErrorDisplay || got.ResponseTimeout != cfg.Turn.ResponseTimeout {
		t.Errorf("timeouts: got %v/%v", got.ErrorDisplay, got.ResponseTimeout)
	}
}

func TestDefaultRegistry_Dialers(t *testing.T) {
	t.Parallel()
	reg := app.DefaultRegistry()

	cfg := testConfig()
	cfg.Backend.URLs = []string{"ws://a/ws", "wss://b/ws"}
	dialers, err := reg.Dialers(cfg)
	if err != nil {
		t.Fatalf("websocket Dialers: %v", err)
	}
	if len(dialers) != 2 || dialers[1].Endpoint() != "wss://b/ws" {
		t.Errorf("websocket endpoints: got %d dialers", len(dialers))
	}

	cfg = testConfig()
	cfg.Backend.Transport = config.TransportMQTT
	cfg.Backend.URLs = nil
	cfg.Backend.MQTT.BrokerURL = "tcp://broker:1883"
	cfg.Backend.MQTT.ClientID = "kitchen"
	dialers, err = reg.Dialers(cfg)
	if err != nil {
		t.Fatalf("mqtt Dialers: %v", err)
	}
	if got := dialers[0].Endpoint(); !strings.HasPrefix(got, "tcp://broker:1883") || !strings.HasSuffix(got, "kitchen") {
		t.Errorf("mqtt endpoint: got %q", got)
	}
}

func TestDefaultRegistry_NoneOutputDiscards(t *testing.T) {
	t.Parallel()
	p, err := app.DefaultRegistry().OpenOutput(testConfig())
	if err != nil {
		t.Fatalf("OpenOutput: %v", err)
	}
	if err := p.Play(context.Background(), audio.Clip{}); err != nil {
		t.Errorf("Play: %v", err)
	}
}
