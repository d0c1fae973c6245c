package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Backend.Transport != config.TransportWebSocket {
		t.Errorf("transport: got %q, want %q", cfg.Backend.Transport, config.TransportWebSocket)
	}
	if got := cfg.Backend.Endpoints(); len(got) != 1 || got[0] != "ws://localhost:5001/ws" {
		t.Errorf("endpoints: got %v", got)
	}
	if cfg.VAD.Threshold != 0.02 || cfg.VAD.StartFrames != 3 {
		t.Errorf("vad: got threshold %v start_frames %d, want 0.02 and 3", cfg.VAD.Threshold, cfg.VAD.StartFrames)
	}
	if cfg.VAD.SilenceDuration != 1500*time.Millisecond {
		t.Errorf("silence_duration: got %v, want 1.5s", cfg.VAD.SilenceDuration)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 || cfg.Audio.FrameMs != 20 {
		t.Errorf("audio: got %+v", cfg.Audio)
	}
	if !cfg.Audio.RealtimeInput() {
		t.Error("realtime should default to true")
	}
	if !cfg.Turn.EchoEnabled() {
		t.Error("echo_bot_audio should default to true")
	}
	if cfg.Turn.ReplySampleRate != 24000 {
		t.Errorf("reply_sample_rate: got %d, want 24000", cfg.Turn.ReplySampleRate)
	}
}

func TestLoadFromReader_FullDocument(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: debug
  status_addr: "127.0.0.1:9000"
backend:
  transport: websocket
  urls:
    - wss://primary.example.com/ws
    - wss://secondary.example.com/ws
  dial_timeout: 5s
  headers:
    Authorization: Bearer abc
  reconnect:
    max_retries: 4
    backoff: 250ms
    max_backoff: 2s
  circuit_breaker:
    max_failures: 2
    reset_timeout: 10s
audio:
  input: wav
  input_file: testdata/hello.wav
  output: none
  codec: opus
  realtime: false
vad:
  threshold: 0.05
  start_frames: 2
  silence_duration: 800ms
  pre_roll_frames: 5
  max_utterance: 12s
turn:
  await_audio_reply: true
  error_display: 3s
  response_timeout: 45s
  echo_bot_audio: false
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Backend.Endpoints(); len(got) != 2 || got[1] != "wss://secondary.example.com/ws" {
		t.Errorf("endpoints: got %v", got)
	}
	if cfg.Backend.DialTimeout != 5*time.Second {
		t.Errorf("dial_timeout: got %v, want 5s", cfg.Backend.DialTimeout)
	}
	if cfg.Backend.Headers["Authorization"] != "Bearer abc" {
		t.Errorf("headers: got %v", cfg.Backend.Headers)
	}
	if cfg.Backend.Reconnect.Backoff != 250*time.Millisecond || cfg.Backend.Reconnect.MaxRetries != 4 {
		t.Errorf("reconnect: got %+v", cfg.Backend.Reconnect)
	}
	if cfg.Audio.RealtimeInput() {
		t.Error("realtime: got true, want false")
	}
	if cfg.VAD.PreRollFrames != 5 || cfg.VAD.MaxUtterance != 12*time.Second {
		t.Errorf("vad: got %+v", cfg.VAD)
	}
	if !cfg.Turn.AwaitAudioReply || cfg.Turn.EchoEnabled() {
		t.Errorf("turn: got %+v", cfg.Turn)
	}
}

func TestLoadFromReader_PreRoll(t *testing.T) {
	t.Parallel()

	tests := []struct {
		yaml string
		want int
	}{
		{yaml: "vad:\n  threshold: 0.05\n", want: 3},
		{yaml: "vad:\n  pre_roll_frames: 8\n", want: 8},
		{yaml: "vad:\n  pre_roll_frames: -1\n", want: config.PreRollDisabled},
	}
	for _, tt := range tests {
		cfg, err := config.LoadFromReader(strings.NewReader(tt.yaml))
		if err != nil {
			t.Fatalf("%q: %v", tt.yaml, err)
		}
		if cfg.VAD.PreRollFrames != tt.want {
			t.Errorf("%q: got %d, want %d", tt.yaml, cfg.VAD.PreRollFrames, tt.want)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("vad:\n  treshold: 0.1\n"))
	if err == nil {
		t.Fatal("expected error for misspelled field, got nil")
	}
	if !strings.Contains(err.Error(), "treshold") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"threshold too high", "vad:\n  threshold: 1.5\n", "vad.threshold"},
		{"negative start frames", "vad:\n  start_frames: -1\n", "vad.start_frames"},
		{"negative pre roll", "vad:\n  pre_roll_frames: -2\n", "vad.pre_roll_frames"},
		{"channels", "audio:\n  channels: 6\n", "audio.channels"},
		{"frame length", "audio:\n  frame_ms: 500\n", "audio.frame_ms"},
		{"codec", "audio:\n  codec: flac\n", "audio.codec"},
		{"wav without file", "audio:\n  input: wav\n", "audio.input_file"},
		{"http url for websocket", "backend:\n  urls: [http://example.com]\n", "ws or wss"},
		{"relative url", "backend:\n  urls: [backend]\n", "absolute URL"},
		{"mqtt without broker", "backend:\n  transport: mqtt\n", "at least one endpoint"},
		{"backoff order", "backend:\n  reconnect:\n    backoff: 10s\n    max_backoff: 1s\n", "max_backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error mentioning %q, got nil", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_UnknownNames(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  transport: carrier-pigeon
  urls: [ws://example.com/ws]
audio:
  input: telepathy
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if !errors.Is(err, config.ErrUnknownBackend) {
		t.Fatalf("got %v, want ErrUnknownBackend", err)
	}
	for _, want := range []string{"carrier-pigeon", "telepathy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()
	yaml := `
vad:
  threshold: 2
  silence_duration: -1s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"vad.threshold", "vad.silence_duration"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestBackendEndpoints_MQTTBroker(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  transport: mqtt
  mqtt:
    broker_url: tcp://broker.local:1883
    client_id: kitchen
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Backend.Endpoints(); len(got) != 1 || got[0] != "tcp://broker.local:1883" {
		t.Errorf("endpoints: got %v", got)
	}
	if cfg.Backend.MQTT.TopicPrefix != "parley" {
		t.Errorf("topic_prefix: got %q, want %q", cfg.Backend.MQTT.TopicPrefix, "parley")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: warn\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.LogLevel.Level().String() != "WARN" {
		t.Errorf("level: got %v, want WARN", cfg.Server.LogLevel.Level())
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
