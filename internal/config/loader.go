package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownBackend is returned for a transport, input or output name that
// has no implementation.
var ErrUnknownBackend = errors.New("config: unknown backend")

// Known component names, used by [Validate].
var (
	ValidTransports = []string{TransportWebSocket, TransportMQTT}
	ValidInputs     = []string{InputPortAudio, InputWAV}
	ValidOutputs    = []string{OutputPortAudio, OutputNone}
	ValidCodecs     = []string{CodecPCM16, CodecOpus}
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.StatusAddr, ":9464")

	b := &cfg.Backend
	setDefault(&b.Transport, TransportWebSocket)
	if len(b.URLs) == 0 && b.Transport == TransportWebSocket {
		b.URLs = []string{"ws://localhost:5001/ws"}
	}
	setDefault(&b.DialTimeout, 10*time.Second)
	setDefault(&b.MQTT.TopicPrefix, "parley")
	setDefault(&b.Reconnect.MaxRetries, 10)
	setDefault(&b.Reconnect.Backoff, time.Second)
	setDefault(&b.Reconnect.MaxBackoff, 30*time.Second)
	setDefault(&b.CircuitBreaker.MaxFailures, 3)
	setDefault(&b.CircuitBreaker.ResetTimeout, 30*time.Second)

	a := &cfg.Audio
	setDefault(&a.Input, InputPortAudio)
	setDefault(&a.Output, OutputPortAudio)
	setDefault(&a.SampleRate, 16000)
	setDefault(&a.Channels, 1)
	setDefault(&a.FrameMs, 20)
	setDefault(&a.Codec, CodecPCM16)

	v := &cfg.VAD
	setDefault(&v.Threshold, 0.02)
	setDefault(&v.StartFrames, 3)
	setDefault(&v.SilenceDuration, 1500*time.Millisecond)
	setDefault(&v.PreRollFrames, 3)
	setDefault(&v.MaxUtterance, 30*time.Second)

	t := &cfg.Turn
	setDefault(&t.ReplySampleRate, 24000)
	setDefault(&t.ErrorDisplay, 1500*time.Millisecond)
	setDefault(&t.ResponseTimeout, 30*time.Second)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	b := cfg.Backend
	if err := checkName("backend.transport", b.Transport, ValidTransports); err != nil {
		errs = append(errs, err)
	}
	endpoints := b.Endpoints()
	if len(endpoints) == 0 {
		errs = append(errs, errors.New("backend.urls: at least one endpoint is required"))
	}
	for i, raw := range endpoints {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("backend.urls[%d] %q is not an absolute URL", i, raw))
			continue
		}
		if b.Transport == TransportWebSocket && u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("backend.urls[%d] %q: websocket endpoints must use ws or wss", i, raw))
		}
	}
	if b.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.dial_timeout %v must not be negative", b.DialTimeout))
	}
	if b.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("backend.reconnect.max_retries %d must not be negative", b.Reconnect.MaxRetries))
	}
	if b.Reconnect.MaxBackoff < b.Reconnect.Backoff {
		errs = append(errs, fmt.Errorf("backend.reconnect.max_backoff %v is below backoff %v", b.Reconnect.MaxBackoff, b.Reconnect.Backoff))
	}
	if b.CircuitBreaker.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("backend.circuit_breaker.max_failures %d must be at least 1", b.CircuitBreaker.MaxFailures))
	}

	// Audio
	a := cfg.Audio
	if err := checkName("audio.input", a.Input, ValidInputs); err != nil {
		errs = append(errs, err)
	}
	if a.Input == InputWAV && a.InputFile == "" {
		errs = append(errs, errors.New("audio.input_file is required when input is wav"))
	}
	if err := checkName("audio.output", a.Output, ValidOutputs); err != nil {
		errs = append(errs, err)
	}
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", a.SampleRate))
	}
	if a.Channels != 1 && a.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", a.Channels))
	}
	if a.FrameMs < 10 || a.FrameMs > 100 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [10, 100]", a.FrameMs))
	}
	if !slices.Contains(ValidCodecs, a.Codec) {
		errs = append(errs, fmt.Errorf("audio.codec %q is invalid; valid values: %v", a.Codec, ValidCodecs))
	}

	// VAD
	v := cfg.VAD
	if v.Threshold <= 0 || v.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %v is out of range (0, 1)", v.Threshold))
	}
	if v.StartFrames < 1 {
		errs = append(errs, fmt.Errorf("vad.start_frames %d must be at least 1", v.StartFrames))
	}
	if v.SilenceDuration <= 0 {
		errs = append(errs, fmt.Errorf("vad.silence_duration %v must be positive", v.SilenceDuration))
	}
	if v.PreRollFrames < PreRollDisabled {
		errs = append(errs, fmt.Errorf("vad.pre_roll_frames %d must be non-negative or %d to disable", v.PreRollFrames, PreRollDisabled))
	}
	if v.MaxUtterance < 0 {
		errs = append(errs, fmt.Errorf("vad.max_utterance %v must not be negative", v.MaxUtterance))
	}

	// Turn
	t := cfg.Turn
	if t.ReplySampleRate <= 0 {
		errs = append(errs, fmt.Errorf("turn.reply_sample_rate %d must be positive", t.ReplySampleRate))
	}
	if t.ErrorDisplay < 0 {
		errs = append(errs, fmt.Errorf("turn.error_display %v must not be negative", t.ErrorDisplay))
	}
	if t.ResponseTimeout < 0 {
		errs = append(errs, fmt.Errorf("turn.response_timeout %v must not be negative", t.ResponseTimeout))
	}

	return errors.Join(errs...)
}

func checkName(field, name string, known []string) error {
	if slices.Contains(known, name) {
		return nil
	}
	return fmt.Errorf("%s: %w %q; valid values: %v", field, ErrUnknownBackend, name, known)
}
