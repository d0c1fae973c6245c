// Package config provides the configuration schema, loader, watcher and
// component registry for parley.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Transport names.
const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// Audio input and output names.
const (
	InputPortAudio  = "portaudio"
	InputWAV        = "wav"
	OutputPortAudio = "portaudio"
	OutputNone      = "none"
)

// Utterance codecs.
const (
	CodecPCM16 = "pcm16"
	CodecOpus  = "opus"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Audio   AudioConfig   `yaml:"audio"`
	VAD     VADConfig     `yaml:"vad"`
	Turn    TurnConfig    `yaml:"turn"`
}

// ServerConfig holds logging and status server settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// StatusAddr is where /metrics, /healthz, /readyz and /statusz are
	// served. Empty disables the status server.
	StatusAddr string `yaml:"status_addr"`
}

// BackendConfig describes how to reach the conversational backend.
type BackendConfig struct {
	// Transport selects the registered transport, "websocket" by default.
	Transport string `yaml:"transport"`

	// URLs are tried in order; later entries are failover endpoints.
	URLs []string `yaml:"urls"`

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Headers are sent with the websocket handshake.
	Headers map[string]string `yaml:"headers"`

	MQTT           MQTTConfig           `yaml:"mqtt"`
	Reconnect      ReconnectConfig      `yaml:"reconnect"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// Endpoints returns the addresses to dial. For MQTT without explicit URLs
// the broker URL is the single endpoint.
func (b BackendConfig) Endpoints() []string {
	if len(b.URLs) == 0 && b.Transport == TransportMQTT && b.MQTT.BrokerURL != "" {
		return []string{b.MQTT.BrokerURL}
	}
	return b.URLs
}

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// ReconnectConfig tunes reconnection after a dropped connection.
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// CircuitBreakerConfig tunes the per-endpoint breakers.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AudioConfig selects and tunes the audio input and output.
type AudioConfig struct {
	// Input is "portaudio" or "wav".
	Input string `yaml:"input"`

	// InputFile is the WAV file replayed when Input is "wav".
	InputFile string `yaml:"input_file"`

	// Output is "portaudio" or "none".
	Output string `yaml:"output"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	FrameMs    int `yaml:"frame_ms"`

	// Codec is the utterance encoding, "pcm16" or "opus".
	Codec string `yaml:"codec"`

	// Realtime paces WAV input at its natural rate. Defaults to true.
	Realtime *bool `yaml:"realtime"`
}

// RealtimeInput reports whether file input is paced.
func (a AudioConfig) RealtimeInput() bool {
	return a.Realtime == nil || *a.Realtime
}

// PreRollDisabled turns off pre-roll context in [VADConfig.PreRollFrames].
const PreRollDisabled = -1

// VADConfig tunes voice activity detection and endpointing. Hot-reloadable.
type VADConfig struct {
	Threshold       float64       `yaml:"threshold"`
	StartFrames     int           `yaml:"start_frames"`
	SilenceDuration time.Duration `yaml:"silence_duration"`

	// PreRollFrames is how many frames heard before the speech run are kept.
	// Zero selects the default of 3; [PreRollDisabled] keeps none.
	PreRollFrames int `yaml:"pre_roll_frames"`

	// MaxUtterance force-stops long recordings. Zero selects the default of
	// 30s.
	MaxUtterance time.Duration `yaml:"max_utterance"`
}

// TurnConfig tunes how replies are handled. Hot-reloadable.
type TurnConfig struct {
	// AwaitAudioReply keeps a streamed turn open until its bot_response
	// audio carrier has been played.
	AwaitAudioReply bool `yaml:"await_audio_reply"`

	// ReplySampleRate is assumed for raw PCM replies without a WAV header.
	ReplySampleRate int `yaml:"reply_sample_rate"`

	ErrorDisplay    time.Duration `yaml:"error_display"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// EchoBotAudio sends played replies back as bot_audio during a
	// session. Defaults to true.
	EchoBotAudio *bool `yaml:"echo_bot_audio"`
}

// EchoEnabled reports whether played replies are echoed to the session.
func (t TurnConfig) EchoEnabled() bool {
	return t.EchoBotAudio == nil || *t.EchoBotAudio
}
