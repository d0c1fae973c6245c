package app

import (
	"context"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/portaudio"
	"github.com/MrWong99/parley/pkg/audio/wavfile"
)

// trailingSilenceFactor pads a replayed WAV file with this many silence
// durations so its last utterance is endpointed before the input ends.
const trailingSilenceFactor = 2

// DefaultRegistry returns a registry with every built-in input, output and
// transport registered.
func DefaultRegistry() *config.Registry {
	reg := config.NewRegistry()

	reg.RegisterInput(config.InputPortAudio, func(_ context.Context, cfg *config.Config) (audio.Source, error) {
		return portaudio.OpenSource(captureFormat(cfg), cfg.Audio.FrameMs)
	})
	reg.RegisterInput(config.InputWAV, func(_ context.Context, cfg *config.Config) (audio.Source, error) {
		return wavfile.Open(cfg.Audio.InputFile, captureFormat(cfg), cfg.Audio.FrameMs,
			wavfile.WithRealtime(cfg.Audio.RealtimeInput()),
			wavfile.WithTrailingSilence(trailingSilenceFactor*cfg.VAD.SilenceDuration),
		)
	})

	reg.RegisterOutput(config.OutputPortAudio, func(cfg *config.Config) (audio.Player, error) {
		return portaudio.OpenPlayer(replyFormat(cfg))
	})
	reg.RegisterOutput(config.OutputNone, func(*config.Config) (audio.Player, error) {
		return audio.DiscardPlayer{}, nil
	})

	reg.RegisterTransport(config.TransportWebSocket, func(cfg *config.Config, endpoint string) (transport.Dialer, error) {
		opts := []transport.WebSocketOption{transport.WithDialTimeout(cfg.Backend.DialTimeout)}
		for k, v := range cfg.Backend.Headers {
			opts = append(opts, transport.WithHeader(k, v))
		}
		return transport.NewWebSocketDialer(endpoint, opts...)
	})
	reg.RegisterTransport(config.TransportMQTT, func(cfg *config.Config, endpoint string) (transport.Dialer, error) {
		m := cfg.Backend.MQTT
		return transport.NewMQTTDialer(transport.MQTTConfig{
			BrokerURL:   endpoint,
			ClientID:    m.ClientID,
			Username:    m.Username,
			Password:    m.Password,
			TopicPrefix: m.TopicPrefix,
			DialTimeout: cfg.Backend.DialTimeout,
		})
	})

	return reg
}
