package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged and TurnChanged cover the blocks applied without restart.
	VADChanged  bool
	TurnChanged bool

	// RestartRequired names changed sections that only take effect on the
	// next start.
	RestartRequired []string
}

// HotReloadable reports whether anything that can be applied live changed.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.VADChanged || d.TurnChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.VADChanged = old.VAD != new.VAD
	d.TurnChanged = !turnEqual(old.Turn, new.Turn)

	if old.Server.StatusAddr != new.Server.StatusAddr {
		d.RestartRequired = append(d.RestartRequired, "server.status_addr")
	}
	if !backendEqual(old.Backend, new.Backend) {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if !audioEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	return d
}

func turnEqual(a, b TurnConfig) bool {
	return a.AwaitAudioReply == b.AwaitAudioReply &&
		a.ReplySampleRate == b.ReplySampleRate &&
		a.ErrorDisplay == b.ErrorDisplay &&
		a.ResponseTimeout == b.ResponseTimeout &&
		a.EchoEnabled() == b.EchoEnabled()
}

func backendEqual(a, b BackendConfig) bool {
	return a.Transport == b.Transport &&
		slices.Equal(a.URLs, b.URLs) &&
		a.DialTimeout == b.DialTimeout &&
		maps.Equal(a.Headers, b.Headers) &&
		a.MQTT == b.MQTT &&
		a.Reconnect == b.Reconnect &&
		a.CircuitBreaker == b.CircuitBreaker
}

func audioEqual(a, b AudioConfig) bool {
	return a.Input == b.Input &&
		a.InputFile == b.InputFile &&
		a.Output == b.Output &&
		a.SampleRate == b.SampleRate &&
		a.Channels == b.Channels &&
		a.FrameMs == b.FrameMs &&
		a.Codec == b.Codec &&
		a.RealtimeInput() == b.RealtimeInput()
}
